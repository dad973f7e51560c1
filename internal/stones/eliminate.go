package stones

// Eliminate applies one move. A stone leaves the set only when exactly two
// players picked it; one, three or more pickers leave it in place. A zero
// choice means "no stone" and choices outside prev are ignored.
func Eliminate(prev StoneSet, choices map[string]int) (next StoneSet, removed StoneSet) {
	counts := make(map[int]int, len(choices))
	for _, stone := range choices {
		if stone == 0 || !prev.Contains(stone) {
			continue
		}
		counts[stone]++
	}
	next = make(StoneSet, 0, len(prev))
	removed = StoneSet{}
	for _, stone := range prev {
		if counts[stone] == 2 {
			removed = append(removed, stone)
			continue
		}
		next = append(next, stone)
	}
	return next, removed
}
