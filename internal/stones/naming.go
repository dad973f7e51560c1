package stones

import "math/rand/v2"

// Permutation maps a display number k (1-based) to the real stone id perm[k-1].
type Permutation []int

// Shuffler is satisfied by *rand.Rand.
type Shuffler interface {
	Perm(n int) []int
}

type globalRand struct{}

func (globalRand) Perm(n int) []int { return rand.Perm(n) }

// NamingMap holds one independent permutation per player for the current round.
type NamingMap map[string]Permutation

// Assign draws a fresh permutation of {1..stoneCount} for every player.
// A nil rnd uses the global generator.
func Assign(players []string, stoneCount int, rnd Shuffler) NamingMap {
	if rnd == nil {
		rnd = globalRand{}
	}
	m := make(NamingMap, len(players))
	for _, p := range players {
		perm := rnd.Perm(stoneCount)
		for i := range perm {
			perm[i]++
		}
		m[p] = Permutation(perm)
	}
	return m
}

// ToReal translates a display number into a real stone id.
func (p Permutation) ToReal(fake int) (int, bool) {
	if fake < 1 || fake > len(p) {
		return 0, false
	}
	return p[fake-1], true
}

// ToFake is the inverse of ToReal.
func (p Permutation) ToFake(id int) (int, bool) {
	for i, v := range p {
		if v == id {
			return i + 1, true
		}
	}
	return 0, false
}

func (m NamingMap) ToReal(player string, fake int) (int, bool) {
	p, ok := m[player]
	if !ok {
		return 0, false
	}
	return p.ToReal(fake)
}

func (m NamingMap) ToFake(player string, id int) (int, bool) {
	p, ok := m[player]
	if !ok {
		return 0, false
	}
	return p.ToFake(id)
}
