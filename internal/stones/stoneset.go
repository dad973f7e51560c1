// Package stones holds the pure game rules: the stone set, the elimination
// step, per-player stone naming and stable player tokens.
package stones

import (
	"slices"
	"strconv"
	"strings"
)

// StoneSet is a sorted set of real stone ids.
type StoneSet []int

// FullSet returns {1..n}.
func FullSet(n int) StoneSet {
	if n <= 0 {
		return StoneSet{}
	}
	s := make(StoneSet, n)
	for i := range s {
		s[i] = i + 1
	}
	return s
}

// NewSet sorts and dedups ids; non-positive ids are dropped.
func NewSet(ids []int) StoneSet {
	out := make(StoneSet, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (s StoneSet) Contains(id int) bool {
	_, ok := slices.BinarySearch(s, id)
	return ok
}

func (s StoneSet) Len() int { return len(s) }

func (s StoneSet) Clone() StoneSet { return slices.Clone(s) }

func (s StoneSet) String() string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = strconv.Itoa(v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
