package stones

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEliminateExactPairOnly(t *testing.T) {
	next, removed := Eliminate(FullSet(3), map[string]int{"p1": 1, "p2": 1, "p3": 2})
	assert.Equal(t, StoneSet{2, 3}, next)
	assert.Equal(t, StoneSet{1}, removed)
}

func TestEliminateTripleKeepsStone(t *testing.T) {
	next, removed := Eliminate(FullSet(3), map[string]int{"p1": 1, "p2": 1, "p3": 1})
	assert.Equal(t, StoneSet{1, 2, 3}, next)
	assert.Empty(t, removed)
}

func TestEliminateIgnoresNoChoiceAndUnknown(t *testing.T) {
	prev := NewSet([]int{2, 5, 7})
	next, removed := Eliminate(prev, map[string]int{"a": 0, "b": 0, "c": 9, "d": 9, "e": 5, "f": 5})
	assert.Equal(t, StoneSet{2, 7}, next)
	assert.Equal(t, StoneSet{5}, removed)
}

func TestEliminateMultiplePairs(t *testing.T) {
	next, _ := Eliminate(FullSet(4), map[string]int{"a": 1, "b": 1, "c": 4, "d": 4})
	assert.Equal(t, StoneSet{2, 3}, next)
}

func TestEliminateEmptyChoices(t *testing.T) {
	next, removed := Eliminate(FullSet(2), nil)
	assert.Equal(t, StoneSet{1, 2}, next)
	assert.Empty(t, removed)
}

func TestNewSetSortsAndDedups(t *testing.T) {
	assert.Equal(t, StoneSet{1, 3, 4}, NewSet([]int{4, 1, 3, 3, 0, -2}))
	assert.True(t, NewSet([]int{4, 1}).Contains(4))
	assert.False(t, NewSet([]int{4, 1}).Contains(2))
	assert.Equal(t, "{1,4}", NewSet([]int{4, 1}).String())
}

func TestAssignIsBijectionPerPlayer(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	m := Assign([]string{"p1", "p2", "p3"}, 10, rnd)
	require.Len(t, m, 3)
	for player, perm := range m {
		require.Len(t, perm, 10, player)
		seen := map[int]bool{}
		for fake := 1; fake <= 10; fake++ {
			id, ok := m.ToReal(player, fake)
			require.True(t, ok)
			assert.False(t, seen[id], "duplicate id %d for %s", id, player)
			seen[id] = true
			back, ok := m.ToFake(player, id)
			require.True(t, ok)
			assert.Equal(t, fake, back)
		}
	}
}

func TestNamingRejectsOutOfRange(t *testing.T) {
	m := Assign([]string{"p1"}, 3, nil)
	_, ok := m.ToReal("p1", 0)
	assert.False(t, ok)
	_, ok = m.ToReal("p1", 4)
	assert.False(t, ok)
	_, ok = m.ToReal("ghost", 1)
	assert.False(t, ok)
	_, ok = m.ToFake("p1", 99)
	assert.False(t, ok)
}

func TestTokenSequence(t *testing.T) {
	cases := map[int]string{0: "A", 25: "Z", 26: "AA", 27: "AB", 51: "AZ", 52: "BA", 701: "ZZ"}
	for i, want := range cases {
		got, err := Token(i)
		require.NoError(t, err)
		assert.Equal(t, want, got, "index %d", i)
	}
	_, err := Token(MaxTokens)
	assert.ErrorIs(t, err, ErrTokensExhausted)
	_, err = Tokens(MaxTokens + 1)
	assert.ErrorIs(t, err, ErrTokensExhausted)
	all, err := Tokens(MaxTokens)
	require.NoError(t, err)
	assert.Len(t, all, 702)
}
