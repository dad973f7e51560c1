package msgcat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedCatalogRenders(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)

	out, err := c.Render("round.started", map[string]any{"LobbyID": 3, "Round": 0, "Stones": 10})
	require.NoError(t, err)
	assert.Contains(t, out, "3번 방 1라운드")

	out, err = c.Render("move.ended", map[string]any{"Move": 2, "Reason": "quorum", "Removed": []int{4, 5}, "Remaining": 3})
	require.NoError(t, err)
	assert.Contains(t, out, "모두 선택")
	assert.Contains(t, out, "사라진 돌 2개")

	out, err = c.Render("view.cell", map[string]any{"Stone": 2, "Self": true, "Others": []string{"A", "C"}})
	require.NoError(t, err)
	assert.Equal(t, "2번 ⭐ ← A, C", out)
}

func TestEveryErrorCodeHasMessage(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)
	for _, code := range []string{
		"NOT_IN_LOBBY", "ALREADY_IN_LOBBY", "GAME_IS_RUNNING", "GAME_IS_NOT_RUNNING",
		"ALREADY_CHOSEN_STONE", "NO_SUCH_STONE", "NO_SUCH_ELEMENT", "MAX_POSSIBLE_PLAYERS",
		"NOT_SYNCHRONIZED_WITH_DATABASE", "DATA_DELETED", "NOT_ENOUGH_PLAYERS", "NOT_ADMIN", "UNKNOWN_ERROR",
	} {
		assert.True(t, c.Has("errors."+code), code)
	}
}

func TestMissingKeyFallsBack(t *testing.T) {
	c, err := New("")
	require.NoError(t, err)

	_, err = c.Render("round.started", map[string]any{"LobbyID": 1})
	assert.Error(t, err)
	assert.Equal(t, "fb", c.Text("round.started", map[string]any{}, "fb"))
	assert.Equal(t, "fb", c.Text("no.such.key", nil, "fb"))
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("lobby:\n  deleted: \"gone {{.LobbyID}}\"\n"), 0o644))

	c, err := New(dir)
	require.NoError(t, err)
	out, err := c.Render("lobby.deleted", map[string]any{"LobbyID": 7})
	require.NoError(t, err)
	assert.Equal(t, "gone 7", out)
	assert.True(t, c.Has("lobby.made"))
}

func TestOverrideDirRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	body := []byte("help: x\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), body, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), body, 0o644))

	_, err := New(dir)
	assert.ErrorContains(t, err, "duplicate override key")
}
