package logexport

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
)

func stone(v int) *int { return &v }

func TestWriteCSVOrdersRowsAndBlanksNull(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []domain.MoveLogEntry{
		{Round: 0, Move: 2, PlayerID: "b", StoneID: stone(3), LoggedAt: at},
		{Round: 0, Move: 1, PlayerID: "b", LoggedAt: at},
		{Round: 0, Move: 1, PlayerID: "a", StoneID: stone(1), LoggedAt: at},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "date_time,player_id,stone_id,round_number,move_number", lines[0])
	assert.Equal(t, "2026-03-01 12:00:00.000,a,1,0,1", lines[1])
	assert.Equal(t, "2026-03-01 12:00:00.000,b,,0,1", lines[2])
	assert.Equal(t, "2026-03-01 12:00:00.000,b,3,0,2", lines[3])
	assert.Equal(t, "b", rows[0].PlayerID, "input must not be reordered")
}

func TestExporterWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	e := New(dir)
	path, err := e.Write(7, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Contains(t, filepath.Base(path), "stones_lobby7_")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "date_time,player_id,stone_id,round_number,move_number\n", string(raw))

	other, err := e.Write(7, nil)
	require.NoError(t, err)
	assert.NotEqual(t, path, other)
}

func TestNewDefaultsToTempDir(t *testing.T) {
	assert.Equal(t, os.TempDir(), New(" ").Dir())
}
