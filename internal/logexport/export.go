// Package logexport writes a lobby's move log as CSV.
package logexport

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
)

const timeLayout = "2006-01-02 15:04:05.000"

var header = []string{"date_time", "player_id", "stone_id", "round_number", "move_number"}

type Exporter struct {
	dir string
}

// New exports into dir, or the OS temp dir when dir is empty.
func New(dir string) *Exporter {
	if strings.TrimSpace(dir) == "" {
		dir = os.TempDir()
	}
	return &Exporter{dir: dir}
}

func (e *Exporter) Dir() string { return e.dir }

// Write stores rows in a fresh file and returns its path.
func (e *Exporter) Write(lobbyID int64, rows []domain.MoveLogEntry) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("export dir: %w", err)
	}
	name := fmt.Sprintf("stones_lobby%d_%s.csv", lobbyID, uuid.NewString())
	path := filepath.Join(e.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if err := WriteCSV(f, rows); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// WriteCSV writes rows ordered by round, move and player. A null stone is an
// empty cell.
func WriteCSV(w io.Writer, rows []domain.MoveLogEntry) error {
	sorted := append([]domain.MoveLogEntry(nil), rows...)
	domain.SortMoveLog(sorted)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range sorted {
		stone := ""
		if r.StoneID != nil {
			stone = strconv.Itoa(*r.StoneID)
		}
		rec := []string{
			r.LoggedAt.UTC().Format(timeLayout),
			r.PlayerID,
			stone,
			strconv.Itoa(r.Round),
			strconv.Itoa(r.Move),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
