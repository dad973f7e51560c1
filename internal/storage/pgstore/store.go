// Package pgstore keeps lobbies in PostgreSQL. Each commit is one transaction
// that row-locks the lobby and checks its version before writing.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func Open(databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const nextLobbyIDSQL = `SELECT CASE
    WHEN NOT EXISTS (SELECT 1 FROM stones_lobbies WHERE id = 1) THEN 1
    ELSE (SELECT MIN(l.id) + 1 FROM stones_lobbies l
          WHERE NOT EXISTS (SELECT 1 FROM stones_lobbies n WHERE n.id = l.id + 1))
  END`

func (s *Store) CreateLobby(ctx context.Context, cfg domain.LobbyConfig) (*domain.LobbyRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE stones_lobbies IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return nil, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, nextLobbyIDSQL).Scan(&id); err != nil {
		return nil, fmt.Errorf("allocate lobby id: %w", err)
	}
	now := time.Now().UTC()
	rec := domain.LobbyRecord{
		ID:            id,
		Status:        domain.StatusCreated,
		DefaultStones: cfg.DefaultStones,
		Stones:        []int{},
		RoundDuration: cfg.RoundDuration,
		MoveTimeout:   cfg.MoveTimeout,
		CreatedBy:     cfg.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	q := `INSERT INTO stones_lobbies (
        id, status, round, move, default_stones, stones, player_count,
        round_duration_ms, move_timeout_ms, created_by, version, created_at, updated_at
      ) VALUES ($1,$2,0,0,$3,'{}',0,$4,$5,$6,0,$7,$7)`
	if _, err := tx.ExecContext(ctx, q, id, string(rec.Status), rec.DefaultStones,
		rec.RoundDuration.Milliseconds(), rec.MoveTimeout.Milliseconds(), rec.CreatedBy, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &rec, nil
}

const lobbyColumns = `id, status, round, move, default_stones, stones, player_count,
    round_duration_ms, move_timeout_ms, created_by, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLobby(r rowScanner) (*domain.LobbyRecord, error) {
	var (
		rec            domain.LobbyRecord
		status         string
		stones         []int64
		roundMS, movMS int64
	)
	err := r.Scan(&rec.ID, &status, &rec.Round, &rec.Move, &rec.DefaultStones, pq.Array(&stones), &rec.PlayerCount,
		&roundMS, &movMS, &rec.CreatedBy, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = domain.LobbyStatus(status)
	rec.Stones = toInts(stones)
	rec.RoundDuration = time.Duration(roundMS) * time.Millisecond
	rec.MoveTimeout = time.Duration(movMS) * time.Millisecond
	return &rec, nil
}

func (s *Store) LoadLobby(ctx context.Context, id int64) (*domain.LobbySnapshot, error) {
	rec, err := scanLobby(s.db.QueryRowContext(ctx, `SELECT `+lobbyColumns+` FROM stones_lobbies WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrLobbyNotFound
	}
	if err != nil {
		return nil, err
	}
	snap := &domain.LobbySnapshot{Lobby: *rec}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id, name, room, role, seat, token, naming, joined_at
        FROM stones_members WHERE lobby_id = $1 ORDER BY seat`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m      domain.Member
			role   string
			naming []int64
		)
		if err := rows.Scan(&m.UserID, &m.Name, &m.Room, &role, &m.Seat, &m.Token, pq.Array(&naming), &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		m.Naming = toInts(naming)
		snap.Members = append(snap.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snap.Log, err = s.queryLog(ctx, `WHERE lobby_id = $1 AND round = $2`, id, rec.Round)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) queryLog(ctx context.Context, where string, args ...any) ([]domain.MoveLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lobby_id, round, move, player_id, stone_id, logged_at
        FROM stones_move_log `+where+` ORDER BY round, move, player_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.MoveLogEntry
	for rows.Next() {
		var (
			e     domain.MoveLogEntry
			stone sql.NullInt64
		)
		if err := rows.Scan(&e.LobbyID, &e.Round, &e.Move, &e.PlayerID, &stone, &e.LoggedAt); err != nil {
			return nil, err
		}
		if stone.Valid {
			v := int(stone.Int64)
			e.StoneID = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Commit(ctx context.Context, lobbyID int64, expectVersion int64, ch domain.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM stones_lobbies WHERE id = $1 FOR UPDATE`, lobbyID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrLobbyNotFound
	}
	if err != nil {
		return err
	}
	if version != expectVersion {
		return domain.ErrVersionConflict
	}

	rec := ch.Lobby
	_, err = tx.ExecContext(ctx, `UPDATE stones_lobbies SET
        status = $2, round = $3, move = $4, default_stones = $5, stones = $6, player_count = $7,
        round_duration_ms = $8, move_timeout_ms = $9, version = $10, updated_at = $11
      WHERE id = $1`,
		lobbyID, string(rec.Status), rec.Round, rec.Move, rec.DefaultStones, pq.Array(toInt64s(rec.Stones)), rec.PlayerCount,
		rec.RoundDuration.Milliseconds(), rec.MoveTimeout.Milliseconds(), expectVersion+1, nowOr(rec.UpdatedAt))
	if err != nil {
		return err
	}

	for _, uid := range ch.Remove {
		if _, err := tx.ExecContext(ctx, `DELETE FROM stones_members WHERE lobby_id = $1 AND user_id = $2`, lobbyID, uid); err != nil {
			return err
		}
	}
	for _, m := range ch.Upsert {
		_, err := tx.ExecContext(ctx, `INSERT INTO stones_members (lobby_id, user_id, name, room, role, seat, token, naming, joined_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
            ON CONFLICT (lobby_id, user_id) DO UPDATE SET
              name = EXCLUDED.name, room = EXCLUDED.room, role = EXCLUDED.role,
              seat = EXCLUDED.seat, token = EXCLUDED.token, naming = EXCLUDED.naming`,
			lobbyID, m.UserID, m.Name, m.Room, string(m.Role), m.Seat, m.Token, pq.Array(toInt64s(m.Naming)), nowOr(m.JoinedAt))
		if err != nil {
			return mapPQError(err)
		}
	}
	for _, u := range ch.Users {
		if err := upsertUser(ctx, tx, u); err != nil {
			return err
		}
	}
	if len(ch.Log) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO stones_move_log (lobby_id, round, move, player_id, stone_id, logged_at)
            VALUES ($1,$2,$3,$4,$5,$6)
            ON CONFLICT (lobby_id, round, move, player_id) DO UPDATE SET
              stone_id = EXCLUDED.stone_id, logged_at = EXCLUDED.logged_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range ch.Log {
			var stone sql.NullInt64
			if e.StoneID != nil {
				stone = sql.NullInt64{Int64: int64(*e.StoneID), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, lobbyID, e.Round, e.Move, e.PlayerID, stone, nowOr(e.LoggedAt)); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteLobby(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE stones_users SET lobby_id = NULL WHERE lobby_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM stones_lobbies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLobbyNotFound
	}
	return tx.Commit()
}

func (s *Store) ListLobbies(ctx context.Context) ([]domain.LobbyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lobbyColumns+` FROM stones_lobbies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LobbyRecord
	for rows.Next() {
		rec, err := scanLobby(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) MoveLog(ctx context.Context, lobbyID int64) ([]domain.MoveLogEntry, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM stones_lobbies WHERE id = $1)`, lobbyID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrLobbyNotFound
	}
	return s.queryLog(ctx, `WHERE lobby_id = $1`, lobbyID)
}

const userColumns = `id, name, room, role, lobby_id, admin_requested, updated_at`

func scanUser(r rowScanner) (*domain.UserRecord, error) {
	var (
		u     domain.UserRecord
		role  string
		lobby sql.NullInt64
	)
	if err := r.Scan(&u.ID, &u.Name, &u.Room, &role, &lobby, &u.AdminRequested, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = domain.Role(role)
	u.LobbyID = lobby.Int64
	return &u, nil
}

func (s *Store) LoadUser(ctx context.Context, id string) (*domain.UserRecord, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM stones_users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (s *Store) SaveUser(ctx context.Context, u domain.UserRecord) error {
	return upsertUser(ctx, s.db, u)
}

func upsertUser(ctx context.Context, q querier, u domain.UserRecord) error {
	var lobby sql.NullInt64
	if u.LobbyID != 0 {
		lobby = sql.NullInt64{Int64: u.LobbyID, Valid: true}
	}
	_, err := q.ExecContext(ctx, `INSERT INTO stones_users (id, name, room, role, lobby_id, admin_requested, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (id) DO UPDATE SET
          name = EXCLUDED.name, room = EXCLUDED.room, role = EXCLUDED.role,
          lobby_id = EXCLUDED.lobby_id, admin_requested = EXCLUDED.admin_requested, updated_at = EXCLUDED.updated_at`,
		u.ID, u.Name, u.Room, string(u.Role), lobby, u.AdminRequested, nowOr(u.UpdatedAt))
	return err
}

func (s *Store) ListUsersByRole(ctx context.Context, role domain.Role) ([]domain.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM stones_users WHERE role = $1 ORDER BY id`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// mapPQError turns the one-seat constraint into a membership conflict.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "stones_members_one_seat" {
		return fmt.Errorf("%w: %s", domain.ErrMembershipConflict, pqErr.Detail)
	}
	return err
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func toInts(in []int64) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

func toInt64s(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}
