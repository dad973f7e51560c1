// Package memstore is a development-only in-memory gateway used when no
// database is configured, and by tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
)

type lobbyRow struct {
	rec     domain.LobbyRecord
	members map[string]domain.Member
	log     map[string]domain.MoveLogEntry
}

type Store struct {
	mu sync.RWMutex

	lobbies map[int64]*lobbyRow
	users   map[string]domain.UserRecord
	seats   map[string]int64 // user id -> lobby id

	hook func(op string) error
	now  func() time.Time
}

func New() *Store {
	return &Store{
		lobbies: make(map[int64]*lobbyRow),
		users:   make(map[string]domain.UserRecord),
		seats:   make(map[string]int64),
		now:     time.Now,
	}
}

// SetFailHook makes every write call hook first; a non-nil error aborts the
// write. Tests use it to simulate storage outages.
func (s *Store) SetFailHook(hook func(op string) error) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

func (s *Store) fail(op string) error {
	if s.hook == nil {
		return nil
	}
	return s.hook(op)
}

func (s *Store) CreateLobby(ctx context.Context, cfg domain.LobbyConfig) (*domain.LobbyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("create"); err != nil {
		return nil, err
	}

	id := int64(1)
	for {
		if _, used := s.lobbies[id]; !used {
			break
		}
		id++
	}
	now := s.now()
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
	s.lobbies[id] = &lobbyRow{rec: rec, members: map[string]domain.Member{}, log: map[string]domain.MoveLogEntry{}}
	out := rec
	return &out, nil
}

func (s *Store) LoadLobby(ctx context.Context, id int64) (*domain.LobbySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.lobbies[id]
	if !ok {
		return nil, domain.ErrLobbyNotFound
	}

	snap := &domain.LobbySnapshot{Lobby: cloneRecord(row.rec)}
	for _, m := range row.members {
		snap.Members = append(snap.Members, cloneMember(m))
	}
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].Seat < snap.Members[j].Seat })
	for _, e := range row.log {
		if e.Round == row.rec.Round {
			snap.Log = append(snap.Log, cloneEntry(e))
		}
	}
	domain.SortMoveLog(snap.Log)
	return snap, nil
}

func (s *Store) Commit(ctx context.Context, lobbyID int64, expectVersion int64, ch domain.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.lobbies[lobbyID]
	if !ok {
		return domain.ErrLobbyNotFound
	}
	if row.rec.Version != expectVersion {
		return domain.ErrVersionConflict
	}
	if err := s.fail("commit"); err != nil {
		return err
	}

	// validate before touching anything
	for _, m := range ch.Upsert {
		if seat, ok := s.seats[m.UserID]; ok && seat != lobbyID {
			return domain.ErrMembershipConflict
		}
	}

	rec := cloneRecord(ch.Lobby)
	rec.ID = lobbyID
	rec.Version = expectVersion + 1
	row.rec = rec
	for _, id := range ch.Remove {
		delete(row.members, id)
		if s.seats[id] == lobbyID {
			delete(s.seats, id)
		}
	}
	for _, m := range ch.Upsert {
		row.members[m.UserID] = cloneMember(m)
		s.seats[m.UserID] = lobbyID
	}
	for _, u := range ch.Users {
		s.users[u.ID] = u
	}
	for _, e := range ch.Log {
		e.LobbyID = lobbyID
		row.log[e.Key()] = cloneEntry(e)
	}
	return nil
}

func (s *Store) DeleteLobby(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("delete"); err != nil {
		return err
	}
	row, ok := s.lobbies[id]
	if !ok {
		return domain.ErrLobbyNotFound
	}
	for uid := range row.members {
		delete(s.seats, uid)
	}
	delete(s.lobbies, id)
	return nil
}

func (s *Store) ListLobbies(ctx context.Context) ([]domain.LobbyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LobbyRecord, 0, len(s.lobbies))
	for _, row := range s.lobbies {
		out = append(out, cloneRecord(row.rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MoveLog(ctx context.Context, lobbyID int64) ([]domain.MoveLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, domain.ErrLobbyNotFound
	}
	out := make([]domain.MoveLogEntry, 0, len(row.log))
	for _, e := range row.log {
		out = append(out, cloneEntry(e))
	}
	domain.SortMoveLog(out)
	return out, nil
}

func (s *Store) LoadUser(ctx context.Context, id string) (*domain.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) SaveUser(ctx context.Context, u domain.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("save_user"); err != nil {
		return err
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = s.now()
	}
	s.users[u.ID] = u
	return nil
}

func (s *Store) ListUsersByRole(ctx context.Context, role domain.Role) ([]domain.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UserRecord
	for _, u := range s.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Close() error { return nil }

func cloneRecord(r domain.LobbyRecord) domain.LobbyRecord {
	r.Stones = append([]int{}, r.Stones...)
	return r
}

func cloneMember(m domain.Member) domain.Member {
	m.Naming = append([]int(nil), m.Naming...)
	return m
}

func cloneEntry(e domain.MoveLogEntry) domain.MoveLogEntry {
	if e.StoneID != nil {
		v := *e.StoneID
		e.StoneID = &v
	}
	return e
}
