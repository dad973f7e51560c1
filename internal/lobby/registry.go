package lobby

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
	"github.com/park285/Stones-KakaoTalk-bot/internal/obslog"
)

// Handle names one incarnation of a lobby. A reload bumps Gen, so holders of
// an older Handle learn their view is stale.
type Handle struct {
	ID  int64
	Gen uint64
}

// Registry is the single owner of in-memory lobbies and users. Loads go
// through singleflight so one id never has two live Sessions.
type Registry struct {
	gw   Gateway
	opts Options
	sf   singleflight.Group

	mu      sync.Mutex
	lobbies map[int64]*Session
	users   map[string]*UserSession
	gen     uint64
	onLoad  []func(*Session)
}

func NewRegistry(gw Gateway, opts Options) *Registry {
	return &Registry{
		gw:      gw,
		opts:    opts,
		lobbies: make(map[int64]*Session),
		users:   make(map[string]*UserSession),
	}
}

func (r *Registry) Gateway() Gateway { return r.gw }

// OnLoad registers fn to run after a lobby is loaded or reloaded from
// storage. It runs without registry locks held.
func (r *Registry) OnLoad(fn func(*Session)) {
	r.mu.Lock()
	r.onLoad = append(r.onLoad, fn)
	r.mu.Unlock()
}

// User returns the session for id, creating the user record on first sight.
// Non-empty name and room refresh the stored ones.
func (r *Registry) User(ctx context.Context, id, name, room string) (*UserSession, error) {
	r.mu.Lock()
	u := r.users[id]
	r.mu.Unlock()
	if u == nil {
		v, err, _ := r.sf.Do("user:"+id, func() (any, error) { return r.loadUser(ctx, id, name, room) })
		if err != nil {
			return nil, err
		}
		return v.(*UserSession), nil
	}
	if u.touch(name, room) {
		if err := r.gw.SaveUser(ctx, u.Record()); err != nil {
			obslog.L().Warn("persist_error", zap.String("op", "user_touch"), zap.String("user_id", id), zap.Error(err))
		}
	}
	return u, nil
}

func (r *Registry) loadUser(ctx context.Context, id, name, room string) (*UserSession, error) {
	r.mu.Lock()
	if u := r.users[id]; u != nil {
		r.mu.Unlock()
		return u, nil
	}
	r.mu.Unlock()

	rec, err := r.gw.LoadUser(ctx, id)
	if err != nil {
		return nil, storageErr(err)
	}
	fresh := rec == nil
	if fresh {
		rec = &domain.UserRecord{ID: id, Name: name, Room: room, Role: domain.RolePlayer, UpdatedAt: r.opts.now()}
	}
	u := newUserSession(*rec)
	if u.touch(name, room) || fresh {
		if err := r.gw.SaveUser(ctx, u.Record()); err != nil {
			return nil, storageErr(err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.users[id]; prev != nil {
		return prev, nil
	}
	r.users[id] = u
	return u, nil
}

// Lobby returns the live session for id, reloading it when the cached one
// went stale.
func (r *Registry) Lobby(ctx context.Context, id int64) (*Session, error) {
	r.mu.Lock()
	s := r.lobbies[id]
	r.mu.Unlock()
	if s != nil && !s.IsStale() {
		return s, nil
	}
	v, err, _ := r.sf.Do("lobby:"+strconv.FormatInt(id, 10), func() (any, error) { return r.loadLobby(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) loadLobby(ctx context.Context, id int64) (*Session, error) {
	r.mu.Lock()
	if s := r.lobbies[id]; s != nil && !s.IsStale() {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	snap, err := r.gw.LoadLobby(ctx, id)
	if errors.Is(err, domain.ErrLobbyNotFound) {
		r.forget(id)
		return nil, ErrNoSuchElement
	}
	if err != nil {
		return nil, storageErr(err)
	}
	users := make(map[string]*UserSession, len(snap.Members))
	for _, m := range snap.Members {
		u, err := r.memberUser(ctx, m)
		if err != nil {
			return nil, err
		}
		users[m.UserID] = u
	}

	r.mu.Lock()
	r.gen++
	s := newSession(r.gw, snap, users, r.gen, r.opts)
	r.lobbies[id] = s
	hooks := append(([]func(*Session))(nil), r.onLoad...)
	r.mu.Unlock()
	obslog.L().Debug("lobby_load", zap.Int64("lobby_id", id), zap.Uint64("gen", s.gen), zap.Int64("version", snap.Lobby.Version))
	for _, fn := range hooks {
		fn(s)
	}
	return s, nil
}

// memberUser refreshes the cached user from storage, which is authoritative
// after a reload.
func (r *Registry) memberUser(ctx context.Context, m domain.Member) (*UserSession, error) {
	rec, err := r.gw.LoadUser(ctx, m.UserID)
	if err != nil {
		return nil, storageErr(err)
	}
	if rec == nil {
		rec = &domain.UserRecord{ID: m.UserID, Name: m.Name, Room: m.Room, Role: m.Role}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if u := r.users[m.UserID]; u != nil {
		u.set(*rec)
		return u, nil
	}
	u := newUserSession(*rec)
	r.users[m.UserID] = u
	return u, nil
}

func (r *Registry) forget(id int64) {
	r.mu.Lock()
	delete(r.lobbies, id)
	r.mu.Unlock()
}

// Resolve checks that h still names the live session.
func (r *Registry) Resolve(h Handle) (*Session, error) {
	r.mu.Lock()
	s := r.lobbies[h.ID]
	r.mu.Unlock()
	if s == nil {
		return nil, ErrDataDeleted
	}
	if s.gen != h.Gen || s.IsStale() {
		return nil, ErrNotSynchronized
	}
	return s, nil
}

// Create makes a new lobby in status created.
func (r *Registry) Create(ctx context.Context, cfg domain.LobbyConfig) (*Session, error) {
	rec, err := r.gw.CreateLobby(ctx, cfg)
	if err != nil {
		return nil, storageErr(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	s := newSession(r.gw, &domain.LobbySnapshot{Lobby: *rec}, nil, r.gen, r.opts)
	r.lobbies[rec.ID] = s
	obslog.L().Info("lobby_make", zap.Int64("lobby_id", rec.ID), zap.Int("stones", rec.DefaultStones), zap.String("by", cfg.CreatedBy))
	return s, nil
}

// Delete frees every member and drops the lobby with its move log.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	s, err := r.Lobby(ctx, id)
	if err != nil {
		return err
	}
	if err := s.teardown(ctx); err != nil {
		return err
	}
	r.forget(id)
	obslog.L().Info("lobby_delete", zap.Int64("lobby_id", id))
	return nil
}

// UserLobby follows u's back-reference.
func (r *Registry) UserLobby(ctx context.Context, u *UserSession) (*Session, error) {
	id := u.LobbyID()
	if id == 0 {
		return nil, ErrNotInLobby
	}
	s, err := r.Lobby(ctx, id)
	if errors.Is(err, ErrNoSuchElement) {
		u.release(id)
		return nil, ErrNotInLobby
	}
	return s, err
}

func (r *Registry) List(ctx context.Context) ([]domain.LobbyRecord, error) {
	recs, err := r.gw.ListLobbies(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	return recs, nil
}

// SetRole persists a role change. Seated users keep their role.
func (r *Registry) SetRole(ctx context.Context, u *UserSession, role domain.Role, requested bool) error {
	if u.LobbyID() != 0 {
		return ErrGameIsRunning
	}
	rec := u.Record()
	rec.Role = role
	rec.AdminRequested = requested
	rec.UpdatedAt = r.opts.now()
	if err := r.gw.SaveUser(ctx, rec); err != nil {
		return storageErr(err)
	}
	u.setRole(role, requested)
	return nil
}

func (r *Registry) UsersByRole(ctx context.Context, role domain.Role) ([]domain.UserRecord, error) {
	recs, err := r.gw.ListUsersByRole(ctx, role)
	if err != nil {
		return nil, storageErr(err)
	}
	return recs, nil
}

// Loaded returns the sessions currently held in memory.
func (r *Registry) Loaded() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.lobbies))
	for _, s := range r.lobbies {
		out = append(out, s)
	}
	return out
}
