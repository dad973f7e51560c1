package lobby

import (
	"sync"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
)

// UserSession is the in-memory view of one user. The lobby back-reference is
// a lobby id resolved through the Registry, never a pointer to a Session.
type UserSession struct {
	mu  sync.Mutex
	rec domain.UserRecord
}

func newUserSession(rec domain.UserRecord) *UserSession {
	if rec.Role == "" {
		rec.Role = domain.RolePlayer
	}
	return &UserSession{rec: rec}
}

func (u *UserSession) ID() string { return u.rec.ID }

func (u *UserSession) Record() domain.UserRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec
}

func (u *UserSession) Role() domain.Role {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec.Role
}

func (u *UserSession) IsAdmin() bool { return u.Role() == domain.RoleAdmin }

func (u *UserSession) Name() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rec.Name == "" {
		return u.rec.ID
	}
	return u.rec.Name
}

// LobbyID is 0 when the user is not seated anywhere.
func (u *UserSession) LobbyID() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rec.LobbyID
}

// touch refreshes display name and room from the latest chat message.
func (u *UserSession) touch(name, room string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	changed := false
	if name != "" && name != u.rec.Name {
		u.rec.Name = name
		changed = true
	}
	if room != "" && room != u.rec.Room {
		u.rec.Room = room
		changed = true
	}
	return changed
}

// claim seats the user in lobbyID if they are free.
func (u *UserSession) claim(lobbyID int64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rec.LobbyID != 0 {
		return false
	}
	u.rec.LobbyID = lobbyID
	return true
}

// release clears the back-reference if it still points at lobbyID.
func (u *UserSession) release(lobbyID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.rec.LobbyID == lobbyID {
		u.rec.LobbyID = 0
	}
}

func (u *UserSession) recordWith(lobbyID int64) domain.UserRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	r := u.rec
	r.LobbyID = lobbyID
	return r
}

func (u *UserSession) setRole(role domain.Role, requested bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rec.Role = role
	u.rec.AdminRequested = requested
}

func (u *UserSession) set(rec domain.UserRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rec = rec
}
