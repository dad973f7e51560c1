package domain

import (
	"fmt"
	"sort"
	"time"
)

// LobbyStatus is the persisted lifecycle state of a lobby.
type LobbyStatus string

const (
	StatusCreated  LobbyStatus = "created"
	StatusWaiting  LobbyStatus = "waiting"
	StatusStarted  LobbyStatus = "started"
	StatusFinished LobbyStatus = "finished"
)

// Role distinguishes how a user takes part in a lobby.
type Role string

const (
	RolePlayer Role = "player"
	RoleAdmin  Role = "admin"
	RoleAgent  Role = "agent"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RolePlayer, RoleAdmin, RoleAgent:
		return Role(s), true
	}
	return "", false
}

// LobbyConfig is what an admin picks when making a lobby.
type LobbyConfig struct {
	DefaultStones int
	RoundDuration time.Duration
	MoveTimeout   time.Duration
	CreatedBy     string
}

// LobbyRecord is the single lobby row. Stones holds the stone set of the current move.
type LobbyRecord struct {
	ID            int64         `json:"id"`
	Status        LobbyStatus   `json:"status"`
	Round         int           `json:"round"`
	Move          int           `json:"move"`
	DefaultStones int           `json:"default_stones"`
	Stones        []int         `json:"stones"`
	PlayerCount   int           `json:"player_count"`
	RoundDuration time.Duration `json:"round_duration"`
	MoveTimeout   time.Duration `json:"move_timeout"`
	CreatedBy     string        `json:"created_by"`
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Member is one user's seat in a lobby. Naming is the round permutation:
// token k shown to this member denotes real stone Naming[k-1].
type Member struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Room     string    `json:"room"`
	Role     Role      `json:"role"`
	Seat     int       `json:"seat"`
	Token    string    `json:"token,omitempty"`
	Naming   []int     `json:"naming,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// UserRecord is the global user row; LobbyID 0 means "not in a lobby".
type UserRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Room           string    `json:"room"`
	Role           Role      `json:"role"`
	LobbyID        int64     `json:"lobby_id,omitempty"`
	AdminRequested bool      `json:"admin_requested,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MoveLogEntry is one (round, move, player) row of the append-only move log.
// StoneID nil means no choice.
type MoveLogEntry struct {
	LobbyID  int64     `json:"lobby_id"`
	Round    int       `json:"round"`
	Move     int       `json:"move"`
	PlayerID string    `json:"player_id"`
	StoneID  *int      `json:"stone_id"`
	LoggedAt time.Time `json:"logged_at"`
}

func (e MoveLogEntry) Key() string { return LogKey(e.Round, e.Move, e.PlayerID) }

func LogKey(round, move int, playerID string) string {
	return fmt.Sprintf("%d:%d:%s", round, move, playerID)
}

// SortMoveLog orders rows by round, move, then player id.
func SortMoveLog(rows []MoveLogEntry) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		if a.Move != b.Move {
			return a.Move < b.Move
		}
		return a.PlayerID < b.PlayerID
	})
}

// LobbySnapshot is what a gateway returns on load: the record, its members and
// the move-log rows of the record's current round.
type LobbySnapshot struct {
	Lobby   LobbyRecord
	Members []Member
	Log     []MoveLogEntry
}

// Change is everything one state-changing lobby operation writes. Gateways apply
// it atomically and bump Lobby.Version.
type Change struct {
	Lobby  LobbyRecord
	Upsert []Member
	Remove []string
	Users  []UserRecord
	Log    []MoveLogEntry
}

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

var (
	ErrLobbyNotFound      = errf("lobby not found")
	ErrVersionConflict    = errf("lobby version conflict")
	ErrMembershipConflict = errf("user already seated in another lobby")
)
