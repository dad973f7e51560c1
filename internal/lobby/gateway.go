package lobby

import (
	"context"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
)

// Gateway is the persistence boundary. Every method is one transaction.
//
// Commit writes a whole Change only if the stored lobby version equals
// expectVersion, and stores Change.Lobby with Version expectVersion+1.
// A mismatch returns domain.ErrVersionConflict and writes nothing.
type Gateway interface {
	CreateLobby(ctx context.Context, cfg domain.LobbyConfig) (*domain.LobbyRecord, error)
	LoadLobby(ctx context.Context, id int64) (*domain.LobbySnapshot, error)
	Commit(ctx context.Context, lobbyID int64, expectVersion int64, ch domain.Change) error
	DeleteLobby(ctx context.Context, id int64) error
	ListLobbies(ctx context.Context) ([]domain.LobbyRecord, error)
	MoveLog(ctx context.Context, lobbyID int64) ([]domain.MoveLogEntry, error)

	LoadUser(ctx context.Context, id string) (*domain.UserRecord, error)
	SaveUser(ctx context.Context, u domain.UserRecord) error
	ListUsersByRole(ctx context.Context, role domain.Role) ([]domain.UserRecord, error)

	Close() error
}
