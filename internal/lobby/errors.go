package lobby

import (
	"errors"
	"fmt"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

var (
	ErrNotInLobby         = errf("user is not in a lobby")
	ErrAlreadyInLobby     = errf("user is already in a lobby")
	ErrGameIsRunning      = errf("game is running")
	ErrGameIsNotRunning   = errf("game is not running")
	ErrAlreadyChosenStone = errf("stone already chosen for this move")
	ErrNoSuchStone        = errf("no such stone")
	ErrNoSuchElement      = errf("no such element")
	ErrMaxPossiblePlayers = errf("max possible players reached")
	ErrNotSynchronized    = errf("lobby is not synchronized with database")
	ErrDataDeleted        = errf("lobby was deleted")
	ErrNotEnoughPlayers   = errf("not enough players")
	ErrNotAdmin           = errf("admin role required")
	ErrStorage            = errf("storage failure")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNotInLobby, "NOT_IN_LOBBY"},
	{ErrAlreadyInLobby, "ALREADY_IN_LOBBY"},
	{ErrGameIsRunning, "GAME_IS_RUNNING"},
	{ErrGameIsNotRunning, "GAME_IS_NOT_RUNNING"},
	{ErrAlreadyChosenStone, "ALREADY_CHOSEN_STONE"},
	{ErrNoSuchStone, "NO_SUCH_STONE"},
	{ErrNoSuchElement, "NO_SUCH_ELEMENT"},
	{ErrMaxPossiblePlayers, "MAX_POSSIBLE_PLAYERS"},
	{ErrNotSynchronized, "NOT_SYNCHRONIZED_WITH_DATABASE"},
	{ErrDataDeleted, "DATA_DELETED"},
	{ErrNotEnoughPlayers, "NOT_ENOUGH_PLAYERS"},
	{ErrNotAdmin, "NOT_ADMIN"},
}

// Code returns the wire code for err, or UNKNOWN_ERROR.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "UNKNOWN_ERROR"
}

// Retryable reports whether the caller may simply try again.
func Retryable(err error) bool {
	return errors.Is(err, ErrNotSynchronized) || errors.Is(err, ErrStorage)
}

// storageErr classifies a gateway error. Version conflicts become
// ErrNotSynchronized; a double seat becomes ErrAlreadyInLobby.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrVersionConflict):
		return fmt.Errorf("%w: %w", ErrNotSynchronized, err)
	case errors.Is(err, domain.ErrMembershipConflict):
		return fmt.Errorf("%w: %w", ErrAlreadyInLobby, err)
	case errors.Is(err, domain.ErrLobbyNotFound):
		return fmt.Errorf("%w: %w", ErrDataDeleted, err)
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
