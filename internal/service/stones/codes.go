package stones

import (
	"errors"

	"github.com/park285/Stones-KakaoTalk-bot/internal/lobby"
)

var serviceCodes = []struct {
	err  error
	code string
}{
	{ErrRoomNotAllowed, "ROOM_NOT_ALLOWED"},
	{ErrInvalidStoneCount, "INVALID_STONE_COUNT"},
	{ErrAlreadyAdmin, "ALREADY_ADMIN"},
	{ErrCannotFireSelf, "CANNOT_FIRE_SELF"},
	{ErrNoPendingRequest, "NO_PENDING_REQUEST"},
	{ErrAgentRoleForbidden, "AGENT_ROLE_FORBIDDEN"},
}

// ErrorCode extends lobby.Code with the service-level failures.
func ErrorCode(err error) string {
	for _, c := range serviceCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return lobby.Code(err)
}
