package agentapi

import (
	"sort"

	"github.com/valyala/fasthttp"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
	"github.com/park285/Stones-KakaoTalk-bot/internal/lobby"
	stonesvc "github.com/park285/Stones-KakaoTalk-bot/internal/service/stones"
	"github.com/park285/Stones-KakaoTalk-bot/pkg/stonesdto"
)

func httpStatus(code string) int {
	switch code {
	case "NO_SUCH_ELEMENT", "DATA_DELETED":
		return fasthttp.StatusNotFound
	case "NO_SUCH_STONE", "INVALID_STONE_COUNT":
		return fasthttp.StatusBadRequest
	case "NOT_ADMIN", "AGENT_ROLE_FORBIDDEN", "ROOM_NOT_ALLOWED":
		return fasthttp.StatusForbidden
	case "UNKNOWN_ERROR":
		return fasthttp.StatusInternalServerError
	}
	return fasthttp.StatusConflict
}

func retryable(err error) bool { return lobby.Retryable(err) }

func toStatus(st lobby.Status) stonesdto.StatusResponse {
	out := stonesdto.StatusResponse{
		LobbyID:         st.LobbyID,
		Status:          string(st.Status),
		Round:           st.Round,
		Move:            st.Move,
		StonesRemaining: st.StonesRemaining,
		DefaultStones:   st.DefaultStones,
		Players:         st.Players,
		Chosen:          st.Chosen,
		Open:            st.Open,
	}
	if !st.Deadline.IsZero() {
		d := st.Deadline.UTC()
		out.Deadline = &d
	}
	return out
}

func toView(f *stonesvc.Field) stonesdto.ViewResponse {
	out := stonesdto.ViewResponse{
		Status:  toStatus(f.Status),
		Token:   f.Token,
		Pending: f.Pending,
		Cells:   make([]stonesdto.Cell, 0, len(f.View)),
	}
	for num, c := range f.View {
		others := c.Others
		if others == nil {
			others = []string{}
		}
		out.Cells = append(out.Cells, stonesdto.Cell{Stone: num, Self: c.Self, Others: others})
	}
	sort.Slice(out.Cells, func(i, j int) bool { return out.Cells[i].Stone < out.Cells[j].Stone })
	return out
}

func toLobbyList(recs []domain.LobbyRecord) stonesdto.LobbyListResponse {
	out := stonesdto.LobbyListResponse{Lobbies: make([]stonesdto.LobbySummary, 0, len(recs))}
	for _, r := range recs {
		out.Lobbies = append(out.Lobbies, stonesdto.LobbySummary{
			ID:            r.ID,
			Status:        string(r.Status),
			DefaultStones: r.DefaultStones,
			PlayerCount:   r.PlayerCount,
		})
	}
	return out
}
