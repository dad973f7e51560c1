package stonesdto

// PickRequest chooses a stone by the caller's own numbering; 0 steps away.
type PickRequest struct {
	Stone int `json:"stone"`
}

type LeaveResponse struct {
	LobbyID int64 `json:"lobby_id"`
}

type LobbySummary struct {
	ID            int64  `json:"id"`
	Status        string `json:"status"`
	DefaultStones int    `json:"default_stones"`
	PlayerCount   int    `json:"player_count"`
}

type LobbyListResponse struct {
	Lobbies []LobbySummary `json:"lobbies"`
}
