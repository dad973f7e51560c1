package stonesdto

import "time"

type StatusResponse struct {
	LobbyID         int64      `json:"lobby_id"`
	Status          string     `json:"status"`
	Round           int        `json:"round"`
	Move            int        `json:"move"`
	StonesRemaining int        `json:"stones_remaining"`
	DefaultStones   int        `json:"default_stones"`
	Players         int        `json:"players"`
	Chosen          int        `json:"chosen"`
	Open            bool       `json:"open"`
	Deadline        *time.Time `json:"deadline,omitempty"`
}

// Cell is one stone under the caller's numbering. Others holds the tokens of
// players whose last closed choice was this stone.
type Cell struct {
	Stone  int      `json:"stone"`
	Self   bool     `json:"self"`
	Others []string `json:"others"`
}

type ViewResponse struct {
	Status  StatusResponse `json:"status"`
	Token   string         `json:"token,omitempty"`
	Pending int            `json:"pending"`
	Cells   []Cell         `json:"cells"`
}
