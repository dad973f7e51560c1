package lobby

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
	"github.com/park285/Stones-KakaoTalk-bot/internal/obslog"
	"github.com/park285/Stones-KakaoTalk-bot/internal/stones"
)

// Options tune every Session a Registry hands out.
type Options struct {
	Rand  stones.Shuffler
	Clock func() time.Time
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

type memberState struct {
	domain.Member
	user    *UserSession
	pending int
}

func (m *memberState) live() bool { return m.Role != domain.RoleAdmin }

// Session is the in-memory mirror of one lobby. All mutations run under mu and
// reach memory only after the gateway committed them.
type Session struct {
	mu   sync.Mutex
	gw   Gateway
	opts Options

	rec      domain.LobbyRecord
	members  map[string]*memberState
	lastMove map[string]int
	barrier  *MoveBarrier

	gen     uint64
	stale   bool
	deleted bool
}

// MoveResult describes one closed move.
type MoveResult struct {
	LobbyID   int64
	Round     int
	Move      int
	Reason    ReleaseReason
	Choices   map[string]int
	Removed   stones.StoneSet
	Remaining stones.StoneSet
	NextMove  int
}

// RoundResult describes one closed round. Cleared is true when no stones remained.
type RoundResult struct {
	LobbyID   int64
	Round     int
	Moves     int
	Remaining stones.StoneSet
	Cleared   bool
}

// Cell is one stone as seen by one player.
type Cell struct {
	Self   bool     `json:"self"`
	Others []string `json:"others"`
}

// View maps the viewer's stone numbers to cells.
type View map[int]Cell

// Status is the public summary of a lobby.
type Status struct {
	LobbyID         int64              `json:"lobby_id"`
	Status          domain.LobbyStatus `json:"status"`
	Round           int                `json:"round"`
	Move            int                `json:"move"`
	StonesRemaining int                `json:"stones_remaining"`
	DefaultStones   int                `json:"default_stones"`
	Players         int                `json:"players"`
	Chosen          int                `json:"chosen"`
	Open            bool               `json:"open"`
	Deadline        time.Time          `json:"deadline,omitzero"`
}

func newSession(gw Gateway, snap *domain.LobbySnapshot, users map[string]*UserSession, gen uint64, opts Options) *Session {
	s := &Session{
		gw:       gw,
		opts:     opts,
		rec:      snap.Lobby,
		members:  make(map[string]*memberState, len(snap.Members)),
		lastMove: map[string]int{},
		gen:      gen,
	}
	for _, m := range snap.Members {
		s.members[m.UserID] = &memberState{Member: m, user: users[m.UserID]}
	}
	if s.rec.Status != domain.StatusStarted {
		return s
	}
	for _, e := range snap.Log {
		if e.Round != s.rec.Round || e.StoneID == nil {
			continue
		}
		switch e.Move {
		case s.rec.Move:
			if m, ok := s.members[e.PlayerID]; ok && m.live() {
				m.pending = *e.StoneID
			}
		case s.rec.Move - 1:
			s.lastMove[e.PlayerID] = *e.StoneID
		}
	}
	s.barrier = NewMoveBarrier(s.rec.Round, s.rec.Move, s.rec.MoveTimeout)
	live := s.liveCountLocked()
	for id, m := range s.members {
		if m.live() && m.pending != 0 {
			s.barrier.Arrive(id, live)
		}
	}
	return s
}

func (s *Session) ID() int64 { return s.rec.ID }

// Handle identifies this incarnation of the lobby for Registry.Resolve.
func (s *Session) Handle() Handle { return Handle{ID: s.rec.ID, Gen: s.gen} }

func (s *Session) Record() domain.LobbyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rec
	r.Stones = append([]int(nil), s.rec.Stones...)
	return r
}

// Members returns the current members ordered by seat.
func (s *Session) Members() []domain.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membersLocked(false)
}

// Barrier returns the open move's barrier, or nil between moves and rounds.
func (s *Session) Barrier() *MoveBarrier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.barrier
}

func (s *Session) IsStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale || s.deleted
}

func (s *Session) membersLocked(liveOnly bool) []domain.Member {
	out := make([]domain.Member, 0, len(s.members))
	for _, m := range s.members {
		if liveOnly && !m.live() {
			continue
		}
		out = append(out, m.Member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seat < out[j].Seat })
	return out
}

func (s *Session) liveCountLocked() int {
	return lo.CountBy(lo.Values(s.members), func(m *memberState) bool { return m.live() })
}

func (s *Session) checkLocked() error {
	if s.deleted {
		return ErrDataDeleted
	}
	if s.stale {
		return ErrNotSynchronized
	}
	return nil
}

func (s *Session) nextLocked() domain.LobbyRecord {
	next := s.rec
	next.Stones = append([]int(nil), s.rec.Stones...)
	return next
}

// commitLocked persists next plus ch. Nothing in memory changes on failure.
func (s *Session) commitLocked(ctx context.Context, op string, next domain.LobbyRecord, ch domain.Change) error {
	if err := s.checkLocked(); err != nil {
		return err
	}
	next.UpdatedAt = s.opts.now()
	ch.Lobby = next
	if err := s.gw.Commit(ctx, s.rec.ID, s.rec.Version, ch); err != nil {
		err = storageErr(err)
		if errors.Is(err, ErrNotSynchronized) {
			s.stale = true
		}
		if errors.Is(err, ErrDataDeleted) {
			s.deleted = true
		}
		obslog.L().Warn("persist_error", zap.Int64("lobby_id", s.rec.ID), zap.String("op", op), zap.Error(err))
		return err
	}
	next.Version = s.rec.Version + 1
	s.rec = next
	return nil
}

func (s *Session) logRow(move int, playerID string, stone int) domain.MoveLogEntry {
	e := domain.MoveLogEntry{LobbyID: s.rec.ID, Round: s.rec.Round, Move: move, PlayerID: playerID, LoggedAt: s.opts.now()}
	if stone != 0 {
		v := stone
		e.StoneID = &v
	}
	return e
}

func (s *Session) openRowsLocked(move int) []domain.MoveLogEntry {
	var rows []domain.MoveLogEntry
	for id, m := range s.members {
		if m.live() {
			rows = append(rows, s.logRow(move, id, 0))
		}
	}
	return rows
}

// Join seats u in the lobby.
func (s *Session) Join(ctx context.Context, u *UserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if u.LobbyID() != 0 {
		return ErrAlreadyInLobby
	}
	admin := u.IsAdmin()
	switch s.rec.Status {
	case domain.StatusCreated:
	case domain.StatusFinished:
		return ErrGameIsRunning
	default:
		if !admin {
			return ErrGameIsRunning
		}
	}
	if !u.claim(s.rec.ID) {
		return ErrAlreadyInLobby
	}
	rec := u.Record()
	seat := 1
	for _, m := range s.members {
		if m.Seat >= seat {
			seat = m.Seat + 1
		}
	}
	m := domain.Member{UserID: u.ID(), Name: u.Name(), Room: rec.Room, Role: rec.Role, Seat: seat, JoinedAt: s.opts.now()}
	next := s.nextLocked()
	if !admin {
		next.PlayerCount++
	}
	ch := domain.Change{Upsert: []domain.Member{m}, Users: []domain.UserRecord{u.recordWith(s.rec.ID)}}
	if err := s.commitLocked(ctx, "join", next, ch); err != nil {
		u.release(s.rec.ID)
		return err
	}
	s.members[u.ID()] = &memberState{Member: m, user: u}
	obslog.L().Info("lobby_join", zap.Int64("lobby_id", s.rec.ID), zap.String("user_id", u.ID()), zap.String("role", string(rec.Role)))
	return nil
}

// Leave removes u. A player leaving mid-move is frozen as "no choice" and
// the barrier re-checks quorum without them.
func (s *Session) Leave(ctx context.Context, u *UserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	m, ok := s.members[u.ID()]
	if !ok {
		return ErrNoSuchElement
	}
	next := s.nextLocked()
	ch := domain.Change{Remove: []string{u.ID()}, Users: []domain.UserRecord{u.recordWith(0)}}
	// a leaver's row for the current move is null whether or not the barrier released
	inRound := m.live() && s.rec.Status == domain.StatusStarted && s.rec.Move > 0
	inMove := inRound && s.barrier != nil && !s.barrier.Released()
	if m.live() {
		next.PlayerCount--
	}
	if inRound {
		ch.Log = append(ch.Log, s.logRow(s.rec.Move, u.ID(), 0))
	}
	if err := s.commitLocked(ctx, "leave", next, ch); err != nil {
		return err
	}
	delete(s.members, u.ID())
	delete(s.lastMove, u.ID())
	u.release(s.rec.ID)
	obslog.L().Info("lobby_leave", zap.Int64("lobby_id", s.rec.ID), zap.String("user_id", u.ID()))
	if inMove {
		s.barrier.Depart(u.ID(), s.liveCountLocked())
	}
	return nil
}

// StartGame hands out stable tokens in seat order and moves to waiting.
func (s *Session) StartGame(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if s.rec.Status != domain.StatusCreated {
		return ErrGameIsRunning
	}
	live := s.membersLocked(true)
	if len(live) < 2 {
		return ErrNotEnoughPlayers
	}
	tokens, err := stones.Tokens(len(live))
	if err != nil {
		return ErrMaxPossiblePlayers
	}
	for i := range live {
		live[i].Token = tokens[i]
	}
	next := s.nextLocked()
	next.Status = domain.StatusWaiting
	if err := s.commitLocked(ctx, "start_game", next, domain.Change{Upsert: live}); err != nil {
		return err
	}
	for _, m := range live {
		s.members[m.UserID].Token = m.Token
	}
	obslog.L().Info("game_start", zap.Int64("lobby_id", s.rec.ID), zap.Int("players", len(live)))
	return nil
}

// StartRound resets the stones, deals a fresh naming map and opens move 1.
func (s *Session) StartRound(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	switch s.rec.Status {
	case domain.StatusWaiting:
	case domain.StatusStarted:
		return ErrGameIsRunning
	default:
		return ErrGameIsNotRunning
	}
	live := s.membersLocked(true)
	if len(live) < 2 {
		return ErrNotEnoughPlayers
	}
	naming := stones.Assign(lo.Map(live, func(m domain.Member, _ int) string { return m.UserID }), s.rec.DefaultStones, s.opts.Rand)
	for i := range live {
		live[i].Naming = naming[live[i].UserID]
	}
	next := s.nextLocked()
	next.Status = domain.StatusStarted
	next.Move = 1
	next.Stones = stones.FullSet(s.rec.DefaultStones)
	ch := domain.Change{Upsert: live}
	for _, m := range live {
		ch.Log = append(ch.Log, s.logRow(1, m.UserID, 0))
	}
	if err := s.commitLocked(ctx, "start_round", next, ch); err != nil {
		return err
	}
	for _, m := range live {
		ms := s.members[m.UserID]
		ms.Naming = m.Naming
		ms.pending = 0
	}
	s.lastMove = map[string]int{}
	s.barrier = NewMoveBarrier(s.rec.Round, 1, s.rec.MoveTimeout)
	obslog.L().Info("round_start", zap.Int64("lobby_id", s.rec.ID), zap.Int("round", s.rec.Round), zap.Int("stones", s.rec.DefaultStones))
	obslog.L().Info("move_open", zap.Int64("lobby_id", s.rec.ID), zap.Int("round", s.rec.Round), zap.Int("move", 1))
	return nil
}

// RegisterChoice records the viewer's stone number for the open move.
// Zero steps away.
func (s *Session) RegisterChoice(ctx context.Context, u *UserSession, fake int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	m, ok := s.members[u.ID()]
	if !ok || !m.live() {
		return ErrNotInLobby
	}
	if s.rec.Status != domain.StatusStarted || s.barrier == nil || s.barrier.Released() {
		return ErrGameIsNotRunning
	}
	if fake == 0 {
		return s.clearLocked(ctx, m)
	}
	if m.pending != 0 {
		return ErrAlreadyChosenStone
	}
	id, ok := stones.Permutation(m.Naming).ToReal(fake)
	if !ok || !stones.StoneSet(s.rec.Stones).Contains(id) {
		return ErrNoSuchStone
	}
	ch := domain.Change{Log: []domain.MoveLogEntry{s.logRow(s.rec.Move, u.ID(), id)}}
	if err := s.commitLocked(ctx, "choice", s.nextLocked(), ch); err != nil {
		return err
	}
	m.pending = id
	s.barrier.Arrive(u.ID(), s.liveCountLocked())
	return nil
}

// ClearChoice steps away from the open move. The player may choose again.
func (s *Session) ClearChoice(ctx context.Context, u *UserSession) error {
	return s.RegisterChoice(ctx, u, 0)
}

func (s *Session) clearLocked(ctx context.Context, m *memberState) error {
	if m.pending == 0 {
		obslog.L().Debug("move_abstain", zap.Int64("lobby_id", s.rec.ID), zap.String("user_id", m.UserID))
		return nil
	}
	ch := domain.Change{Log: []domain.MoveLogEntry{s.logRow(s.rec.Move, m.UserID, 0)}}
	if err := s.commitLocked(ctx, "step_away", s.nextLocked(), ch); err != nil {
		return err
	}
	m.pending = 0
	s.barrier.Withdraw(m.UserID)
	return nil
}

// Pending returns u's choice as the viewer's stone number, or 0.
func (s *Session) Pending(u *UserSession) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[u.ID()]
	if !ok || m.pending == 0 {
		return 0
	}
	fake, _ := stones.Permutation(m.Naming).ToFake(m.pending)
	return fake
}

// ForceRelease opens the current barrier with reason. It reports whether
// this call released it.
func (s *Session) ForceRelease(reason ReleaseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Status != domain.StatusStarted || s.barrier == nil {
		return false
	}
	return s.barrier.Release(reason)
}

// EndMove closes the open move. With openNext and stones left, move+1 gets its
// null log rows but stays closed until OpenMove.
func (s *Session) EndMove(ctx context.Context, reason ReleaseReason, openNext bool) (*MoveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	if s.rec.Status != domain.StatusStarted || s.rec.Move == 0 {
		return nil, ErrGameIsNotRunning
	}
	choices := make(map[string]int, len(s.members))
	var rows []domain.MoveLogEntry
	for id, m := range s.members {
		if !m.live() {
			continue
		}
		choices[id] = m.pending
		rows = append(rows, s.logRow(s.rec.Move, id, m.pending))
	}
	prev := stones.StoneSet(s.rec.Stones)
	remaining, removed := stones.Eliminate(prev, choices)
	next := s.nextLocked()
	next.Stones = remaining
	// fewer than two live players can never eliminate another stone
	advance := openNext && len(remaining) > 0 && len(choices) >= 2
	if advance {
		next.Move++
		rows = append(rows, s.openRowsLocked(next.Move)...)
	}
	closed := s.rec.Move
	if err := s.commitLocked(ctx, "end_move", next, domain.Change{Log: rows}); err != nil {
		return nil, err
	}
	if s.barrier != nil {
		s.barrier.Release(ReleaseCancelled)
		s.barrier = nil
	}
	for _, m := range s.members {
		m.pending = 0
	}
	s.lastMove = lo.PickBy(choices, func(_ string, v int) bool { return v != 0 })
	res := &MoveResult{
		LobbyID:   s.rec.ID,
		Round:     s.rec.Round,
		Move:      closed,
		Reason:    reason,
		Choices:   choices,
		Removed:   removed,
		Remaining: remaining.Clone(),
	}
	if advance {
		res.NextMove = s.rec.Move
	}
	obslog.L().Info("move_end",
		zap.Int64("lobby_id", s.rec.ID),
		zap.Int("round", s.rec.Round),
		zap.Int("move", closed),
		zap.Ints("eliminated", removed),
		zap.Int("remaining", len(remaining)),
	)
	return res, nil
}

// OpenMove arms the barrier of a move prepared by EndMove.
func (s *Session) OpenMove() (*MoveBarrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	if s.rec.Status != domain.StatusStarted {
		return nil, ErrGameIsNotRunning
	}
	if s.barrier == nil {
		s.barrier = NewMoveBarrier(s.rec.Round, s.rec.Move, s.rec.MoveTimeout)
		obslog.L().Info("move_open", zap.Int64("lobby_id", s.rec.ID), zap.Int("round", s.rec.Round), zap.Int("move", s.rec.Move))
	}
	return s.barrier, nil
}

// EndRound moves back to waiting and advances the round counter.
func (s *Session) EndRound(ctx context.Context) (*RoundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	if s.rec.Status != domain.StatusStarted {
		return nil, ErrGameIsNotRunning
	}
	res := &RoundResult{
		LobbyID:   s.rec.ID,
		Round:     s.rec.Round,
		Moves:     s.rec.Move,
		Remaining: stones.NewSet(s.rec.Stones),
		Cleared:   len(s.rec.Stones) == 0,
	}
	next := s.nextLocked()
	next.Status = domain.StatusWaiting
	next.Round++
	next.Move = 0
	if err := s.commitLocked(ctx, "end_round", next, domain.Change{}); err != nil {
		return nil, err
	}
	s.dropBarrierLocked()
	for _, m := range s.members {
		m.pending = 0
	}
	s.lastMove = map[string]int{}
	obslog.L().Info("round_end", zap.Int64("lobby_id", s.rec.ID), zap.Int("round", res.Round), zap.Int("moves", res.Moves), zap.Int("remaining", len(res.Remaining)))
	return res, nil
}

// EndGame finishes the lobby and frees every member.
func (s *Session) EndGame(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if s.rec.Status == domain.StatusCreated || s.rec.Status == domain.StatusFinished {
		return ErrGameIsNotRunning
	}
	next := s.nextLocked()
	next.Status = domain.StatusFinished
	next.PlayerCount = 0
	next.Move = 0
	if err := s.commitLocked(ctx, "end_game", next, s.evictChangeLocked()); err != nil {
		return err
	}
	s.evictLocked()
	obslog.L().Info("game_end", zap.Int64("lobby_id", s.rec.ID), zap.Int("rounds", s.rec.Round))
	return nil
}

func (s *Session) evictChangeLocked() domain.Change {
	var ch domain.Change
	for id, m := range s.members {
		ch.Remove = append(ch.Remove, id)
		if m.user != nil {
			ch.Users = append(ch.Users, m.user.recordWith(0))
		}
	}
	return ch
}

func (s *Session) evictLocked() {
	s.dropBarrierLocked()
	for _, m := range s.members {
		if m.user != nil {
			m.user.release(s.rec.ID)
		}
	}
	s.members = map[string]*memberState{}
	s.lastMove = map[string]int{}
}

func (s *Session) dropBarrierLocked() {
	if s.barrier != nil {
		s.barrier.Release(ReleaseCancelled)
		s.barrier = nil
	}
}

// teardown frees members and drops the lobby from storage.
func (s *Session) teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrDataDeleted
	}
	if len(s.members) > 0 {
		next := s.nextLocked()
		next.PlayerCount = 0
		if err := s.commitLocked(ctx, "delete", next, s.evictChangeLocked()); err != nil {
			return err
		}
		s.evictLocked()
	}
	if err := s.gw.DeleteLobby(ctx, s.rec.ID); err != nil {
		return storageErr(err)
	}
	s.dropBarrierLocked()
	s.deleted = true
	return nil
}

// CurrentView is what u sees for the open move. Admins see nothing.
func (s *Session) CurrentView(u *UserSession) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	m, ok := s.members[u.ID()]
	if !ok {
		return nil, ErrNotInLobby
	}
	if !m.live() {
		return View{}, nil
	}
	if s.rec.Status != domain.StatusStarted {
		return nil, ErrGameIsNotRunning
	}
	perm := stones.Permutation(m.Naming)
	view := make(View, len(s.rec.Stones))
	for _, id := range s.rec.Stones {
		fake, ok := perm.ToFake(id)
		if !ok {
			continue
		}
		others := []string{}
		for oid, stone := range s.lastMove {
			if oid == u.ID() || stone != id {
				continue
			}
			if om, ok := s.members[oid]; ok && om.live() {
				others = append(others, om.Token)
			}
		}
		sort.Strings(others)
		view[fake] = Cell{Self: m.pending == id, Others: others}
	}
	return view, nil
}

// Status needs no membership.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		LobbyID:         s.rec.ID,
		Status:          s.rec.Status,
		Round:           s.rec.Round,
		Move:            s.rec.Move,
		StonesRemaining: len(s.rec.Stones),
		DefaultStones:   s.rec.DefaultStones,
		Players:         s.liveCountLocked(),
	}
	if s.rec.Status == domain.StatusStarted {
		for _, m := range s.members {
			if m.live() && m.pending != 0 {
				st.Chosen++
			}
		}
		if s.barrier != nil {
			st.Deadline = s.barrier.Deadline()
			st.Open = !s.barrier.Released()
		}
	}
	return st
}
