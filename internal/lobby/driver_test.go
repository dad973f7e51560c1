package lobby

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	opened []int
	moves  []*MoveResult
	rounds chan *RoundResult
}

func newRecorder() *recorder { return &recorder{rounds: make(chan *RoundResult, 4)} }

func (r *recorder) MoveOpened(_ *Session, b *MoveBarrier) {
	r.mu.Lock()
	r.opened = append(r.opened, b.Move)
	r.mu.Unlock()
}

func (r *recorder) MoveEnded(_ *Session, res *MoveResult) {
	r.mu.Lock()
	r.moves = append(r.moves, res)
	r.mu.Unlock()
}

func (r *recorder) RoundEnded(_ *Session, res *RoundResult) { r.rounds <- res }

func (r *recorder) waitRound(t *testing.T) *RoundResult {
	t.Helper()
	select {
	case res := <-r.rounds:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("round did not end")
		return nil
	}
}

func (r *recorder) movesSoFar() []*MoveResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MoveResult(nil), r.moves...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBarrierSingleShot(t *testing.T) {
	b := NewMoveBarrier(0, 1, 0)
	assert.True(t, b.Release(ReleaseQuorum))
	assert.False(t, b.Release(ReleaseTimeout))
	assert.Equal(t, ReleaseQuorum, b.Reason())
	assert.True(t, b.Released())
	assert.True(t, b.Deadline().IsZero())
}

func TestBarrierTimeout(t *testing.T) {
	b := NewMoveBarrier(0, 1, 20*time.Millisecond)
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("timer never released the barrier")
	}
	assert.Equal(t, ReleaseTimeout, b.Reason())
	assert.False(t, b.Arrive("late", 1))
}

func TestBarrierQuorumAndDepart(t *testing.T) {
	b := NewMoveBarrier(0, 1, time.Hour)
	assert.False(t, b.Arrive("a", 3))
	b.Withdraw("a")
	assert.Equal(t, 0, b.Committed())
	assert.False(t, b.Arrive("a", 3))
	assert.False(t, b.Arrive("b", 3))
	assert.False(t, b.Depart("x", 0))
	assert.True(t, b.Depart("c", 2))
	assert.Equal(t, ReleaseQuorum, b.Reason())
}

func TestDriverPlaysRoundToTheEnd(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	s, ps := startedLobby(t, reg, 2, 2)
	rec := newRecorder()
	d := NewDriver(reg, rec, 0)
	defer d.Close()

	require.True(t, d.Run(s))
	assert.False(t, d.Run(s))
	waitFor(t, func() bool { return s.Barrier() != nil && s.Barrier().Move == 1 })

	require.NoError(t, s.RegisterChoice(ctx, ps[0], 1))
	require.NoError(t, s.RegisterChoice(ctx, ps[1], 1))
	waitFor(t, func() bool { b := s.Barrier(); return b != nil && b.Move == 2 })

	require.NoError(t, s.RegisterChoice(ctx, ps[0], 2))
	require.NoError(t, s.RegisterChoice(ctx, ps[1], 2))

	res := rec.waitRound(t)
	assert.True(t, res.Cleared)
	assert.Equal(t, 2, res.Moves)
	moves := rec.movesSoFar()
	require.Len(t, moves, 2)
	assert.Equal(t, ReleaseQuorum, moves[0].Reason)
	assert.Equal(t, domain.StatusWaiting, s.Status().Status)
	require.NoError(t, d.Wait(ctx, s.ID()))
	assert.False(t, d.Running(s.ID()))
}

func TestDriverMoveEndsOnTimeoutWithoutChoices(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	s := newLobby(t, reg, 3, 30*time.Millisecond)
	ps := users(t, reg, "a", "b")
	joinAll(t, s, ps...)
	require.NoError(t, s.StartGame(ctx))
	require.NoError(t, s.StartRound(ctx))

	rec := newRecorder()
	d := NewDriver(reg, rec, 0)
	defer d.Close()
	start := time.Now()
	d.Run(s)

	waitFor(t, func() bool { return len(rec.movesSoFar()) >= 2 })
	moves := rec.movesSoFar()
	assert.Equal(t, ReleaseTimeout, moves[0].Reason)
	assert.Empty(t, moves[0].Removed)
	assert.Equal(t, 3, len(moves[1].Remaining))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.StatusStarted, s.Status().Status)
}

func TestDriverForcedEnd(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	s, ps := startedLobby(t, reg, 5, 2)
	rec := newRecorder()
	d := NewDriver(reg, rec, 0)
	defer d.Close()
	d.Run(s)
	require.NoError(t, s.RegisterChoice(ctx, ps[0], 1))
	waitFor(t, func() bool { return d.Running(s.ID()) })

	require.True(t, d.ForceEnd(s.ID()))
	res := rec.waitRound(t)
	assert.False(t, res.Cleared)
	assert.Equal(t, 5, len(res.Remaining))
	moves := rec.movesSoFar()
	require.Len(t, moves, 1)
	assert.Equal(t, ReleaseForced, moves[0].Reason)
	assert.Equal(t, 0, moves[0].NextMove)
}

func TestDriverRoundTimer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	s, err := reg.Create(ctx, domain.LobbyConfig{DefaultStones: 4, MoveTimeout: time.Hour, RoundDuration: 40 * time.Millisecond})
	require.NoError(t, err)
	joinAll(t, s, users(t, reg, "a", "b")...)
	require.NoError(t, s.StartGame(ctx))
	require.NoError(t, s.StartRound(ctx))

	rec := newRecorder()
	d := NewDriver(reg, rec, 0)
	defer d.Close()
	d.Run(s)
	res := rec.waitRound(t)
	assert.False(t, res.Cleared)
	assert.Equal(t, ReleaseRoundTimer, rec.movesSoFar()[0].Reason)
}

func TestDriverStopsWhenGameEnds(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := startedLobby(t, reg, 5, 2)
	d := NewDriver(reg, nil, 0)
	defer d.Close()
	d.Run(s)
	waitFor(t, func() bool { return d.Running(s.ID()) })
	require.NoError(t, s.EndGame(ctx))
	waitFor(t, func() bool { return !d.Running(s.ID()) })
}

func TestDriverAdoptsReloadedLobby(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	s := newLobby(t, reg, 3, 30*time.Millisecond)
	joinAll(t, s, users(t, reg, "a", "b", "c")...)
	require.NoError(t, s.StartGame(ctx))
	require.NoError(t, s.StartRound(ctx))

	rec := newRecorder()
	d := NewDriver(reg, rec, 0)
	defer d.Close()
	require.True(t, d.Run(s))

	// another writer moves the stored version under the cached session
	snap, err := store.LoadLobby(ctx, s.ID())
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, s.ID(), snap.Lobby.Version, domain.Change{Lobby: snap.Lobby}))

	waitFor(t, func() bool { return len(rec.movesSoFar()) >= 1 })
	fresh, err := reg.Lobby(ctx, s.ID())
	require.NoError(t, err)
	assert.NotEqual(t, s.Handle().Gen, fresh.Handle().Gen)
	assert.GreaterOrEqual(t, fresh.Status().Move, 2)
	assert.True(t, d.Running(s.ID()))
}

func TestDriverReloadHookStartsLoop(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	s, ps := startedLobby(t, reg, 3, 2)
	d := NewDriver(reg, nil, 0)
	defer d.Close()

	snap, err := store.LoadLobby(ctx, s.ID())
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, s.ID(), snap.Lobby.Version, domain.Change{Lobby: snap.Lobby}))
	assert.ErrorIs(t, s.RegisterChoice(ctx, ps[0], 1), ErrNotSynchronized)

	fresh, err := reg.Lobby(ctx, s.ID())
	require.NoError(t, err)
	assert.True(t, d.Running(fresh.ID()))
	require.NoError(t, fresh.RegisterChoice(ctx, ps[0], 1))
}

type restarter struct {
	*recorder
	d    *Driver
	next chan bool
}

func (r *restarter) RoundEnded(s *Session, res *RoundResult) {
	if res.Round == 0 {
		if err := s.StartRound(context.Background()); err == nil {
			r.next <- r.d.Run(s)
		}
	}
	r.recorder.RoundEnded(s, res)
}

func TestDriverRunFromRoundEndedHook(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s, _ := startedLobby(t, reg, 5, 2)
	ev := &restarter{recorder: newRecorder(), next: make(chan bool, 1)}
	d := NewDriver(reg, ev, 0)
	ev.d = d
	defer d.Close()
	d.Run(s)
	waitFor(t, func() bool { return d.Running(s.ID()) })

	require.True(t, d.ForceEnd(s.ID()))
	select {
	case ok := <-ev.next:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("round did not restart")
	}
	waitFor(t, func() bool { b := s.Barrier(); return b != nil && b.Round == 1 })
	assert.True(t, d.Running(s.ID()))
	assert.Equal(t, 1, s.Status().Round)
}
