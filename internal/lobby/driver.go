package lobby

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
	"github.com/park285/Stones-KakaoTalk-bot/internal/obslog"
	"github.com/park285/Stones-KakaoTalk-bot/internal/workpool"
)

// Events receives what a round loop observes. Calls come from the loop
// goroutine, so implementations should hand off slow work.
type Events interface {
	MoveOpened(s *Session, b *MoveBarrier)
	MoveEnded(s *Session, res *MoveResult)
	RoundEnded(s *Session, res *RoundResult)
}

type NopEvents struct{}

func (NopEvents) MoveOpened(*Session, *MoveBarrier)  {}
func (NopEvents) MoveEnded(*Session, *MoveResult)    {}
func (NopEvents) RoundEnded(*Session, *RoundResult) {}

type roundLoop struct {
	gen    uint64
	round  int
	cancel context.CancelFunc
	force  chan struct{}
	done   chan struct{}
}

// Driver runs one round loop per started lobby: wait on the barrier, end the
// move, pause, open the next move, until the round is over.
type Driver struct {
	reg    *Registry
	events Events
	pause  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	loops map[int64]*roundLoop
}

func NewDriver(reg *Registry, events Events, pause time.Duration) *Driver {
	if events == nil {
		events = NopEvents{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{reg: reg, events: events, pause: pause, ctx: ctx, cancel: cancel, loops: make(map[int64]*roundLoop)}
	// a reloaded started lobby has a fresh barrier nobody waits on yet
	reg.OnLoad(func(s *Session) { d.Run(s) })
	return d
}

// Run starts the round loop for s if it is started and not already driven.
// A loop for an older incarnation or an earlier round of the same lobby is
// replaced.
func (d *Driver) Run(s *Session) bool {
	st := s.Status()
	if st.Status != domain.StatusStarted {
		return false
	}
	h := s.Handle()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return false
	}
	if l, ok := d.loops[h.ID]; ok {
		if l.gen == h.Gen && l.round == st.Round {
			return false
		}
		l.cancel()
	}
	ctx, cancel := context.WithCancel(d.ctx)
	l := &roundLoop{gen: h.Gen, round: st.Round, cancel: cancel, force: make(chan struct{}, 1), done: make(chan struct{})}
	d.loops[h.ID] = l
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(l.done)
		defer d.drop(h.ID, l)
		defer workpool.RecoverFromError(func(err error) {
			obslog.L().Error("round_loop_panic", zap.Int64("lobby_id", h.ID), zap.Error(err))
		})
		d.loop(ctx, h, l.force)
	}()
	return true
}

func (d *Driver) drop(id int64, l *roundLoop) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loops[id] == l {
		delete(d.loops, id)
	}
}

// Running reports whether a loop currently drives lobby id.
func (d *Driver) Running(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.loops[id]
	return ok
}

// ForceEnd asks the loop of lobby id to end the round now.
func (d *Driver) ForceEnd(id int64) bool {
	d.mu.Lock()
	l, ok := d.loops[id]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case l.force <- struct{}{}:
	default:
	}
	return true
}

// Wait blocks until the loop of lobby id exits or ctx ends.
func (d *Driver) Wait(ctx context.Context, id int64) error {
	d.mu.Lock()
	l, ok := d.loops[id]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the loop of lobby id without touching lobby state.
func (d *Driver) Stop(id int64) {
	d.mu.Lock()
	l, ok := d.loops[id]
	d.mu.Unlock()
	if ok {
		l.cancel()
		<-l.done
	}
}

// Close stops every loop and waits for them.
func (d *Driver) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Driver) loop(ctx context.Context, h Handle, force <-chan struct{}) {
	s, err := d.reg.Resolve(h)
	if err != nil {
		d.fail(h, "resolve", err)
		return
	}
	var roundC <-chan time.Time
	if dur := s.Record().RoundDuration; dur > 0 {
		t := time.NewTimer(dur)
		defer t.Stop()
		roundC = t.C
	}
	b, err := s.OpenMove()
	if err != nil {
		return
	}
	d.events.MoveOpened(s, b)
	var stop ReleaseReason
	for {
		select {
		case <-ctx.Done():
			return
		case <-roundC:
			roundC, stop = nil, ReleaseRoundTimer
			s.ForceRelease(stop)
			continue
		case <-force:
			stop = ReleaseForced
			s.ForceRelease(stop)
			continue
		case <-b.Done():
		}
		reason := b.Reason()
		if reason == ReleaseCancelled {
			return
		}
		obslog.L().Info("move_release",
			zap.Int64("lobby_id", h.ID),
			zap.Int("round", b.Round),
			zap.Int("move", b.Move),
			zap.String("reason", string(reason)),
		)
		if _, err := d.reg.Resolve(h); err != nil {
			d.fail(h, "resolve", err)
			return
		}
		var res *MoveResult
		err := retryStorage(ctx, func() error {
			var err error
			res, err = s.EndMove(ctx, reason, stop == "")
			return err
		})
		if err != nil {
			d.fail(h, "end_move", err)
			return
		}
		d.events.MoveEnded(s, res)
		if res.NextMove == 0 {
			d.endRound(ctx, h, s)
			return
		}
		if d.pause > 0 {
			t := time.NewTimer(d.pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-roundC:
				t.Stop()
				d.endRound(ctx, h, s)
				return
			case <-force:
				t.Stop()
				d.endRound(ctx, h, s)
				return
			case <-t.C:
			}
		}
		if b, err = s.OpenMove(); err != nil {
			d.fail(h, "open_move", err)
			return
		}
		d.events.MoveOpened(s, b)
	}
}

func (d *Driver) endRound(ctx context.Context, h Handle, s *Session) {
	var res *RoundResult
	err := retryStorage(ctx, func() error {
		var err error
		res, err = s.EndRound(ctx)
		return err
	})
	if err != nil {
		d.fail(h, "end_round", err)
		return
	}
	d.events.RoundEnded(s, res)
}

func (d *Driver) fail(h Handle, op string, err error) {
	lvl := obslog.L().Error
	if errors.Is(err, ErrNotSynchronized) || errors.Is(err, ErrDataDeleted) || errors.Is(err, ErrGameIsNotRunning) {
		lvl = obslog.L().Warn
	}
	lvl("round_loop_stop", zap.Int64("lobby_id", h.ID), zap.String("op", op), zap.Error(err))
	if errors.Is(err, ErrNotSynchronized) {
		d.adopt(h.ID)
	}
}

// adopt reloads a lobby whose handle went stale and drives the fresh session.
func (d *Driver) adopt(id int64) {
	if d.ctx.Err() != nil {
		return
	}
	s, err := d.reg.Lobby(d.ctx, id)
	if err != nil {
		obslog.L().Warn("round_loop_adopt_failed", zap.Int64("lobby_id", id), zap.Error(err))
		return
	}
	d.Run(s)
}

// retryStorage retries fn on transient storage failures only.
func retryStorage(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, ErrStorage) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	return err
}
