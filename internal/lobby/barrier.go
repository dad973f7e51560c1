package lobby

import (
	"sync"
	"time"
)

// ReleaseReason says what opened a MoveBarrier.
type ReleaseReason string

const (
	ReleaseQuorum     ReleaseReason = "quorum"
	ReleaseTimeout    ReleaseReason = "timeout"
	ReleaseRoundTimer ReleaseReason = "round_timer"
	ReleaseForced     ReleaseReason = "forced"
	ReleaseCancelled  ReleaseReason = "cancelled"
)

// MoveBarrier collects player commitments for one move and releases its
// waiters exactly once, on quorum or when the timer fires, whichever is first.
type MoveBarrier struct {
	Round int
	Move  int

	mu        sync.Mutex
	committed map[string]struct{}
	once      sync.Once
	done      chan struct{}
	reason    ReleaseReason
	timer     *time.Timer
	openedAt  time.Time
	deadline  time.Time
}

// NewMoveBarrier arms the timer immediately; timeout <= 0 disables it.
func NewMoveBarrier(round, move int, timeout time.Duration) *MoveBarrier {
	now := time.Now()
	b := &MoveBarrier{
		Round:     round,
		Move:      move,
		committed: make(map[string]struct{}),
		done:      make(chan struct{}),
		openedAt:  now,
	}
	if timeout > 0 {
		b.deadline = now.Add(timeout)
		b.timer = time.AfterFunc(timeout, func() { b.Release(ReleaseTimeout) })
	}
	return b
}

// Release opens the barrier. Only the first call wins and returns true.
func (b *MoveBarrier) Release(reason ReleaseReason) bool {
	won := false
	b.once.Do(func() {
		b.mu.Lock()
		b.reason = reason
		b.mu.Unlock()
		if b.timer != nil {
			b.timer.Stop()
		}
		close(b.done)
		won = true
	})
	return won
}

func (b *MoveBarrier) Done() <-chan struct{} { return b.done }

func (b *MoveBarrier) Released() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Reason is empty until the barrier is released.
func (b *MoveBarrier) Reason() ReleaseReason {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// Deadline is zero when the barrier has no timer.
func (b *MoveBarrier) Deadline() time.Time { return b.deadline }

func (b *MoveBarrier) OpenedAt() time.Time { return b.openedAt }

// Arrive records a commitment and releases on quorum against live players.
func (b *MoveBarrier) Arrive(userID string, live int) bool {
	b.mu.Lock()
	b.committed[userID] = struct{}{}
	full := live > 0 && len(b.committed) >= live
	b.mu.Unlock()
	if full {
		return b.Release(ReleaseQuorum)
	}
	return false
}

// Withdraw drops a commitment that was cleared before the move closed.
func (b *MoveBarrier) Withdraw(userID string) {
	b.mu.Lock()
	delete(b.committed, userID)
	b.mu.Unlock()
}

// Depart removes a player who left; the shrunk quorum is checked at once.
// With nobody left only the timer can open the barrier.
func (b *MoveBarrier) Depart(userID string, live int) bool {
	b.mu.Lock()
	delete(b.committed, userID)
	full := live > 0 && len(b.committed) >= live
	b.mu.Unlock()
	if full {
		return b.Release(ReleaseQuorum)
	}
	return false
}

func (b *MoveBarrier) Committed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.committed)
}
