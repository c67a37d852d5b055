package async

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Barrier adapts a promise for blocking callers. Waiting never mutates
// the underlying promise: a timed-out wait leaves the promise pending
// and any attached continuation still fires on late settlement.
type Barrier[T any] struct {
	p   *Promise[T]
	clk clock.Clock
}

func NewBarrier[T any](p *Promise[T], clk clock.Clock) *Barrier[T] {
	return &Barrier[T]{p: p, clk: clk}
}

// Wait blocks the calling goroutine until the promise settles.
func (b *Barrier[T]) Wait() (T, error) {
	<-b.p.Done()
	value, err, _ := b.p.Result()
	return value, err
}

// WaitFor blocks until the promise settles or d elapses. timedOut
// reports that the deadline passed first; value and err are only
// meaningful when timedOut is false.
func (b *Barrier[T]) WaitFor(d time.Duration) (value T, err error, timedOut bool) {
	timer := b.clk.Timer(d)
	defer timer.Stop()

	select {
	case <-b.p.Done():
		value, err, _ = b.p.Result()
		return value, err, false
	case <-timer.C:
		// The promise may still settle later; nothing is cancelled.
		var zero T
		return zero, nil, true
	}
}
