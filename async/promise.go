// Package async provides a single-assignment promise with chained
// continuations, aggregate combinators and a blocking barrier adapter.
//
// A promise settles exactly once, either resolved with a value or
// rejected with an error. Continuations attached before settlement run
// on whichever goroutine performs the settlement; continuations
// attached afterwards run immediately on the attaching goroutine.
package async

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"
)

// ErrAlreadySettled is returned by Resolve/Reject on a settled promise.
var ErrAlreadySettled = errors.New("promise is already settled")

type state uint8

const (
	statePending state = iota
	stateResolved
	stateRejected
)

type continuation[T any] struct {
	onResolved func(T)
	onRejected func(error)
}

type Promise[T any] struct {
	mu    sync.Mutex
	state state
	value T
	err   error
	conts []continuation[T]

	done   chan struct{}
	logger *slog.Logger
}

// Resolver settles the promise it was created with.
// It is safe to share across goroutines.
type Resolver[T any] struct{ p *Promise[T] }

// New creates a pending promise and its resolver.
// Rejections left without a failure continuation are reported through
// [slog.Default].
func New[T any]() (*Promise[T], *Resolver[T]) {
	return NewWithLogger[T](slog.Default())
}

// NewWithLogger is [New] with an explicit diagnostic sink for
// otherwise-unhandled rejections.
func NewWithLogger[T any](logger *slog.Logger) (*Promise[T], *Resolver[T]) {
	p := &Promise[T]{
		done:   make(chan struct{}),
		logger: logger,
	}
	return p, &Resolver[T]{p: p}
}

// Resolve transitions the promise to resolved.
// A second settlement attempt returns [ErrAlreadySettled].
func (r *Resolver[T]) Resolve(value T) error {
	return r.p.settle(stateResolved, value, nil)
}

// Reject transitions the promise to rejected. err must be non-nil.
// A second settlement attempt returns [ErrAlreadySettled].
func (r *Resolver[T]) Reject(err error) error {
	if err == nil {
		return errors.New("rejecting with nil error is forbidden")
	}
	var zero T
	return r.p.settle(stateRejected, zero, err)
}

func (p *Promise[T]) settle(s state, value T, err error) error {
	p.mu.Lock()
	if p.state != statePending {
		p.mu.Unlock()
		return ErrAlreadySettled
	}
	p.state = s
	p.value = value
	p.err = err
	conts := p.conts
	p.conts = nil
	close(p.done)
	p.mu.Unlock()

	// Continuations run outside the lock so one may attach further
	// continuations to this promise without deadlocking.
	handled := false
	for _, c := range conts {
		p.run(c, &handled)
	}
	if s == stateRejected && len(conts) > 0 && !handled {
		p.reportUnhandled(err)
	}
	return nil
}

func (p *Promise[T]) run(c continuation[T], handled *bool) {
	switch p.state {
	case stateResolved:
		if c.onResolved != nil {
			c.onResolved(p.value)
		}
	case stateRejected:
		if c.onRejected != nil {
			c.onRejected(p.err)
			*handled = true
		}
	}
}

// Then registers continuations invoked exactly once when the promise
// settles. Either callback may be nil. A nil onRejected on a promise
// that rejects surfaces the rejection through the diagnostic sink
// instead of dropping it.
func (p *Promise[T]) Then(onResolved func(T), onRejected func(error)) {
	c := continuation[T]{onResolved: onResolved, onRejected: onRejected}

	p.mu.Lock()
	if p.state == statePending {
		p.conts = append(p.conts, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// Already settled. Run immediately on the attaching goroutine.
	if p.state == stateRejected && c.onRejected == nil {
		p.reportUnhandled(p.err)
	}
	var handled bool
	p.run(c, &handled)
}

func (p *Promise[T]) reportUnhandled(err error) {
	if p.logger != nil {
		p.logger.Warn("unhandled promise rejection", "error", err)
	}
}

// Done is closed once the promise settles.
func (p *Promise[T]) Done() <-chan struct{} { return p.done }

// Settled reports whether the promise has left the pending state.
func (p *Promise[T]) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != statePending
}

// Result returns the settlement outcome. ok is false while pending.
func (p *Promise[T]) Result() (value T, err error, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err, p.state != statePending
}

// IgnoreErr is an explicit no-op failure continuation, for callers
// that deliberately discard a rejection.
func IgnoreErr(error) {}

// ForwardErr returns a failure continuation that forwards the
// rejection into another resolver, the explicit counterpart of
// rethrowing.
func ForwardErr[T any](r *Resolver[T]) func(error) {
	return func(err error) { _ = r.Reject(err) }
}
