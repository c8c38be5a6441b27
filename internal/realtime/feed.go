package realtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrFeedStopped = errors.New("realtime: feed stopped")

// Loader reads the current full state behind a feed.
type Loader[T any] func(ctx context.Context) (T, error)

type FeedOption[T any] func(*Feed[T])

// WithErrorHandler receives reload failures after the feed has started.
func WithErrorHandler[T any](fn func(error)) FeedOption[T] {
	return func(f *Feed[T]) {
		f.onError = fn
	}
}

// WithDedupe suppresses a snapshot equal to the previously delivered one.
func WithDedupe[T any](equal func(a, b T) bool) FeedOption[T] {
	return func(f *Feed[T]) {
		f.equal = equal
	}
}

// WithRecheck reloads the feed after the delay returned for the latest
// loaded value, even without a notification. A delay <= 0 arms nothing.
func WithRecheck[T any](after func(last T) time.Duration) FeedOption[T] {
	return func(f *Feed[T]) {
		f.recheck = after
	}
}

// Feed is a level-triggered live view: every notification on its topic
// triggers a reload, and the full reloaded state is delivered on Updates.
// Only the latest undelivered snapshot is kept; a slow consumer skips
// intermediate states but never sees a partial one.
type Feed[T any] struct {
	broker  Broker
	topic   string
	load    Loader[T]
	onError func(error)
	equal   func(a, b T) bool
	recheck func(last T) time.Duration

	updates chan T

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewFeed[T any](broker Broker, topic string, load Loader[T], opts ...FeedOption[T]) *Feed[T] {
	f := &Feed[T]{
		broker:  broker,
		topic:   topic,
		load:    load,
		updates: make(chan T, 1),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Updates is closed once the feed has stopped.
func (f *Feed[T]) Updates() <-chan T {
	return f.updates
}

// Start subscribes, performs the initial load and delivers it. The
// subscription is established before the first read so no change made
// after Start returns can be missed. A failed Start leaves the feed
// stopped.
func (f *Feed[T]) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return ErrFeedStopped
	}
	if f.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := f.broker.Subscribe(ctx, f.topic)
	if err != nil {
		cancel()
		f.stopLocked()
		return err
	}

	initial, err := f.load(ctx)
	if err != nil {
		cancel()
		_ = sub.Close()
		f.stopLocked()
		return err
	}

	f.started = true
	f.cancel = cancel
	f.done = make(chan struct{})
	f.updates <- initial

	go f.run(runCtx, sub, initial)
	return nil
}

func (f *Feed[T]) run(ctx context.Context, sub Subscription, last T) {
	defer close(f.done)
	defer close(f.updates)
	defer func() { _ = sub.Close() }()

	var timer *time.Timer
	var tick <-chan time.Time
	arm := func(v T) {
		if timer != nil {
			timer.Stop()
		}
		tick = nil
		if f.recheck == nil {
			return
		}
		if d := f.recheck(v); d > 0 {
			timer = time.NewTimer(d)
			tick = timer.C
		}
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	arm(last)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-tick:
		}

		next, err := f.load(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if f.onError != nil {
				f.onError(err)
			}
			arm(last)
			continue
		}
		arm(next)
		if f.equal != nil && f.equal(last, next) {
			continue
		}
		last = next
		f.deliver(next)
	}
}

// deliver replaces any undelivered snapshot with v. run is the only sender,
// so the second send always finds room.
func (f *Feed[T]) deliver(v T) {
	select {
	case f.updates <- v:
		return
	default:
	}
	select {
	case <-f.updates:
	default:
	}
	f.updates <- v
}

// Stop cancels the feed and waits for its goroutine to exit. It is safe to
// call more than once and before Start.
func (f *Feed[T]) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	if !f.started {
		f.stopLocked()
		f.mu.Unlock()
		return
	}
	f.stopped = true
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	cancel()
	<-done
}

func (f *Feed[T]) stopLocked() {
	f.stopped = true
	close(f.updates)
}
