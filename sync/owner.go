package sync

import (
	gosync "sync"
)

// Owner receives the externally visible events of a sync session. Each
// session delivers OnFetchPhaseComplete at most once and exactly one of
// OnSyncDone or OnSyncFailed, always through the orchestrator's Poster.
type Owner interface {
	// OnFetchPhaseComplete fires once remote topology has been inserted,
	// before any payload is transferred.
	OnFetchPhaseComplete()
	// OnSyncDone reports success. wasNoOp is true when nothing was transferred.
	OnSyncDone(wasNoOp bool)
	// OnSyncFailed reports failure with human-readable messages.
	OnSyncFailed(errs []string)
}

// OwnerFuncs adapts plain functions to Owner. Nil fields are ignored.
type OwnerFuncs struct {
	FetchPhaseComplete func()
	SyncDone           func(wasNoOp bool)
	SyncFailed         func(errs []string)
}

func (f OwnerFuncs) OnFetchPhaseComplete() {
	if f.FetchPhaseComplete != nil {
		f.FetchPhaseComplete()
	}
}

func (f OwnerFuncs) OnSyncDone(wasNoOp bool) {
	if f.SyncDone != nil {
		f.SyncDone(wasNoOp)
	}
}

func (f OwnerFuncs) OnSyncFailed(errs []string) {
	if f.SyncFailed != nil {
		f.SyncFailed(errs)
	}
}

// Poster hands a callback to the owner's single-threaded context.
type Poster interface {
	Post(fn func())
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(fn func())

func (f PosterFunc) Post(fn func()) { f(fn) }

// EventLoop is a Poster backed by one goroutine that runs callbacks in the
// order they were posted. Posting never blocks.
type EventLoop struct {
	mu     gosync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// NewEventLoop starts an event loop. Call Close to stop it.
func NewEventLoop() *EventLoop {
	l := &EventLoop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues fn. Callbacks posted after Close are dropped.
func (l *EventLoop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every callback posted before the call has run.
func (l *EventLoop) Flush() {
	ran := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.mu.Unlock()

	l.Post(func() { close(ran) })
	select {
	case <-ran:
	case <-l.done:
	}
}

// Close runs whatever is still queued, then stops the loop.
func (l *EventLoop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.quit)
	<-l.done
}

func (l *EventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-l.wake:
		case <-l.quit:
		}
	}
}
