package downloader

import (
	"sync"
	"time"

	"pakpatch/datamodel/download"
	"pakpatch/datamodel/pak"
)

// mailbox is an unbounded queue of closures posted by background goroutines.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
}

func newMailbox() mailbox {
	return mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

// multiCallback fans N outcomes into one callback which fires after the last arrival with
// success iff no arrival failed.
type multiCallback struct {
	pending int
	failed  int
	done    pak.Callback
}

func newMultiCallback(done pak.Callback) *multiCallback {
	return &multiCallback{done: done}
}

// add registers one more expected outcome and returns the callback that reports it.
func (m *multiCallback) add() pak.Callback {
	m.pending++
	return m.arrive
}

func (m *multiCallback) arrive(ok bool) {
	m.pending--
	if !ok {
		m.failed++
	}
	if m.pending == 0 && m.done != nil {
		done := m.done
		m.done = nil
		done(m.failed == 0)
	}
}

type observers struct {
	chunkMounted      []func(chunkID int32, ok bool)
	chunkUnmounted    []func(chunkID int32, ok bool)
	downloadAnalytics []func(rec *download.Record)
}

type delayedCall struct {
	at time.Time
	fn func()
}

// executeNextTick defers a callback to the beginning of the next Tick.
func (d *Downloader) executeNextTick(cb pak.Callback, ok bool) {
	if cb == nil {
		return
	}
	d.deferred = append(d.deferred, func() { cb(ok) })
}

// after runs fn on the control goroutine during the first Tick at or after delay.
func (d *Downloader) after(delay time.Duration, fn func()) {
	d.timers = append(d.timers, delayedCall{at: d.now().Add(delay), fn: fn})
}

func (d *Downloader) runTimers() {
	if len(d.timers) == 0 {
		return
	}

	now := d.now()
	var due []func()
	remaining := d.timers[:0]
	for _, t := range d.timers {
		if !now.Before(t.at) {
			due = append(due, t.fn)
		} else {
			remaining = append(remaining, t)
		}
	}
	d.timers = remaining

	for _, fn := range due {
		fn()
	}
}
