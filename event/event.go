// Package event provides the deferred-callback manager. Lifecycle work —
// client teardown, domain release — is enqueued here and runs on a single
// goroutine, never inline with the I/O path that raised it.
package event

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Mgr serializes deferred zero-delay callbacks. Grounded on the monitor
// goroutine discipline of the commit manager it replaces: one run loop, one
// request channel, callers never block beyond the enqueue.
type Mgr struct {
	cbs  chan func()
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewMgr() *Mgr {
	return &Mgr{
		cbs:  make(chan func(), 128),
		done: make(chan struct{}),
	}
}

// Enqueue defers cb to the run loop. Safe from any goroutine; after
// Disable, callbacks are dropped.
func (m *Mgr) Enqueue(cb func()) {
	select {
	case <-m.done:
		log.Debug("event: dropping callback enqueued after disable")
		return
	default:
	}
	select {
	case m.cbs <- cb:
	case <-m.done:
		log.Debug("event: dropping callback enqueued after disable")
	}
}

// Run drives the loop until Disable is called, then drains what is already
// queued so teardown callbacks are not lost on shutdown.
func (m *Mgr) Run() {
	m.wg.Add(1)
	defer m.wg.Done()
	for {
		select {
		case cb := <-m.cbs:
			cb()
		case <-m.done:
			for {
				select {
				case cb := <-m.cbs:
					cb()
				default:
					return
				}
			}
		}
	}
}

// Disable stops the loop. Idempotent.
func (m *Mgr) Disable() {
	m.once.Do(func() { close(m.done) })
}

// Wait blocks until the run loop has exited.
func (m *Mgr) Wait() {
	m.wg.Wait()
}
