// Package domain tracks introduced guest domains and owns their
// ring-channel clients: mapping the shared page, binding the interrupt
// port, and tearing both down when the domain goes away.
package domain

import (
	"sync"

	"github.com/sysml/registryd/rpc"
)

// DomInfo is the liveness snapshot of a guest as reported by the platform.
type DomInfo struct {
	Exists   bool
	Dying    bool
	ShutDown bool
	Crashed  bool
}

// Port is a bound interrupt channel to one guest. Wait returns a channel
// that becomes ready when the peer signals; signals coalesce like the
// underlying event port, so a single wakeup may cover several notifies.
type Port interface {
	Notify() error
	Wait() <-chan struct{}
	Close() error
}

// Adapter is the privileged platform capability the domain manager
// consumes: map a guest's shared ring page, bind its interrupt port, and
// query domain liveness. Hypercall-backed implementations live outside
// this repository; Loopback below serves tests and ring-less deployments.
type Adapter interface {
	MapRing(domid, ref uint32) ([]byte, error)
	UnmapRing(domid uint32, page []byte) error
	BindPort(domid, remotePort uint32) (Port, error)
	DomainInfo(domid uint32) (DomInfo, error)
}

// Loopback is an in-process Adapter: pages are ordinary allocations and
// ports are channel pairs. The guest-facing half is exposed so tests can
// drive a fake guest against the daemon side.
type Loopback struct {
	mu    sync.Mutex
	pages map[uint32][]byte
	ports map[uint32]*loopPort
	doms  map[uint32]DomInfo
}

func NewLoopback() *Loopback {
	return &Loopback{
		pages: make(map[uint32][]byte),
		ports: make(map[uint32]*loopPort),
		doms:  make(map[uint32]DomInfo),
	}
}

func (l *Loopback) MapRing(domid, ref uint32) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if page, ok := l.pages[domid]; ok {
		return page, nil
	}
	page := make([]byte, PageSize)
	l.pages[domid] = page
	return page, nil
}

func (l *Loopback) UnmapRing(domid uint32, page []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pages, domid)
	if p, ok := l.ports[domid]; ok {
		p.close()
		delete(l.ports, domid)
	}
	return nil
}

func (l *Loopback) BindPort(domid, remotePort uint32) (Port, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ports[domid]; ok {
		return nil, rpc.EEXIST
	}
	p := &loopPort{
		toGuest:  make(chan struct{}, 1),
		toDaemon: make(chan struct{}, 1),
	}
	l.ports[domid] = p
	return (*daemonPort)(p), nil
}

func (l *Loopback) DomainInfo(domid uint32) (DomInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if info, ok := l.doms[domid]; ok {
		return info, nil
	}
	return DomInfo{Exists: true}, nil
}

// SetDomainInfo overrides liveness for tests of the sweeper.
func (l *Loopback) SetDomainInfo(domid uint32, info DomInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doms[domid] = info
}

// GuestPage returns the mapped page as seen from the guest side.
func (l *Loopback) GuestPage(domid uint32) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pages[domid]
}

// GuestPort returns the guest-facing half of the bound port.
func (l *Loopback) GuestPort(domid uint32) Port {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.ports[domid]
	if p == nil {
		return nil
	}
	return (*guestPort)(p)
}

type loopPort struct {
	toGuest  chan struct{}
	toDaemon chan struct{}
	once     sync.Once
}

func (p *loopPort) close() {
	p.once.Do(func() {
		close(p.toGuest)
		close(p.toDaemon)
	})
}

func kick(ch chan struct{}) {
	defer func() { recover() }() // racing a Close is benign
	select {
	case ch <- struct{}{}:
	default:
	}
}

type daemonPort loopPort

func (p *daemonPort) Notify() error         { kick(p.toGuest); return nil }
func (p *daemonPort) Wait() <-chan struct{} { return p.toDaemon }
func (p *daemonPort) Close() error          { (*loopPort)(p).close(); return nil }

type guestPort loopPort

func (p *guestPort) Notify() error         { kick(p.toDaemon); return nil }
func (p *guestPort) Wait() <-chan struct{} { return p.toGuest }
func (p *guestPort) Close() error          { (*loopPort)(p).close(); return nil }
