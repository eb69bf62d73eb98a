package domain

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sysml/registryd/event"
	"github.com/sysml/registryd/rpc"
)

// ClientFactory starts a protocol engine on transport t for an introduced
// domain. The returned func stops the client again; the domain manager
// calls it on destroy.
type ClientFactory func(t io.ReadWriteCloser, domid uint32) (stop func())

// Domain is one introduced guest with its ring channel bound.
type Domain struct {
	domid  uint32
	port   uint32
	ref    uint32
	page   []byte
	conn   *ringConn
	stop   func()
	active bool
}

func (d *Domain) Domid() uint32 { return d.domid }

// Active reports whether the guest was still running at the last sweep.
func (d *Domain) Active() bool { return d.active }

// Mgr maps domid to its domain-client. All methods are safe for concurrent
// use; teardown of a client is deferred through the event manager, never
// run inline.
type Mgr struct {
	adapter Adapter
	emgr    *event.Mgr
	factory ClientFactory

	mu      sync.Mutex
	domains map[uint32]*Domain
}

func NewMgr(adapter Adapter, emgr *event.Mgr, factory ClientFactory) *Mgr {
	return &Mgr{
		adapter: adapter,
		emgr:    emgr,
		factory: factory,
		domains: make(map[uint32]*Domain),
	}
}

// Create maps the guest's ring page, binds the interrupt port and starts a
// ring-channel client with the domain's path prefix.
func (m *Mgr) Create(domid, port, ref uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[domid]; ok {
		return rpc.EEXIST
	}
	page, err := m.adapter.MapRing(domid, ref)
	if err != nil {
		log.WithFields(log.Fields{"domid": domid, "ref": ref}).
			WithError(err).Error("domain: mapping ring page")
		return rpc.EIO
	}
	p, err := m.adapter.BindPort(domid, port)
	if err != nil {
		m.adapter.UnmapRing(domid, page)
		log.WithFields(log.Fields{"domid": domid, "port": port}).
			WithError(err).Error("domain: binding event port")
		return rpc.EIO
	}
	d := &Domain{
		domid:  domid,
		port:   port,
		ref:    ref,
		page:   page,
		conn:   newRingConn(page, p),
		active: true,
	}
	d.stop = m.factory(d.conn, domid)
	m.domains[domid] = d
	log.WithFields(log.Fields{"domid": domid, "port": port, "ref": ref}).
		Info("domain: introduced")
	return nil
}

// Destroy tears down the domain's channel. The transport is closed inline
// so the client unblocks; releasing the mapping is deferred until the
// client has drained.
func (m *Mgr) Destroy(domid uint32) error {
	m.mu.Lock()
	d, ok := m.domains[domid]
	if ok {
		delete(m.domains, domid)
	}
	m.mu.Unlock()
	if !ok {
		return rpc.ENOENT
	}
	d.conn.Close()
	m.emgr.Enqueue(func() {
		if d.stop != nil {
			d.stop()
		}
		if err := m.adapter.UnmapRing(domid, d.page); err != nil {
			log.WithField("domid", domid).WithError(err).
				Warn("domain: unmapping ring page")
		}
		log.WithField("domid", domid).Info("domain: released")
	})
	return nil
}

func (m *Mgr) Exists(domid uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.domains[domid]
	return ok
}

// SetInactive marks a domain whose guest has shut down but whose entry has
// not been destroyed yet.
func (m *Mgr) SetInactive(domid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.domains[domid]; ok {
		d.active = false
	}
}

// Snapshot lists the currently introduced domains.
func (m *Mgr) Snapshot() []*Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Domain, 0, len(m.domains))
	for _, d := range m.domains {
		out = append(out, d)
	}
	return out
}
