// Package server accepts client connections on the daemon's sockets and
// runs one protocol engine per connection. Ring-channel clients started by
// the domain manager share the same engine over their own transport.
package server

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sysml/registryd"
	"github.com/sysml/registryd/event"
	"github.com/sysml/registryd/registry"
)

type Srv struct {
	rw net.Listener
	ro net.Listener

	reg    *registry.Registry
	emgr   *event.Mgr
	Config *registryd.Config

	mu     sync.Mutex
	conns  map[*SrvConn]struct{}
	closed bool

	nextID uint64
	wg     sync.WaitGroup
}

// NewSrv binds the server to its listeners. ro may be nil when the
// read-only socket is disabled.
func NewSrv(rw, ro net.Listener, reg *registry.Registry, emgr *event.Mgr, config *registryd.Config) *Srv {
	return &Srv{
		rw:     rw,
		ro:     ro,
		reg:    reg,
		emgr:   emgr,
		Config: config,
		conns:  make(map[*SrvConn]struct{}),
	}
}

// Serve is the server main loop: it accepts connections on both sockets
// and spawns a handler per connection. It returns when Stop closes the
// listeners.
func (s *Srv) Serve() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(s.rw, false)
	}()
	if s.ro != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(s.ro, true)
		}()
	}
	s.wg.Wait()
}

func (s *Srv) acceptLoop(l net.Listener, readonly bool) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Temporary() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				log.WithError(err).Error("server: accept")
			}
			return
		}
		s.startSockConn(conn, readonly)
	}
}

// startSockConn builds the connection context for a socket client. Socket
// clients speak for the control domain; coarse access is governed by the
// socket file permissions, per-node access by the store's permission lists.
func (s *Srv) startSockConn(conn net.Conn, readonly bool) {
	id := "S" + strconv.FormatUint(s.connID(), 10)
	if uc, ok := conn.(*net.UnixConn); ok {
		logPeerCreds(uc, id)
	}
	ctx := &registryd.Context{
		Domid:    0,
		Prefix:   registry.DomainPath(0),
		ReadOnly: readonly,
	}
	c := s.newConn(conn, id, ctx)
	go c.Handle()
}

// StartDomainClient is the domain manager's client factory: it runs the
// protocol engine over a ring transport under the domain's own identity.
func (s *Srv) StartDomainClient(t io.ReadWriteCloser, domid uint32) func() {
	id := "D" + strconv.FormatUint(uint64(domid), 10)
	ctx := &registryd.Context{
		Domid:  domid,
		Prefix: registry.DomainPath(domid),
	}
	c := s.newConn(t, id, ctx)
	domainsGauge.Inc()
	go func() {
		c.Handle()
		domainsGauge.Dec()
	}()
	return c.closeTransport
}

func (s *Srv) newConn(t io.ReadWriteCloser, id string, ctx *registryd.Context) *SrvConn {
	c := newSrvConn(s, t, id, ctx)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	connsGauge.Inc()
	log.WithFields(log.Fields{"conn": id, "readonly": ctx.ReadOnly}).Debug("server: new connection")
	return c
}

func (s *Srv) dropConn(c *SrvConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	connsGauge.Dec()
}

func (s *Srv) connID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Stop closes the listeners and every live connection.
func (s *Srv) Stop() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*SrvConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.rw.Close()
	if s.ro != nil {
		s.ro.Close()
	}
	for _, c := range conns {
		c.closeTransport()
	}
}

// logPeerCreds records who connected, using SO_PEERCRED. Best effort; the
// credentials do not gate access.
func logPeerCreds(uc *net.UnixConn, id string) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		log.WithFields(log.Fields{
			"conn": id,
			"pid":  cred.Pid,
			"uid":  cred.Uid,
		}).Debug("server: peer credentials")
	})
}
