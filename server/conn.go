package server

import (
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sysml/registryd"
	"github.com/sysml/registryd/rpc"
	"github.com/sysml/registryd/watch"
)

// fireQueueLen bounds the per-client FIFO of pending watch events.
const fireQueueLen = 1024

// SrvConn is one client connection: a transport, the protocol engine state
// and the pending watch-event queue. Requests are strictly sequential per
// connection; watch frames interleave between request/response cycles
// through the send mutex.
type SrvConn struct {
	srv *Srv
	t   io.ReadWriteCloser
	id  string
	ctx *registryd.Context

	sending sync.Mutex

	fireq chan watch.Event
	quit  chan struct{}

	txmu sync.Mutex
	txns map[uint32]struct{}

	closeOnce sync.Once

	// rxbuf holds one request body. Sized with prefix headroom plus the
	// implicit trailing NUL that is never transmitted.
	rxbuf [rpc.DomainPathMax + rpc.PayloadMax + 1]byte
}

func newSrvConn(s *Srv, t io.ReadWriteCloser, id string, ctx *registryd.Context) *SrvConn {
	return &SrvConn{
		srv:   s,
		t:     t,
		id:    id,
		ctx:   ctx,
		fireq: make(chan watch.Event, fireQueueLen),
		quit:  make(chan struct{}),
		txns:  make(map[uint32]struct{}),
	}
}

// Handle is the main loop for a connection: receive a frame, dispatch it,
// transmit the response. It returns when the transport dies; teardown is
// deferred through the event manager, never run inline.
func (conn *SrvConn) Handle() {
	go conn.watchPump()

	disp := &Disp{reg: conn.srv.reg, ctx: conn.ctx, conn: conn}

	var hbuf [rpc.HeaderSize]byte
	for {
		if _, err := io.ReadFull(conn.t, hbuf[:]); err != nil {
			if err != io.EOF {
				log.WithField("conn", conn.id).WithError(err).Debug("conn: header read")
			}
			break
		}
		hdr := rpc.DecodeHeader(hbuf[:])
		if hdr.Len > rpc.PayloadMax {
			if err := conn.discard(hdr.Len); err != nil {
				break
			}
			if err := conn.sendErr(hdr, rpc.EINVAL); err != nil {
				break
			}
			continue
		}
		body := conn.rxbuf[:hdr.Len]
		if _, err := io.ReadFull(conn.t, body); err != nil {
			log.WithField("conn", conn.id).WithError(err).Debug("conn: body read")
			break
		}
		conn.rxbuf[hdr.Len] = 0

		rhdr, rbody := disp.Dispatch(hdr, body)
		if err := conn.send(rhdr, rbody); err != nil {
			break
		}
	}

	close(conn.quit)
	conn.srv.emgr.Enqueue(conn.teardown)
}

// watchPump drains the fire queue, one WATCH_EVENT frame per pending
// event, until the connection quits.
func (conn *SrvConn) watchPump() {
	for {
		select {
		case ev := <-conn.fireq:
			path := ev.Path
			if ev.Rel {
				path = strings.TrimPrefix(path, conn.ctx.Prefix+"/")
			}
			body := make([]byte, 0, len(path)+len(ev.Token)+2)
			body = append(body, path...)
			body = append(body, 0)
			body = append(body, ev.Token...)
			body = append(body, 0)
			hdr := rpc.Header{Type: rpc.OpWatchEvent, Len: uint32(len(body))}
			if err := conn.send(hdr, body); err != nil {
				return
			}
			watchEventsTotal.Inc()
		case <-conn.quit:
			return
		}
	}
}

// QueueEvent implements watch.Sink. It never blocks; a client that cannot
// keep up loses events rather than stalling the store.
func (conn *SrvConn) QueueEvent(ev watch.Event) {
	select {
	case conn.fireq <- ev:
	default:
		watchEventsDropped.Inc()
		log.WithFields(log.Fields{"conn": conn.id, "path": ev.Path}).
			Warn("conn: watch queue full, dropping event")
	}
}

func (conn *SrvConn) send(hdr rpc.Header, body []byte) error {
	var hbuf [rpc.HeaderSize]byte
	hdr.Len = uint32(len(body))
	hdr.Encode(hbuf[:])

	conn.sending.Lock()
	defer conn.sending.Unlock()
	if _, err := conn.t.Write(hbuf[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := conn.t.Write(body)
	return err
}

func (conn *SrvConn) sendErr(req rpc.Header, errno rpc.Errno) error {
	errorsTotal.WithLabelValues(errno.Error()).Inc()
	body := append([]byte(errno.Error()), 0)
	return conn.send(rpc.Header{
		Type:  rpc.OpError,
		ReqID: req.ReqID,
		TxID:  req.TxID,
	}, body)
}

// discard consumes and drops an oversized request body so the stream stays
// framed.
func (conn *SrvConn) discard(n uint32) error {
	buf := conn.rxbuf[:]
	for n > 0 {
		want := n
		if want > uint32(len(buf)) {
			want = uint32(len(buf))
		}
		if _, err := io.ReadFull(conn.t, buf[:want]); err != nil {
			return err
		}
		n -= want
	}
	return nil
}

// transaction bookkeeping, used to cap and clean up per-client branches.

func (conn *SrvConn) trackTxn(tid uint32) {
	conn.txmu.Lock()
	conn.txns[tid] = struct{}{}
	conn.txmu.Unlock()
}

func (conn *SrvConn) untrackTxn(tid uint32) {
	conn.txmu.Lock()
	delete(conn.txns, tid)
	conn.txmu.Unlock()
}

func (conn *SrvConn) ownsTxn(tid uint32) bool {
	conn.txmu.Lock()
	defer conn.txmu.Unlock()
	_, ok := conn.txns[tid]
	return ok
}

func (conn *SrvConn) txnCount() int {
	conn.txmu.Lock()
	defer conn.txmu.Unlock()
	return len(conn.txns)
}

func (conn *SrvConn) closeTransport() {
	conn.closeOnce.Do(func() {
		conn.t.Close()
	})
}

// teardown runs on the event manager once the handler has returned: drop
// the client's watches, abort its open transactions, release the slot.
func (conn *SrvConn) teardown() {
	conn.closeTransport()
	conn.srv.reg.UnwatchAll(conn)

	conn.txmu.Lock()
	tids := make([]uint32, 0, len(conn.txns))
	for tid := range conn.txns {
		tids = append(tids, tid)
	}
	conn.txns = make(map[uint32]struct{})
	conn.txmu.Unlock()
	for _, tid := range tids {
		conn.srv.reg.TransactionEnd(conn.ctx.Domid, tid, false)
	}

	conn.srv.dropConn(conn)
	log.WithField("conn", conn.id).Debug("conn: closed")
}
