package domain

import (
	"io"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Shared page layout: two 1 KiB rings back to back, followed by the four
// free-running 32-bit cursors. Offsets match the reference ABI.
const (
	PageSize = 4096
	RingSize = 1024

	reqRingOff = 0
	rspRingOff = RingSize

	reqConsOff = 2 * RingSize
	reqProdOff = 2*RingSize + 4
	rspConsOff = 2*RingSize + 8
	rspProdOff = 2*RingSize + 12
)

func loadIdx(page []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&page[off])))
}

func storeIdx(page []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&page[off])), v)
}

// ringConn adapts one mapped page plus its interrupt port to the blocking
// byte-stream interface the protocol engine consumes. The daemon side is
// the consumer of the request ring and the producer of the response ring;
// a guest-side conn mirrors the roles. Cursors are published with atomic
// stores before the peer is signalled.
type ringConn struct {
	page []byte
	port Port

	rdRing, rdCons, rdProd int
	wrRing, wrCons, wrProd int

	closed    chan struct{}
	closeOnce sync.Once
}

func newRingConn(page []byte, port Port) *ringConn {
	return &ringConn{
		page: page, port: port,
		rdRing: reqRingOff, rdCons: reqConsOff, rdProd: reqProdOff,
		wrRing: rspRingOff, wrCons: rspConsOff, wrProd: rspProdOff,
		closed: make(chan struct{}),
	}
}

// NewGuestConn is the guest-side view of a shared page: it produces
// requests and consumes responses. Tests drive a fake guest through it.
func NewGuestConn(page []byte, port Port) io.ReadWriteCloser {
	return &ringConn{
		page: page, port: port,
		rdRing: rspRingOff, rdCons: rspConsOff, rdProd: rspProdOff,
		wrRing: reqRingOff, wrCons: reqConsOff, wrProd: reqProdOff,
		closed: make(chan struct{}),
	}
}

// Read consumes from the receive ring, blocking until at least one byte is
// available or the channel is closed.
func (c *ringConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		cons := loadIdx(c.page, c.rdCons)
		prod := loadIdx(c.page, c.rdProd)
		if avail := prod - cons; avail > 0 {
			n := copyOut(c.page[c.rdRing:c.rdRing+RingSize], cons, avail, p)
			storeIdx(c.page, c.rdCons, cons+uint32(n))
			// Wake a producer stalled on a full ring.
			c.port.Notify()
			return n, nil
		}
		select {
		case <-c.port.Wait():
		case <-c.closed:
			return 0, io.EOF
		}
	}
}

// Write produces onto the transmit ring, blocking until everything is
// published.
func (c *ringConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		cons := loadIdx(c.page, c.wrCons)
		prod := loadIdx(c.page, c.wrProd)
		if free := RingSize - (prod - cons); free > 0 {
			n := copyIn(c.page[c.wrRing:c.wrRing+RingSize], prod, free, p[written:])
			storeIdx(c.page, c.wrProd, prod+uint32(n))
			c.port.Notify()
			written += n
			continue
		}
		select {
		case <-c.port.Wait():
		case <-c.closed:
			return written, io.ErrClosedPipe
		}
	}
	return written, nil
}

func (c *ringConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.port.Close()
	})
	return nil
}

// copyOut copies up to min(avail, len(out)) bytes starting at cursor cons,
// honouring the wraparound: at most two contiguous spans.
func copyOut(ring []byte, cons, avail uint32, out []byte) int {
	want := uint32(len(out))
	if want > avail {
		want = avail
	}
	n := 0
	for want > 0 {
		idx := (cons + uint32(n)) & (RingSize - 1)
		span := RingSize - idx
		if span > want {
			span = want
		}
		copy(out[n:], ring[idx:idx+span])
		n += int(span)
		want -= span
	}
	return n
}

// copyIn copies up to min(free, len(in)) bytes starting at cursor prod.
func copyIn(ring []byte, prod, free uint32, in []byte) int {
	want := uint32(len(in))
	if want > free {
		want = free
	}
	n := 0
	for want > 0 {
		idx := (prod + uint32(n)) & (RingSize - 1)
		span := RingSize - idx
		if span > want {
			span = want
		}
		copy(ring[idx:idx+span], in[n:n+int(span)])
		n += int(span)
		want -= span
	}
	return n
}
