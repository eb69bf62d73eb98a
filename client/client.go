// Package client is the Go client library for registryd's wire protocol.
// One Client multiplexes sequential request/response calls with the
// out-of-band watch event stream the daemon interleaves on the same
// connection.
package client

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sysml/registryd/rpc"
)

// WatchEvent is one delivered watch firing.
type WatchEvent struct {
	Path  string
	Token string
}

type response struct {
	hdr  rpc.Header
	body []byte
	err  error
}

type Client struct {
	conn net.Conn

	mu     sync.Mutex // serializes request/response cycles
	reqID  uint32
	respch chan response
	done   chan struct{}

	// Events delivers watch firings. The channel is buffered; it is
	// closed when the connection dies.
	Events chan WatchEvent

	closeOnce sync.Once
}

// Dial connects to the daemon's socket.
func Dial(socket string) (*Client, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:   conn,
		respch: make(chan response, 1),
		done:   make(chan struct{}),
		Events: make(chan WatchEvent, 64),
	}
	go c.reader()
	return c, nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// reader demultiplexes incoming frames: watch events go to Events,
// everything else answers the call in flight.
func (c *Client) reader() {
	defer close(c.Events)
	defer close(c.done)
	var hbuf [rpc.HeaderSize]byte
	for {
		if _, err := io.ReadFull(c.conn, hbuf[:]); err != nil {
			c.deliver(response{err: err})
			return
		}
		hdr := rpc.DecodeHeader(hbuf[:])
		if hdr.Len > rpc.PayloadMax {
			c.deliver(response{err: fmt.Errorf("oversized frame: %d bytes", hdr.Len)})
			return
		}
		body := make([]byte, hdr.Len)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			c.deliver(response{err: err})
			return
		}
		if hdr.Type == rpc.OpWatchEvent {
			fields := rpc.SplitFields(body)
			if len(fields) == 2 {
				select {
				case c.Events <- WatchEvent{Path: fields[0], Token: fields[1]}:
				default:
					// Slow consumer; drop rather than stall the demux.
				}
			}
			continue
		}
		c.deliver(response{hdr: hdr, body: body})
	}
}

func (c *Client) deliver(r response) {
	select {
	case c.respch <- r:
	default:
		// No call in flight; connection is going down.
	}
}

func (c *Client) call(op rpc.Op, tid uint32, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqID++
	hdr := rpc.Header{Type: op, ReqID: c.reqID, TxID: tid, Len: uint32(len(body))}
	var hbuf [rpc.HeaderSize]byte
	hdr.Encode(hbuf[:])
	if _, err := c.conn.Write(hbuf[:]); err != nil {
		return nil, err
	}
	if len(body) > 0 {
		if _, err := c.conn.Write(body); err != nil {
			return nil, err
		}
	}
	var r response
	select {
	case r = <-c.respch:
	case <-c.done:
		select {
		case r = <-c.respch:
		default:
			return nil, io.ErrUnexpectedEOF
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.hdr.Type == rpc.OpError {
		tok := strings.TrimSuffix(string(r.body), "\x00")
		if errno, ok := rpc.ParseErrno(tok); ok {
			return nil, errno
		}
		return nil, fmt.Errorf("error response %q", tok)
	}
	return r.body, nil
}

func pathBody(parts ...string) []byte {
	var b bytes.Buffer
	for _, p := range parts {
		b.WriteString(p)
		b.WriteByte(0)
	}
	return b.Bytes()
}

// Read returns the value at path.
func (c *Client) Read(tid uint32, path string) ([]byte, error) {
	return c.call(rpc.OpRead, tid, pathBody(path))
}

// Write sets the value at path, creating it if needed.
func (c *Client) Write(tid uint32, path string, value []byte) error {
	body := append(pathBody(path), value...)
	_, err := c.call(rpc.OpWrite, tid, body)
	return err
}

// Mkdir ensures path exists.
func (c *Client) Mkdir(tid uint32, path string) error {
	_, err := c.call(rpc.OpMkdir, tid, pathBody(path))
	return err
}

// Rm deletes path and its subtree.
func (c *Client) Rm(tid uint32, path string) error {
	_, err := c.call(rpc.OpRm, tid, pathBody(path))
	return err
}

// Directory lists the immediate children of path.
func (c *Client) Directory(tid uint32, path string) ([]string, error) {
	body, err := c.call(rpc.OpDirectory, tid, pathBody(path))
	if err != nil {
		return nil, err
	}
	return rpc.SplitFields(body), nil
}

// GetPerms returns the permission list of path.
func (c *Client) GetPerms(tid uint32, path string) ([]rpc.Perm, error) {
	body, err := c.call(rpc.OpGetPerms, tid, pathBody(path))
	if err != nil {
		return nil, err
	}
	return rpc.ParsePerms(rpc.SplitFields(body))
}

// SetPerms replaces the permission list of path.
func (c *Client) SetPerms(tid uint32, path string, perms []rpc.Perm) error {
	parts := []string{path}
	for _, p := range perms {
		parts = append(parts, p.String())
	}
	_, err := c.call(rpc.OpSetPerms, tid, pathBody(parts...))
	return err
}

// Watch subscribes to path with token; firings arrive on Events.
func (c *Client) Watch(path, token string) error {
	_, err := c.call(rpc.OpWatch, 0, pathBody(path, token))
	return err
}

// Unwatch drops the subscription.
func (c *Client) Unwatch(path, token string) error {
	_, err := c.call(rpc.OpUnwatch, 0, pathBody(path, token))
	return err
}

// TransactionStart branches a new transaction.
func (c *Client) TransactionStart() (uint32, error) {
	body, err := c.call(rpc.OpTransactionStart, 0, nil)
	if err != nil {
		return 0, err
	}
	tok := strings.TrimSuffix(string(body), "\x00")
	tid, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing transaction id %q: %w", tok, err)
	}
	return uint32(tid), nil
}

// TransactionEnd commits (true) or aborts (false) tid. A refused commit
// returns rpc.EAGAIN.
func (c *Client) TransactionEnd(tid uint32, commit bool) error {
	arg := "F"
	if commit {
		arg = "T"
	}
	_, err := c.call(rpc.OpTransactionEnd, tid, pathBody(arg))
	return err
}

// Introduce registers a guest domain's ring channel.
func (c *Client) Introduce(domid, ref, port uint32) error {
	_, err := c.call(rpc.OpIntroduce, 0, pathBody(
		strconv.FormatUint(uint64(domid), 10),
		strconv.FormatUint(uint64(ref), 10),
		strconv.FormatUint(uint64(port), 10)))
	return err
}

// Release deregisters a guest domain.
func (c *Client) Release(domid uint32) error {
	_, err := c.call(rpc.OpRelease, 0, pathBody(strconv.FormatUint(uint64(domid), 10)))
	return err
}

// IsDomainIntroduced reports whether domid currently has a channel.
func (c *Client) IsDomainIntroduced(domid uint32) (bool, error) {
	body, err := c.call(rpc.OpIsDomainIntroduced, 0,
		pathBody(strconv.FormatUint(uint64(domid), 10)))
	if err != nil {
		return false, err
	}
	return strings.TrimSuffix(string(body), "\x00") == "T", nil
}

// GetDomainPath returns the tree prefix owned by domid.
func (c *Client) GetDomainPath(domid uint32) (string, error) {
	body, err := c.call(rpc.OpGetDomainPath, 0,
		pathBody(strconv.FormatUint(uint64(domid), 10)))
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(body), "\x00"), nil
}

// ResetWatches drops every watch this connection holds.
func (c *Client) ResetWatches() error {
	_, err := c.call(rpc.OpResetWatches, 0, nil)
	return err
}
