// Package watch implements path-scoped subscriptions over the registry
// tree: registration, match fan-out to ancestors and descendants, and
// deferred firing for events raised inside transactions.
package watch

import (
	"sync"

	"github.com/sysml/registryd/rpc"
	"github.com/sysml/registryd/store"
)

// MaxPerSink bounds the watches one client may hold.
const MaxPerSink = 128

// Event is one watch firing queued for delivery to a client. Path is the
// absolute fired path; Rel marks watches registered with a relative path so
// the client strips its domain prefix before transmitting.
type Event struct {
	Path  string
	Token string
	Rel   bool
}

// Sink receives events for a client. QueueEvent must not block; clients
// drain their queue between request/response cycles.
type Sink interface {
	QueueEvent(ev Event)
}

type watch struct {
	sink  Sink
	path  string
	token string
	rel   bool
}

// fired is one event recorded against an open transaction.
type fired struct {
	path     string
	children bool
}

// Mgr is the watch manager. Shared by all clients.
type Mgr struct {
	mu       sync.Mutex
	watches  map[Sink]map[string]*watch
	deferred map[uint32][]fired
}

func NewMgr() *Mgr {
	return &Mgr{
		watches:  make(map[Sink]map[string]*watch),
		deferred: make(map[uint32][]fired),
	}
}

func wkey(path, token string) string {
	return path + "\x00" + token
}

// IsSpecial reports whether path is one of the sentinel watch paths that
// exist outside the stored tree.
func IsSpecial(path string) bool {
	return path == "@introduceDomain" || path == "@releaseDomain"
}

// Add registers a watch and queues its initial firing, which carries the
// watch's own path and token.
func (m *Mgr) Add(sink Sink, path, token string, rel bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.watches[sink]
	if ws == nil {
		ws = make(map[string]*watch)
		m.watches[sink] = ws
	}
	if len(ws) >= MaxPerSink {
		return rpc.ENOSPC
	}
	k := wkey(path, token)
	if _, ok := ws[k]; ok {
		return rpc.EEXIST
	}
	w := &watch{sink: sink, path: path, token: token, rel: rel}
	ws[k] = w
	w.queue(path)
	return nil
}

// Del removes a watch.
func (m *Mgr) Del(sink Sink, path, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.watches[sink]
	k := wkey(path, token)
	if _, ok := ws[k]; !ok {
		return rpc.ENOENT
	}
	delete(ws, k)
	return nil
}

// DelAll removes every watch held by sink. Used on client teardown and for
// RESET_WATCHES.
func (m *Mgr) DelAll(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watches, sink)
}

// Fire delivers path to every matching watch, or records it against tid for
// delivery at commit.
func (m *Mgr) Fire(tid uint32, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fire(tid, fired{path: path})
}

// FireParents fires every proper ancestor of path.
func (m *Mgr) FireParents(tid uint32, path string) {
	if IsSpecial(path) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range store.Ancestors(path) {
		m.fire(tid, fired{path: a})
	}
}

// FireChildren notifies every watch registered below path, each with its
// own path. Used by delete, whose effect spans the whole subtree.
func (m *Mgr) FireChildren(tid uint32, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fire(tid, fired{path: path, children: true})
}

func (m *Mgr) fire(tid uint32, f fired) {
	if tid != 0 {
		m.deferred[tid] = append(m.deferred[tid], f)
		return
	}
	m.deliver(f, nil)
}

// deliver matches one firing against the table. seen, when non-nil,
// coalesces duplicate (watch, path) pairs within a transaction flush.
func (m *Mgr) deliver(f fired, seen map[*watch]map[string]struct{}) {
	for _, ws := range m.watches {
		for _, w := range ws {
			var path string
			switch {
			case f.children:
				if !store.IsDescendant(w.path, f.path) {
					continue
				}
				path = w.path
			case w.path == f.path:
				path = f.path
			case IsSpecial(w.path) || IsSpecial(f.path):
				// Sentinels only ever match exactly.
				continue
			case store.IsDescendant(f.path, w.path):
				path = f.path
			default:
				continue
			}
			if seen != nil {
				if _, ok := seen[w][path]; ok {
					continue
				}
				if seen[w] == nil {
					seen[w] = make(map[string]struct{})
				}
				seen[w][path] = struct{}{}
			}
			w.queue(path)
		}
	}
}

// FireOnCommit flushes the events recorded against tid, in the order they
// were recorded, coalescing duplicates per (watch, path). Matching is
// evaluated now, so watches added while the transaction was open receive
// the events they would have received under an equivalent direct sequence.
func (m *Mgr) FireOnCommit(tid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.deferred[tid]
	delete(m.deferred, tid)
	seen := make(map[*watch]map[string]struct{})
	for _, f := range events {
		m.deliver(f, seen)
	}
}

// Abort discards the events recorded against tid.
func (m *Mgr) Abort(tid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deferred, tid)
}

func (w *watch) queue(path string) {
	w.sink.QueueEvent(Event{Path: path, Token: w.token, Rel: w.rel})
}

// Count returns the number of watches held by sink.
func (m *Mgr) Count(sink Sink) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches[sink])
}
