// Package store implements the in-memory hierarchical tree behind the
// registry: a committed tree of immutable node records plus copy-on-write
// working copies for open transactions, with optimistic conflict detection
// at commit.
package store

import (
	"sort"
	"sync"

	"github.com/sysml/registryd/rpc"
)

// record is one committed node. Records are never mutated once installed in
// the tree; any change replaces the record, so a pointer captured by an open
// transaction keeps observing the state it first read.
type record struct {
	value    []byte
	perms    []rpc.Perm
	children map[string]struct{}
}

func (r *record) clone() *record {
	n := &record{
		value:    r.value,
		perms:    r.perms,
		children: make(map[string]struct{}, len(r.children)),
	}
	for c := range r.children {
		n.children[c] = struct{}{}
	}
	return n
}

// Store is the globally visible tree plus the open transactions branched
// from it. It is shared by every client connection; the mutex moves the
// reference design's single-loop discipline to the sanctioned single-writer
// model with commits serialized under the write lock.
type Store struct {
	mu sync.RWMutex

	tree map[string]*record

	// modGen records, per path, the generation that last changed the
	// path's value, permissions or existence. Entries for deleted paths
	// are kept as tombstones so recreation is detected as a conflict.
	modGen map[string]uint64
	gen    uint64

	nextTx uint32
	txns   map[uint32]*txn
}

func New() *Store {
	s := &Store{
		tree:   make(map[string]*record),
		modGen: make(map[string]uint64),
		txns:   make(map[uint32]*txn),
	}
	s.tree["/"] = &record{
		perms:    []rpc.Perm{{Dom: 0}},
		children: make(map[string]struct{}),
	}
	return s
}

// Gen returns the current committed generation.
func (s *Store) Gen() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

func checkRead(cid uint32, rec *record) error {
	return checkAccess(cid, rec, false)
}

func checkWrite(cid uint32, rec *record) error {
	return checkAccess(cid, rec, true)
}

func checkAccess(cid uint32, rec *record, write bool) error {
	// The control domain and the node owner always pass.
	if cid == 0 || rec.perms[0].Dom == cid {
		return nil
	}
	eff := rec.perms[0]
	for _, p := range rec.perms[1:] {
		if p.Dom == cid {
			eff = p
			break
		}
	}
	if write && !eff.Write {
		return rpc.EACCES
	}
	if !write && !eff.Read {
		return rpc.EACCES
	}
	return nil
}

// inheritPerms builds the permission list of a node created under parent by
// domain cid: the parent's list with the owner entry replaced.
func inheritPerms(cid uint32, parent *record) []rpc.Perm {
	perms := make([]rpc.Perm, len(parent.perms))
	copy(perms, parent.perms)
	perms[0] = rpc.Perm{Dom: cid}
	return perms
}

// Read returns the value at path.
func (s *Store) Read(cid, tid uint32, path string) ([]byte, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if tid != 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		t, err := s.txn(tid)
		if err != nil {
			return nil, err
		}
		rec := t.lookup(s, path)
		if rec == nil {
			return nil, rpc.ENOENT
		}
		if err := checkRead(cid, rec); err != nil {
			return nil, err
		}
		return rec.value, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tree[path]
	if !ok {
		return nil, rpc.ENOENT
	}
	if err := checkRead(cid, rec); err != nil {
		return nil, err
	}
	return rec.value, nil
}

// Update writes value at path, creating the node and any missing ancestors.
func (s *Store) Update(cid, tid uint32, path string, value []byte) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if len(value) > rpc.PayloadMax {
		return rpc.ENOSPC
	}
	val := append([]byte(nil), value...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if tid != 0 {
		t, err := s.txn(tid)
		if err != nil {
			return err
		}
		return t.update(s, cid, path, val)
	}

	rec, ok := s.tree[path]
	if ok {
		if err := checkWrite(cid, rec); err != nil {
			return err
		}
		n := rec.clone()
		n.value = val
		s.tree[path] = n
	} else {
		if err := s.ensurePath(cid, path); err != nil {
			return err
		}
		n := s.tree[path].clone()
		n.value = val
		s.tree[path] = n
	}
	s.gen++
	s.modGen[path] = s.gen
	return nil
}

// Create ensures path exists, reporting whether the final node was newly
// created. An existing node is left untouched.
func (s *Store) Create(cid, tid uint32, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tid != 0 {
		t, err := s.txn(tid)
		if err != nil {
			return false, err
		}
		return t.create(s, cid, path)
	}

	if _, ok := s.tree[path]; ok {
		return false, nil
	}
	if err := s.ensurePath(cid, path); err != nil {
		return false, err
	}
	s.gen++
	s.modGen[path] = s.gen
	return true, nil
}

// Delete removes path and its entire subtree.
func (s *Store) Delete(cid, tid uint32, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if path == "/" {
		return rpc.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tid != 0 {
		t, err := s.txn(tid)
		if err != nil {
			return err
		}
		return t.del(s, cid, path)
	}

	rec, ok := s.tree[path]
	if !ok {
		return rpc.ENOENT
	}
	if err := checkWrite(cid, rec); err != nil {
		return err
	}
	s.gen++
	for _, p := range s.subtree(path) {
		delete(s.tree, p)
		s.modGen[p] = s.gen
	}
	parent := Parent(path)
	n := s.tree[parent].clone()
	delete(n.children, Basename(path))
	s.tree[parent] = n
	return nil
}

// Children returns the sorted immediate child segments of path.
func (s *Store) Children(cid, tid uint32, path string) ([]string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if tid != 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		t, err := s.txn(tid)
		if err != nil {
			return nil, err
		}
		return t.children(s, cid, path)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tree[path]
	if !ok {
		return nil, rpc.ENOENT
	}
	if err := checkRead(cid, rec); err != nil {
		return nil, err
	}
	return sortedChildren(rec.children), nil
}

// GetPerms returns the permission list of path.
func (s *Store) GetPerms(cid, tid uint32, path string) ([]rpc.Perm, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if tid != 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		t, err := s.txn(tid)
		if err != nil {
			return nil, err
		}
		rec := t.lookup(s, path)
		if rec == nil {
			return nil, rpc.ENOENT
		}
		if err := checkRead(cid, rec); err != nil {
			return nil, err
		}
		return rec.perms, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tree[path]
	if !ok {
		return nil, rpc.ENOENT
	}
	if err := checkRead(cid, rec); err != nil {
		return nil, err
	}
	return rec.perms, nil
}

// SetPerms replaces the permission list of path. The list must be non-empty.
func (s *Store) SetPerms(cid, tid uint32, path string, perms []rpc.Perm) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if len(perms) == 0 {
		return rpc.EINVAL
	}
	ps := append([]rpc.Perm(nil), perms...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if tid != 0 {
		t, err := s.txn(tid)
		if err != nil {
			return err
		}
		return t.setPerms(s, cid, path, ps)
	}

	rec, ok := s.tree[path]
	if !ok {
		return rpc.ENOENT
	}
	if err := checkWrite(cid, rec); err != nil {
		return err
	}
	n := rec.clone()
	n.perms = ps
	s.tree[path] = n
	s.gen++
	s.modGen[path] = s.gen
	return nil
}

// ensurePath creates path and any missing ancestors on the committed tree,
// checking write access against the deepest pre-existing ancestor. Every
// node created inherits that ancestor's permissions with cid as owner.
func (s *Store) ensurePath(cid uint32, path string) error {
	missing := []string{path}
	anchor := "/"
	for _, a := range Ancestors(path) {
		if _, ok := s.tree[a]; ok {
			anchor = a
			break
		}
		missing = append(missing, a)
	}
	base := s.tree[anchor]
	if err := checkWrite(cid, base); err != nil {
		return err
	}
	perms := inheritPerms(cid, base)
	// Create top-down so parent linkage is always consistent.
	for i := len(missing) - 1; i >= 0; i-- {
		p := missing[i]
		s.tree[p] = &record{
			perms:    perms,
			children: make(map[string]struct{}),
		}
		parent := s.tree[Parent(p)].clone()
		parent.children[Basename(p)] = struct{}{}
		s.tree[Parent(p)] = parent
		if p != path {
			// Implicitly created ancestors count as modified too.
			s.modGen[p] = s.gen + 1
		}
	}
	return nil
}

// subtree returns path plus every committed descendant, parents first.
func (s *Store) subtree(path string) []string {
	out := []string{path}
	for i := 0; i < len(out); i++ {
		rec, ok := s.tree[out[i]]
		if !ok {
			continue
		}
		for c := range rec.children {
			if out[i] == "/" {
				out = append(out, "/"+c)
			} else {
				out = append(out, out[i]+"/"+c)
			}
		}
	}
	return out
}

func sortedChildren(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
