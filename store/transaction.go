package store

import (
	"github.com/sysml/registryd/rpc"
)

// txn is one copy-on-write working copy. reads caches the first committed
// observation of each path (nil meaning observed-absent) so repeated reads
// inside the transaction stay stable; writes holds the overrides, nil
// meaning deleted. Override records carry value and permissions only;
// child linkage is recomputed when the transaction is applied.
type txn struct {
	base   uint64
	reads  map[string]*record
	writes map[string]*record
	order  []string
}

func (s *Store) txn(tid uint32) (*txn, error) {
	t, ok := s.txns[tid]
	if !ok {
		return nil, rpc.EINVAL
	}
	return t, nil
}

// Branch opens a new transaction against the current committed generation.
func (s *Store) Branch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.nextTx++
		if s.nextTx == 0 {
			continue
		}
		if _, ok := s.txns[s.nextTx]; !ok {
			break
		}
	}
	s.txns[s.nextTx] = &txn{
		base:   s.gen,
		reads:  make(map[string]*record),
		writes: make(map[string]*record),
	}
	return s.nextTx
}

// Commit applies the transaction's overrides in a single generation bump.
// It reports false, without applying anything, when any path observed or
// written by the transaction changed in the committed tree since branch.
// The transaction is discarded either way.
func (s *Store) Commit(tid uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.txn(tid)
	if err != nil {
		return false, err
	}
	delete(s.txns, tid)

	for p := range t.reads {
		if s.modGen[p] > t.base {
			return false, nil
		}
	}
	for p := range t.writes {
		if s.modGen[p] > t.base {
			return false, nil
		}
	}
	if len(t.writes) == 0 {
		return true, nil
	}

	s.gen++
	for _, p := range t.order {
		rec := t.writes[p]
		if rec == nil {
			if _, ok := s.tree[p]; !ok {
				continue
			}
			delete(s.tree, p)
			s.modGen[p] = s.gen
			if prec, ok := s.tree[Parent(p)]; ok {
				n := prec.clone()
				delete(n.children, Basename(p))
				s.tree[Parent(p)] = n
			}
			continue
		}
		cur, existed := s.tree[p]
		n := &record{value: rec.value, perms: rec.perms}
		if existed {
			n.children = cur.clone().children
		} else {
			n.children = make(map[string]struct{})
		}
		s.tree[p] = n
		s.modGen[p] = s.gen
		if !existed {
			// Ensured ancestors are ordered before their descendants,
			// so the parent is always present by now.
			prec := s.tree[Parent(p)].clone()
			prec.children[Basename(p)] = struct{}{}
			s.tree[Parent(p)] = prec
		}
	}
	return true, nil
}

// Abort discards the transaction.
func (s *Store) Abort(tid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.txn(tid); err != nil {
		return err
	}
	delete(s.txns, tid)
	return nil
}

// observe returns (and caches) the committed state of path as first seen by
// this transaction.
func (t *txn) observe(s *Store, path string) *record {
	if rec, ok := t.reads[path]; ok {
		return rec
	}
	rec := s.tree[path]
	t.reads[path] = rec
	return rec
}

// lookup resolves path through the working copy: overrides first, then the
// cached committed observation.
func (t *txn) lookup(s *Store, path string) *record {
	if rec, ok := t.writes[path]; ok {
		return rec
	}
	return t.observe(s, path)
}

func (t *txn) put(path string, rec *record) {
	if _, ok := t.writes[path]; !ok {
		t.order = append(t.order, path)
	}
	t.writes[path] = rec
}

// ensure adds path and any missing ancestors to the write-set, inheriting
// permissions from the deepest node that already exists in the merged view.
func (t *txn) ensure(s *Store, cid uint32, path string) error {
	missing := []string{path}
	anchor := "/"
	for _, a := range Ancestors(path) {
		if rec := t.lookup(s, a); rec != nil {
			anchor = a
			break
		}
		missing = append(missing, a)
	}
	base := t.lookup(s, anchor)
	if err := checkWrite(cid, base); err != nil {
		return err
	}
	perms := inheritPerms(cid, base)
	for i := len(missing) - 1; i >= 0; i-- {
		t.put(missing[i], &record{perms: perms})
	}
	return nil
}

func (t *txn) update(s *Store, cid uint32, path string, value []byte) error {
	rec := t.lookup(s, path)
	if rec == nil {
		if err := t.ensure(s, cid, path); err != nil {
			return err
		}
		rec = t.writes[path]
	} else if err := checkWrite(cid, rec); err != nil {
		return err
	}
	t.put(path, &record{value: value, perms: rec.perms})
	return nil
}

func (t *txn) create(s *Store, cid uint32, path string) (bool, error) {
	if rec := t.lookup(s, path); rec != nil {
		return false, nil
	}
	if err := t.ensure(s, cid, path); err != nil {
		return false, err
	}
	return true, nil
}

func (t *txn) del(s *Store, cid uint32, path string) error {
	rec := t.lookup(s, path)
	if rec == nil {
		return rpc.ENOENT
	}
	if err := checkWrite(cid, rec); err != nil {
		return err
	}
	for _, p := range t.subtree(s, path) {
		t.put(p, nil)
	}
	return nil
}

func (t *txn) setPerms(s *Store, cid uint32, path string, perms []rpc.Perm) error {
	rec := t.lookup(s, path)
	if rec == nil {
		return rpc.ENOENT
	}
	if err := checkWrite(cid, rec); err != nil {
		return err
	}
	t.put(path, &record{value: rec.value, perms: perms})
	return nil
}

func (t *txn) children(s *Store, cid uint32, path string) ([]string, error) {
	rec := t.lookup(s, path)
	if rec == nil {
		return nil, rpc.ENOENT
	}
	if err := checkRead(cid, rec); err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	if crec := t.observe(s, path); crec != nil {
		for c := range crec.children {
			set[c] = struct{}{}
		}
	}
	for wpath, wrec := range t.writes {
		if wpath != "/" && Parent(wpath) == path {
			if wrec == nil {
				delete(set, Basename(wpath))
			} else {
				set[Basename(wpath)] = struct{}{}
			}
		}
	}
	return sortedChildren(set), nil
}

// subtree lists path plus every descendant visible in the merged view,
// parents first.
func (t *txn) subtree(s *Store, path string) []string {
	seen := map[string]struct{}{path: {}}
	out := []string{path}
	for i := 0; i < len(out); i++ {
		p := out[i]
		if crec := t.observe(s, p); crec != nil {
			for c := range crec.children {
				child := p + "/" + c
				if p == "/" {
					child = "/" + c
				}
				if wrec, ok := t.writes[child]; ok && wrec == nil {
					continue
				}
				if _, ok := seen[child]; !ok {
					seen[child] = struct{}{}
					out = append(out, child)
				}
			}
		}
	}
	for wpath, wrec := range t.writes {
		if wrec != nil && IsDescendant(wpath, path) {
			if _, ok := seen[wpath]; !ok {
				seen[wpath] = struct{}{}
				out = append(out, wpath)
			}
		}
	}
	return out
}
