// Package registry ties the store, the watch manager and the domain
// manager together: every mutating operation goes through here so the
// right watches fire for the right paths, immediately for direct
// operations and deferred for transactional ones.
package registry

import (
	"fmt"

	"github.com/sysml/registryd/rpc"
	"github.com/sysml/registryd/store"
	"github.com/sysml/registryd/watch"
)

// DomainMgr is the surface the registry needs from the domain manager.
// Set after construction to break the mutual dependency: domain clients
// talk back through the registry.
type DomainMgr interface {
	Create(domid, port, ref uint32) error
	Destroy(domid uint32) error
	Exists(domid uint32) bool
}

type Registry struct {
	st   *store.Store
	wmgr *watch.Mgr
	dmgr DomainMgr
}

func New(st *store.Store, wmgr *watch.Mgr) *Registry {
	return &Registry{st: st, wmgr: wmgr}
}

func (r *Registry) SetDomainMgr(dm DomainMgr) {
	r.dmgr = dm
}

// Store exposes the underlying store for tests and tooling.
func (r *Registry) Store() *store.Store {
	return r.st
}

func (r *Registry) Read(cid, tid uint32, path string) ([]byte, error) {
	return r.st.Read(cid, tid, path)
}

func (r *Registry) Write(cid, tid uint32, path string, value []byte) error {
	if err := r.st.Update(cid, tid, path, value); err != nil {
		return err
	}
	r.wmgr.Fire(tid, path)
	r.wmgr.FireParents(tid, path)
	return nil
}

func (r *Registry) Mkdir(cid, tid uint32, path string) error {
	created, err := r.st.Create(cid, tid, path)
	if err != nil {
		return err
	}
	if created {
		r.wmgr.Fire(tid, path)
		r.wmgr.FireParents(tid, path)
	}
	return nil
}

func (r *Registry) Rm(cid, tid uint32, path string) error {
	if err := r.st.Delete(cid, tid, path); err != nil {
		return err
	}
	r.wmgr.Fire(tid, path)
	r.wmgr.FireParents(tid, path)
	r.wmgr.FireChildren(tid, path)
	return nil
}

func (r *Registry) Directory(cid, tid uint32, path string) ([]string, error) {
	return r.st.Children(cid, tid, path)
}

func (r *Registry) GetPerms(cid, tid uint32, path string) ([]rpc.Perm, error) {
	return r.st.GetPerms(cid, tid, path)
}

func (r *Registry) SetPerms(cid, tid uint32, path string, perms []rpc.Perm) error {
	return r.st.SetPerms(cid, tid, path, perms)
}

func (r *Registry) TransactionStart(cid uint32) uint32 {
	return r.st.Branch()
}

// TransactionEnd commits or aborts tid. A refused commit surfaces as EAGAIN
// and the client is expected to retry with a fresh transaction.
func (r *Registry) TransactionEnd(cid, tid uint32, commit bool) error {
	if !commit {
		if err := r.st.Abort(tid); err != nil {
			return err
		}
		r.wmgr.Abort(tid)
		return nil
	}
	ok, err := r.st.Commit(tid)
	if err != nil {
		return err
	}
	if !ok {
		r.wmgr.Abort(tid)
		return rpc.EAGAIN
	}
	// Flush after the generation bump is visible.
	r.wmgr.FireOnCommit(tid)
	return nil
}

// Watch registers a subscription. Sentinel paths are accepted as-is; tree
// paths must be canonical absolute paths.
func (r *Registry) Watch(sink watch.Sink, path, token string, rel bool) error {
	if !watch.IsSpecial(path) {
		if err := store.ValidatePath(path); err != nil {
			return err
		}
	}
	return r.wmgr.Add(sink, path, token, rel)
}

func (r *Registry) Unwatch(sink watch.Sink, path, token string) error {
	return r.wmgr.Del(sink, path, token)
}

// UnwatchAll drops every watch held by sink.
func (r *Registry) UnwatchAll(sink watch.Sink) {
	r.wmgr.DelAll(sink)
}

// DomainPath returns the tree prefix owned by domid.
func DomainPath(domid uint32) string {
	return fmt.Sprintf("/local/domain/%d", domid)
}

// IntroduceDomain binds a guest's ring page and interrupt port and
// announces it on @introduceDomain.
func (r *Registry) IntroduceDomain(domid, ref, port uint32) error {
	if r.dmgr == nil {
		return rpc.ENOSYS
	}
	if err := r.dmgr.Create(domid, port, ref); err != nil {
		return err
	}
	r.wmgr.Fire(0, "@introduceDomain")
	return nil
}

// ReleaseDomain tears down a guest's channel and announces it on
// @releaseDomain.
func (r *Registry) ReleaseDomain(domid uint32) error {
	if r.dmgr == nil {
		return rpc.ENOSYS
	}
	if err := r.dmgr.Destroy(domid); err != nil {
		return err
	}
	r.wmgr.Fire(0, "@releaseDomain")
	return nil
}

func (r *Registry) DomainIntroduced(domid uint32) bool {
	return r.dmgr != nil && r.dmgr.Exists(domid)
}
