package registry_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysml/registryd/registry"
	"github.com/sysml/registryd/rpc"
	"github.com/sysml/registryd/store"
	"github.com/sysml/registryd/watch"
)

type recorder struct {
	mu     sync.Mutex
	events []watch.Event
}

func (r *recorder) QueueEvent(ev watch.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Path
	}
	r.events = nil
	return out
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(store.New(), watch.NewMgr())
}

func TestRegistryWriteFiresWatches(t *testing.T) {
	reg := newTestRegistry(t)
	onA := &recorder{}
	onAB := &recorder{}
	onABC := &recorder{}
	require.NoError(t, reg.Watch(onA, "/a", "t1", false))
	require.NoError(t, reg.Watch(onAB, "/a/b", "t2", false))
	require.NoError(t, reg.Watch(onABC, "/a/b/c", "t3", false))
	onA.take()
	onAB.take()
	onABC.take()

	require.NoError(t, reg.Write(0, 0, "/a/b/c", []byte("x")))

	assert.NotEmpty(t, onA.take(), "ancestor watch fired")
	assert.NotEmpty(t, onAB.take())
	assert.NotEmpty(t, onABC.take())

	val, err := reg.Read(0, 0, "/a")
	require.NoError(t, err)
	assert.Empty(t, val)
	children, err := reg.Directory(0, 0, "/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, children)
}

func TestRegistryWatchSequenceOnWrite(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Mkdir(0, 0, "/d"))

	r := &recorder{}
	require.NoError(t, reg.Watch(r, "/d", "tok", false))
	assert.Equal(t, []string{"/d"}, r.take(), "initial fire on registration")

	require.NoError(t, reg.Write(0, 0, "/d/x", []byte("v")))
	assert.Equal(t, []string{"/d/x", "/d"}, r.take(),
		"the change itself, then the parent fan-out")
}

func TestRegistryMkdirFiresOnlyWhenCreated(t *testing.T) {
	reg := newTestRegistry(t)
	r := &recorder{}
	require.NoError(t, reg.Watch(r, "/d", "tok", false))
	r.take()

	require.NoError(t, reg.Mkdir(0, 0, "/d"))
	assert.NotEmpty(t, r.take(), "first mkdir fires")

	require.NoError(t, reg.Mkdir(0, 0, "/d"))
	assert.Empty(t, r.take(), "idempotent mkdir stays silent")
}

func TestRegistryWriteIdempotentStillFires(t *testing.T) {
	reg := newTestRegistry(t)
	r := &recorder{}
	require.NoError(t, reg.Watch(r, "/k", "tok", false))
	r.take()

	require.NoError(t, reg.Write(0, 0, "/k", []byte("v")))
	require.NoError(t, reg.Write(0, 0, "/k", []byte("v")))
	assert.Len(t, r.take(), 2, "equal-value writes both fire")
}

func TestRegistryRmFiresSubtreeAndAncestors(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Write(0, 0, "/a/b/c", []byte("x")))

	root := &recorder{}
	onA := &recorder{}
	onAB := &recorder{}
	onABC := &recorder{}
	require.NoError(t, reg.Watch(root, "/", "t0", false))
	require.NoError(t, reg.Watch(onA, "/a", "t1", false))
	require.NoError(t, reg.Watch(onAB, "/a/b", "t2", false))
	require.NoError(t, reg.Watch(onABC, "/a/b/c", "t3", false))
	root.take()
	onA.take()
	onAB.take()
	onABC.take()

	require.NoError(t, reg.Rm(0, 0, "/a"))

	assert.NotEmpty(t, root.take(), "ancestor of the deleted path")
	assert.NotEmpty(t, onA.take())
	assert.NotEmpty(t, onAB.take(), "descendant watches fire on delete")
	assert.NotEmpty(t, onABC.take())
}

func TestRegistryTransactionWatchDeferred(t *testing.T) {
	reg := newTestRegistry(t)
	r := &recorder{}
	require.NoError(t, reg.Watch(r, "/k", "tok", false))
	r.take()

	tid := reg.TransactionStart(0)
	require.NoError(t, reg.Write(0, tid, "/k", []byte("1")))
	assert.Empty(t, r.take(), "no events while the transaction is open")

	require.NoError(t, reg.TransactionEnd(0, tid, true))
	assert.Contains(t, r.take(), "/k", "events flush on commit")
}

func TestRegistryTransactionAbortSilent(t *testing.T) {
	reg := newTestRegistry(t)
	r := &recorder{}
	require.NoError(t, reg.Watch(r, "/k", "tok", false))
	r.take()

	tid := reg.TransactionStart(0)
	require.NoError(t, reg.Write(0, tid, "/k", []byte("1")))
	require.NoError(t, reg.TransactionEnd(0, tid, false))
	assert.Empty(t, r.take())

	_, err := reg.Read(0, 0, "/k")
	assert.Equal(t, rpc.ENOENT, err)
}

func TestRegistryCommitConflictEAGAIN(t *testing.T) {
	reg := newTestRegistry(t)

	t1 := reg.TransactionStart(0)
	require.NoError(t, reg.Write(0, t1, "/k", []byte("1")))
	t2 := reg.TransactionStart(0)
	require.NoError(t, reg.Write(0, t2, "/k", []byte("2")))

	require.NoError(t, reg.TransactionEnd(0, t1, true))
	assert.Equal(t, rpc.EAGAIN, reg.TransactionEnd(0, t2, true))

	val, err := reg.Read(0, 0, "/k")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val, "the first committer wins")
}

func TestRegistryConflictedCommitFiresNothing(t *testing.T) {
	reg := newTestRegistry(t)
	r := &recorder{}
	require.NoError(t, reg.Watch(r, "/k", "tok", false))
	r.take()

	tid := reg.TransactionStart(0)
	require.NoError(t, reg.Write(0, tid, "/k", []byte("stale")))
	require.NoError(t, reg.Write(0, 0, "/k", []byte("fresh")))
	r.take() // the direct write's events

	assert.Equal(t, rpc.EAGAIN, reg.TransactionEnd(0, tid, true))
	assert.Empty(t, r.take(), "a refused commit delivers no deferred events")
}

func TestRegistryWatchBadPath(t *testing.T) {
	reg := newTestRegistry(t)
	r := &recorder{}
	assert.Equal(t, rpc.EINVAL, reg.Watch(r, "not-absolute", "tok", false))
	require.NoError(t, reg.Watch(r, "@releaseDomain", "tok", false))
}

type fakeDomainMgr struct {
	mu   sync.Mutex
	doms map[uint32]bool
	fail error
}

func newFakeDomainMgr() *fakeDomainMgr {
	return &fakeDomainMgr{doms: make(map[uint32]bool)}
}

func (f *fakeDomainMgr) Create(domid, port, ref uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.doms[domid] {
		return rpc.EEXIST
	}
	f.doms[domid] = true
	return nil
}

func (f *fakeDomainMgr) Destroy(domid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.doms[domid] {
		return rpc.ENOENT
	}
	delete(f.doms, domid)
	return nil
}

func (f *fakeDomainMgr) Exists(domid uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doms[domid]
}

func TestRegistryIntroduceRelease(t *testing.T) {
	reg := newTestRegistry(t)
	dmgr := newFakeDomainMgr()
	reg.SetDomainMgr(dmgr)

	intro := &recorder{}
	rel := &recorder{}
	require.NoError(t, reg.Watch(intro, "@introduceDomain", "ti", false))
	require.NoError(t, reg.Watch(rel, "@releaseDomain", "tr", false))
	intro.take()
	rel.take()

	require.NoError(t, reg.IntroduceDomain(7, 0, 1))
	assert.Equal(t, []string{"@introduceDomain"}, intro.take())
	assert.Empty(t, rel.take(), "introduce never fires the release sentinel")
	assert.True(t, reg.DomainIntroduced(7))

	require.NoError(t, reg.ReleaseDomain(7))
	assert.Equal(t, []string{"@releaseDomain"}, rel.take())
	assert.Empty(t, intro.take())
	assert.False(t, reg.DomainIntroduced(7))
}

func TestRegistryIntroduceFailureFiresNothing(t *testing.T) {
	reg := newTestRegistry(t)
	dmgr := newFakeDomainMgr()
	dmgr.fail = rpc.EIO
	reg.SetDomainMgr(dmgr)

	intro := &recorder{}
	require.NoError(t, reg.Watch(intro, "@introduceDomain", "ti", false))
	intro.take()

	assert.Equal(t, rpc.EIO, reg.IntroduceDomain(7, 0, 1))
	assert.Empty(t, intro.take())
}

func TestRegistryDomainOpsWithoutManager(t *testing.T) {
	reg := newTestRegistry(t)
	assert.Equal(t, rpc.ENOSYS, reg.IntroduceDomain(7, 0, 1))
	assert.Equal(t, rpc.ENOSYS, reg.ReleaseDomain(7))
	assert.False(t, reg.DomainIntroduced(7))
}

func TestRegistryDomainPath(t *testing.T) {
	assert.Equal(t, "/local/domain/7", registry.DomainPath(7))
	assert.Equal(t, "/local/domain/0", registry.DomainPath(0))
}
