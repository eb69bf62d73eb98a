package domain_test

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysml/registryd/domain"
	"github.com/sysml/registryd/event"
	"github.com/sysml/registryd/rpc"
)

type fakeClients struct {
	mu      sync.Mutex
	started []uint32
	stopped []uint32
}

func (f *fakeClients) factory(t io.ReadWriteCloser, domid uint32) func() {
	f.mu.Lock()
	f.started = append(f.started, domid)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.stopped = append(f.stopped, domid)
		f.mu.Unlock()
	}
}

func (f *fakeClients) snapshot() (started, stopped []uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.started...), append([]uint32(nil), f.stopped...)
}

func newTestMgr(t *testing.T) (*domain.Mgr, *domain.Loopback, *fakeClients, *event.Mgr) {
	t.Helper()
	lb := domain.NewLoopback()
	emgr := event.NewMgr()
	go emgr.Run()
	t.Cleanup(emgr.Disable)
	fc := &fakeClients{}
	return domain.NewMgr(lb, emgr, fc.factory), lb, fc, emgr
}

func TestDomainMgrCreateDestroy(t *testing.T) {
	mgr, _, fc, _ := newTestMgr(t)

	require.NoError(t, mgr.Create(7, 3, 0))
	assert.True(t, mgr.Exists(7))
	started, _ := fc.snapshot()
	assert.Equal(t, []uint32{7}, started)

	require.NoError(t, mgr.Destroy(7))
	assert.False(t, mgr.Exists(7))

	// The stop callback is deferred through the event manager.
	require.Eventually(t, func() bool {
		_, stopped := fc.snapshot()
		return len(stopped) == 1 && stopped[0] == 7
	}, time.Second, 5*time.Millisecond)
}

func TestDomainMgrDuplicateCreate(t *testing.T) {
	mgr, _, _, _ := newTestMgr(t)
	require.NoError(t, mgr.Create(7, 3, 0))
	assert.Equal(t, rpc.EEXIST, mgr.Create(7, 3, 0))
}

func TestDomainMgrDestroyUnknown(t *testing.T) {
	mgr, _, _, _ := newTestMgr(t)
	assert.Equal(t, rpc.ENOENT, mgr.Destroy(42))
}

func TestSweeperReleasesDeadDomains(t *testing.T) {
	mgr, lb, _, _ := newTestMgr(t)
	require.NoError(t, mgr.Create(1, 3, 0))
	require.NoError(t, mgr.Create(2, 3, 0))

	var mu sync.Mutex
	var released []uint32
	release := func(domid uint32) error {
		mu.Lock()
		released = append(released, domid)
		mu.Unlock()
		return mgr.Destroy(domid)
	}

	sweeper := domain.NewSweeper(mgr, release)
	stop := make(chan struct{})
	defer close(stop)
	go sweeper.Run(stop)

	lb.SetDomainInfo(1, domain.DomInfo{Exists: false})
	sweeper.Kick()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(released) == 1 && released[0] == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, mgr.Exists(1))
	assert.True(t, mgr.Exists(2), "live domains are left alone")
}

func TestSweeperReleasesShutDownDomains(t *testing.T) {
	mgr, lb, _, _ := newTestMgr(t)
	require.NoError(t, mgr.Create(3, 3, 0))

	released := make(chan uint32, 1)
	sweeper := domain.NewSweeper(mgr, func(domid uint32) error {
		released <- domid
		return mgr.Destroy(domid)
	})
	stop := make(chan struct{})
	defer close(stop)
	go sweeper.Run(stop)

	lb.SetDomainInfo(3, domain.DomInfo{Exists: true, ShutDown: true})
	sweeper.Kick()

	select {
	case domid := <-released:
		assert.Equal(t, uint32(3), domid)
	case <-time.After(time.Second):
		t.Fatal("shut down domain not released")
	}
}
