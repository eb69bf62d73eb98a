package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysml/registryd/rpc"
	"github.com/sysml/registryd/store"
)

func TestStoreCreateIdempotent(t *testing.T) {
	st := store.New()

	created, err := st.Create(0, 0, "/test/1")
	require.NoError(t, err)
	require.True(t, created, "first create of a missing entry")

	created, err = st.Create(0, 0, "/test/1")
	require.NoError(t, err)
	require.False(t, created, "second create of an existing entry")
}

func TestStoreCreateEmptyValue(t *testing.T) {
	st := store.New()

	created, err := st.Create(0, 0, "/test/1")
	require.NoError(t, err)
	require.True(t, created)

	val, err := st.Read(0, 0, "/test/1")
	require.NoError(t, err)
	assert.Empty(t, val, "a new entry carries an empty value")
}

func TestStoreCreateExistingKeepsValue(t *testing.T) {
	st := store.New()

	require.NoError(t, st.Update(0, 0, "/test/1", []byte("v1")))

	created, err := st.Create(0, 0, "/test/1")
	require.NoError(t, err)
	require.False(t, created)

	val, err := st.Read(0, 0, "/test/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val, "create must not change an existing value")
}

func TestStoreReadNonExistent(t *testing.T) {
	st := store.New()
	_, err := st.Read(0, 0, "/test")
	assert.Equal(t, rpc.ENOENT, err)
}

func TestStoreUpdateRead(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Update(0, 0, "/test/1", []byte("v1")))
	val, err := st.Read(0, 0, "/test/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)
}

func TestStoreDelete(t *testing.T) {
	st := store.New()
	_, err := st.Create(0, 0, "/test/1")
	require.NoError(t, err)

	require.NoError(t, st.Delete(0, 0, "/test/1"))

	_, err = st.Read(0, 0, "/test/1")
	assert.Equal(t, rpc.ENOENT, err)

	children, err := st.Children(0, 0, "/test")
	require.NoError(t, err)
	assert.Empty(t, children, "parent loses the deleted segment")
}

func TestStoreDeleteSubtree(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Update(0, 0, "/a/b/c", []byte("x")))
	require.NoError(t, st.Update(0, 0, "/a/b/d", []byte("y")))

	require.NoError(t, st.Delete(0, 0, "/a"))

	for _, p := range []string{"/a", "/a/b", "/a/b/c", "/a/b/d"} {
		_, err := st.Read(0, 0, p)
		assert.Equal(t, rpc.ENOENT, err, p)
	}
}

func TestStoreDeleteRootRejected(t *testing.T) {
	st := store.New()
	assert.Equal(t, rpc.EINVAL, st.Delete(0, 0, "/"))
}

func TestStoreDeleteNonExistent(t *testing.T) {
	st := store.New()
	assert.Equal(t, rpc.ENOENT, st.Delete(0, 0, "/missing"))
}

func TestStoreAncestorsCreated(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Update(0, 0, "/a/b/c", []byte("x")))

	val, err := st.Read(0, 0, "/a")
	require.NoError(t, err)
	assert.Empty(t, val)

	children, err := st.Children(0, 0, "/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, children)

	children, err = st.Children(0, 0, "/")
	require.NoError(t, err)
	assert.Contains(t, children, "a")
}

func TestStorePathValidation(t *testing.T) {
	st := store.New()
	for _, p := range []string{"", "relative", "/a//b", "/a/../b", "/a/./b", "/a/"} {
		_, err := st.Read(0, 0, p)
		assert.Equal(t, rpc.EINVAL, err, "path %q", p)
	}
}

func TestStoreDefaultPerms(t *testing.T) {
	st := store.New()
	perms, err := st.GetPerms(0, 0, "/")
	require.NoError(t, err)
	assert.Equal(t, []rpc.Perm{{Dom: 0}}, perms)
}

func TestStoreSetGetPerms(t *testing.T) {
	st := store.New()
	_, err := st.Create(0, 0, "/test")
	require.NoError(t, err)

	want := []rpc.Perm{{Dom: 1}, {Dom: 2, Read: true}}
	require.NoError(t, st.SetPerms(0, 0, "/test", want))

	got, err := st.GetPerms(0, 0, "/test")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStoreSetPermsEmptyList(t *testing.T) {
	st := store.New()
	_, err := st.Create(0, 0, "/test")
	require.NoError(t, err)
	assert.Equal(t, rpc.EINVAL, st.SetPerms(0, 0, "/test", nil))
}

func TestStorePermsInherited(t *testing.T) {
	st := store.New()
	_, err := st.Create(0, 0, "/test")
	require.NoError(t, err)
	require.NoError(t, st.SetPerms(0, 0, "/test",
		[]rpc.Perm{{Dom: 0}, {Dom: 2, Read: true, Write: true}}))

	// Domain 2 creates a child; it owns it, refinements carry over.
	_, err = st.Create(2, 0, "/test/sub")
	require.NoError(t, err)
	perms, err := st.GetPerms(2, 0, "/test/sub")
	require.NoError(t, err)
	assert.Equal(t, []rpc.Perm{{Dom: 2}, {Dom: 2, Read: true, Write: true}}, perms)
}

func TestStorePermissionEnforcement(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Update(0, 0, "/guarded", []byte("secret")))

	// Default entry denies everything to non-owners.
	_, err := st.Read(7, 0, "/guarded")
	assert.Equal(t, rpc.EACCES, err)
	assert.Equal(t, rpc.EACCES, st.Update(7, 0, "/guarded", []byte("x")))

	require.NoError(t, st.SetPerms(0, 0, "/guarded",
		[]rpc.Perm{{Dom: 0}, {Dom: 7, Read: true}}))
	val, err := st.Read(7, 0, "/guarded")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), val)
	assert.Equal(t, rpc.EACCES, st.Update(7, 0, "/guarded", []byte("x")))

	// The control domain always passes.
	_, err = st.Read(0, 0, "/guarded")
	assert.NoError(t, err)
}

func TestStoreNonConflictingTransactions(t *testing.T) {
	st := store.New()
	_, err := st.Create(0, 0, "/test")
	require.NoError(t, err)

	tid1 := st.Branch()
	created, err := st.Create(0, tid1, "/test/1")
	require.NoError(t, err)
	require.True(t, created)

	tid2 := st.Branch()
	created, err = st.Create(0, tid2, "/test/2")
	require.NoError(t, err)
	require.True(t, created)

	ok, err := st.Commit(tid1)
	require.NoError(t, err)
	assert.True(t, ok, "disjoint write sets commit in either order")

	ok, err = st.Commit(tid2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreConflictingCreate(t *testing.T) {
	st := store.New()

	tid1 := st.Branch()
	created, err := st.Create(0, tid1, "/test")
	require.NoError(t, err)
	require.True(t, created)

	tid2 := st.Branch()
	created, err = st.Create(0, tid2, "/test")
	require.NoError(t, err)
	require.True(t, created)

	ok, err := st.Commit(tid1)
	require.NoError(t, err)
	assert.True(t, ok, "first commit wins")

	ok, err = st.Commit(tid2)
	require.NoError(t, err)
	assert.False(t, ok, "second commit conflicts on the created entry")
}

func TestStoreConflictAfterOutsideWrite(t *testing.T) {
	st := store.New()
	tid := st.Branch()

	require.NoError(t, st.Update(0, 0, "/test", []byte("v1")))

	val, err := st.Read(0, tid, "/test")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)

	require.NoError(t, st.Update(0, 0, "/test", []byte("v2")))

	val, err = st.Read(0, 0, "/test")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val, "outside view moved on")

	val, err = st.Read(0, tid, "/test")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val, "transaction view is stable")

	ok, err := st.Commit(tid)
	require.NoError(t, err)
	assert.False(t, ok, "observed path changed since branch")
}

func TestStoreTransactionIsolation(t *testing.T) {
	st := store.New()
	tid := st.Branch()

	require.NoError(t, st.Update(0, tid, "/iso", []byte("in-tx")))

	_, err := st.Read(0, 0, "/iso")
	assert.Equal(t, rpc.ENOENT, err, "uncommitted writes stay private")

	ok, err := st.Commit(tid)
	require.NoError(t, err)
	require.True(t, ok)

	val, err := st.Read(0, 0, "/iso")
	require.NoError(t, err)
	assert.Equal(t, []byte("in-tx"), val)
}

func TestStoreAbortNoEffect(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Update(0, 0, "/keep", []byte("v")))
	gen := st.Gen()

	tid := st.Branch()
	require.NoError(t, st.Update(0, tid, "/keep", []byte("changed")))
	require.NoError(t, st.Update(0, tid, "/new", []byte("x")))
	require.NoError(t, st.Abort(tid))

	val, err := st.Read(0, 0, "/keep")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	_, err = st.Read(0, 0, "/new")
	assert.Equal(t, rpc.ENOENT, err)
	assert.Equal(t, gen, st.Gen(), "abort leaves the generation untouched")
}

func TestStoreReadOnlyTransaction(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Update(0, 0, "/r", []byte("v")))

	tid := st.Branch()
	_, err := st.Read(0, tid, "/r")
	require.NoError(t, err)
	ok, err := st.Commit(tid)
	require.NoError(t, err)
	assert.True(t, ok, "read-only transaction with no outside change")

	tid = st.Branch()
	_, err = st.Read(0, tid, "/r")
	require.NoError(t, err)
	require.NoError(t, st.Update(0, 0, "/r", []byte("v2")))
	ok, err = st.Commit(tid)
	require.NoError(t, err)
	assert.False(t, ok, "read-only transaction after outside change")
}

func TestStoreTransactionDeleteSubtree(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Update(0, 0, "/a/b/c", []byte("x")))

	tid := st.Branch()
	require.NoError(t, st.Delete(0, tid, "/a"))

	_, err := st.Read(0, tid, "/a/b/c")
	assert.Equal(t, rpc.ENOENT, err, "subtree gone inside the transaction")
	_, err = st.Read(0, 0, "/a/b/c")
	assert.NoError(t, err, "still visible outside")

	ok, err := st.Commit(tid)
	require.NoError(t, err)
	require.True(t, ok)

	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		_, err := st.Read(0, 0, p)
		assert.Equal(t, rpc.ENOENT, err, p)
	}
}

func TestStoreTransactionChildren(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Update(0, 0, "/d/x", nil))

	tid := st.Branch()
	require.NoError(t, st.Update(0, tid, "/d/y", nil))
	require.NoError(t, st.Delete(0, tid, "/d/x"))

	children, err := st.Children(0, tid, "/d")
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, children)

	children, err = st.Children(0, 0, "/d")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, children)
}

func TestStoreUnknownTransaction(t *testing.T) {
	st := store.New()
	_, err := st.Read(0, 99, "/")
	assert.Equal(t, rpc.EINVAL, err)
	_, err = st.Commit(99)
	assert.Equal(t, rpc.EINVAL, err)
	assert.Equal(t, rpc.EINVAL, st.Abort(99))
}

func TestStoreTransactionIDsNotReused(t *testing.T) {
	st := store.New()
	seen := make(map[uint32]bool)
	for i := 0; i < 10; i++ {
		tid := st.Branch()
		require.False(t, seen[tid], "transaction id reused")
		seen[tid] = true
		if i%2 == 0 {
			_, err := st.Commit(tid)
			require.NoError(t, err)
		} else {
			require.NoError(t, st.Abort(tid))
		}
	}
}

func TestStoreValueTooLarge(t *testing.T) {
	st := store.New()
	exact := make([]byte, rpc.PayloadMax)
	require.NoError(t, st.Update(0, 0, "/big", exact))
	over := make([]byte, rpc.PayloadMax+1)
	assert.Equal(t, rpc.ENOSPC, st.Update(0, 0, "/big", over))
}
