package refs_test

import (
	"testing"
	"time"

	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/refs"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestSetAndResolveRef(t *testing.T) {
	idx := refs.New(t.TempDir())
	d := digest.MustNewDigest("8b1a9953c4611296a827abf8c47804d7d02e86f3fa68f1e8c1a9a0e2e9f0e420", 10)

	require.NoError(t, idx.SetRef("r1", d))
	got, err := idx.ResolveRef("r1", false)
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestResolveRefNotFound(t *testing.T) {
	idx := refs.New(t.TempDir())
	_, err := idx.ResolveRef("missing", false)
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestListRefsOrderedByMtime(t *testing.T) {
	idx := refs.New(t.TempDir())
	d := digest.MustNewDigest("8b1a9953c4611296a827abf8c47804d7d02e86f3fa68f1e8c1a9a0e2e9f0e420", 10)

	require.NoError(t, idx.SetRef("first", d))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, idx.SetRef("second", d))

	keys, err := idx.ListRefs()
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, keys)

	// Touching "first" should move it to the end.
	_, err = idx.ResolveRef("first", true)
	require.NoError(t, err)
	keys, err = idx.ListRefs()
	require.NoError(t, err)
	require.Equal(t, []string{"second", "first"}, keys)
}

func TestRemoveRef(t *testing.T) {
	idx := refs.New(t.TempDir())
	d := digest.MustNewDigest("8b1a9953c4611296a827abf8c47804d7d02e86f3fa68f1e8c1a9a0e2e9f0e420", 10)
	require.NoError(t, idx.SetRef("r1", d))
	require.NoError(t, idx.Remove("r1"))
	_, err := idx.ResolveRef("r1", false)
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestCleanUpRefsUntil(t *testing.T) {
	idx := refs.New(t.TempDir())
	d := digest.MustNewDigest("8b1a9953c4611296a827abf8c47804d7d02e86f3fa68f1e8c1a9a0e2e9f0e420", 10)
	require.NoError(t, idx.SetRef("old", d))
	cutoff := time.Now().Add(time.Second)
	require.NoError(t, idx.CleanUpRefsUntil(cutoff))

	_, err := idx.ResolveRef("old", false)
	require.Equal(t, codes.NotFound, status.Code(err))
}
