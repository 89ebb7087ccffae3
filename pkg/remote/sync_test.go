package remote_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/casproto"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/remote"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *blobstore.Store {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "objects"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tmp"), 0o755))
	return blobstore.New(root)
}

// commitLeafTree commits a single Directory with one file "a" and
// returns its digest, for use as a small tree fixture across tests.
func commitLeafTree(t *testing.T, store *blobstore.Store, content string) digest.Digest {
	t.Helper()
	fileDigest, err := store.AddBytes([]byte(content))
	require.NoError(t, err)

	dir := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{
			{Name: "a", Digest: fileDigest.GetProto()},
		},
	}
	encoded, err := casproto.EncodeDirectory(dir)
	require.NoError(t, err)
	rootDigest, err := store.AddBytes(encoded)
	require.NoError(t, err)
	return rootDigest
}

func TestRequiredBlobs(t *testing.T) {
	store := newTestStore(t)
	root := commitLeafTree(t, store, "hello")

	syncer := remote.NewSyncer(store, newFakeCAS())
	blobs, err := syncer.RequiredBlobs(root)
	require.NoError(t, err)
	require.Len(t, blobs, 2) // root directory + the one file
}

func TestPushDirectoryUploadsMissingBlobs(t *testing.T) {
	store := newTestStore(t)
	root := commitLeafTree(t, store, "hello")

	cas := newFakeCAS()
	syncer := remote.NewSyncer(store, cas)

	result, err := syncer.PushDirectory(context.Background(), root)
	require.NoError(t, err)
	require.False(t, result.Skipped)

	missing, err := cas.FindMissingBlobs(context.Background(), []digest.Digest{root})
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestPushDirectoryUsesIndividualWriteWhenBatchUnsupported(t *testing.T) {
	store := newTestStore(t)
	root := commitLeafTree(t, store, "hello")

	cas := newFakeCAS()
	cas.supportsBatch = false
	syncer := remote.NewSyncer(store, cas)

	result, err := syncer.PushDirectory(context.Background(), root)
	require.NoError(t, err)
	require.False(t, result.Skipped)

	missing, err := cas.FindMissingBlobs(context.Background(), []digest.Digest{root})
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestPushSkipsWhenRefAlreadyCurrent(t *testing.T) {
	store := newTestStore(t)
	root := commitLeafTree(t, store, "hello")

	cas := newFakeCAS()
	syncer := remote.NewSyncer(store, cas)

	_, err := syncer.Push(context.Background(), "main", root)
	require.NoError(t, err)

	result, err := syncer.Push(context.Background(), "main", root)
	require.NoError(t, err)
	require.True(t, result.Skipped)
}

func TestPushUpdatesRefWhenDifferent(t *testing.T) {
	store := newTestStore(t)
	rootA := commitLeafTree(t, store, "hello")
	rootB := commitLeafTree(t, store, "world")

	cas := newFakeCAS()
	syncer := remote.NewSyncer(store, cas)

	_, err := syncer.Push(context.Background(), "main", rootA)
	require.NoError(t, err)

	result, err := syncer.Push(context.Background(), "main", rootB)
	require.NoError(t, err)
	require.False(t, result.Skipped)

	got, err := cas.GetReference(context.Background(), "main")
	require.NoError(t, err)
	require.Equal(t, rootB, got)
}

// TestFindMissingBlobsManyDigests queries the fake remote with more
// digests than one FindMissingBlobs group holds; the fake itself does
// not partition, so GRPCCAS's grouping is not exercised here.
func TestFindMissingBlobsManyDigests(t *testing.T) {
	store := newTestStore(t)
	cas := newFakeCAS()

	var digests []digest.Digest
	for i := 0; i < 1200; i++ {
		d, err := store.AddBytes([]byte{byte(i), byte(i >> 8)})
		require.NoError(t, err)
		digests = append(digests, d)
	}

	missing, err := cas.FindMissingBlobs(context.Background(), digests)
	require.NoError(t, err)
	require.Len(t, missing, 1200)
}
