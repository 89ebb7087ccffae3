package cascache_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/buildstream/cascache/pkg/cascache"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/remote"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeCAS is a small hand-written stand-in for remote.CAS used to
// exercise the facade's Push/Pull wiring end to end, independent of
// the lower-level remote package tests.
type fakeCAS struct {
	mu    sync.Mutex
	refs  map[string]digest.Digest
	blobs map[digest.Digest][]byte
}

func newFakeCAS() *fakeCAS {
	return &fakeCAS{refs: map[string]digest.Digest{}, blobs: map[digest.Digest][]byte{}}
}

func (f *fakeCAS) GetReference(ctx context.Context, key string) (digest.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.refs[key]
	if !ok {
		return digest.BadDigest, status.Errorf(codes.NotFound, "ref not found: %s", key)
	}
	return d, nil
}

func (f *fakeCAS) UpdateReference(ctx context.Context, keys []string, d digest.Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		f.refs[key] = d
	}
	return nil
}

func (f *fakeCAS) FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var missing []digest.Digest
	for _, d := range digests {
		if _, ok := f.blobs[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (f *fakeCAS) SupportsBatch(ctx context.Context) (bool, int64, error) {
	return true, 4 * 1024 * 1024, nil
}

func (f *fakeCAS) BatchUpdateBlobs(ctx context.Context, blobs map[digest.Digest][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for d, data := range blobs {
		f.blobs[d] = data
	}
	return nil
}

func (f *fakeCAS) BatchReadBlobs(ctx context.Context, digests []digest.Digest) (map[digest.Digest][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[digest.Digest][]byte, len(digests))
	for _, d := range digests {
		data, ok := f.blobs[d]
		if !ok {
			return nil, status.Errorf(codes.NotFound, "blob not found: %s", d)
		}
		result[d] = data
	}
	return result, nil
}

func (f *fakeCAS) ReadBlob(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	f.mu.Lock()
	data, ok := f.blobs[d]
	f.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "blob not found: %s", d)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeCAS) WriteBlob(ctx context.Context, d digest.Digest, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[d] = data
	return nil
}

var _ remote.CAS = (*fakeCAS)(nil)

// TestPushThenPullRoundTrip pushes a committed tree from one Cache to
// a fake remote, then pulls it into a second, independent Cache.
func TestPushThenPullRoundTrip(t *testing.T) {
	cas := newFakeCAS()

	source, err := cascache.Open(t.TempDir())
	require.NoError(t, err)

	src := t.TempDir()
	writeTestTree(t, src)
	root, err := source.Commit([]string{"r1"}, src)
	require.NoError(t, err)

	_, err = source.Push(context.Background(), cas, []string{"r1"})
	require.NoError(t, err)

	dest, err := cascache.Open(t.TempDir())
	require.NoError(t, err)

	found, err := dest.Pull(context.Background(), cas, "r1", nil)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, dest.Contains(root))

	destParent := t.TempDir()
	final, err := dest.Extract("r1", destParent, "")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(final, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))
}

// TestPushIdempotent is property P5: pushing the same ref twice issues
// no further uploads on the second call.
func TestPushIdempotent(t *testing.T) {
	cas := newFakeCAS()

	source, err := cascache.Open(t.TempDir())
	require.NoError(t, err)
	src := t.TempDir()
	writeTestTree(t, src)
	_, err = source.Commit([]string{"r1"}, src)
	require.NoError(t, err)

	results, err := source.Push(context.Background(), cas, []string{"r1"})
	require.NoError(t, err)
	require.False(t, results[0].Skipped)

	results, err = source.Push(context.Background(), cas, []string{"r1"})
	require.NoError(t, err)
	require.True(t, results[0].Skipped)
}

// TestPullSubsetThenComplete is scenario S5: a pull with
// excluded_subdirs leaves a dangling reference that a subsequent
// unrestricted pull completes.
func TestPullSubsetThenComplete(t *testing.T) {
	cas := newFakeCAS()

	source, err := cascache.Open(t.TempDir())
	require.NoError(t, err)
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "include"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "include", "x.txt"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "y.txt"), []byte("y"), 0644))
	_, err = source.Commit([]string{"r1"}, src)
	require.NoError(t, err)
	_, err = source.Push(context.Background(), cas, []string{"r1"})
	require.NoError(t, err)

	dest, err := cascache.Open(t.TempDir())
	require.NoError(t, err)

	found, err := dest.Pull(context.Background(), cas, "r1", map[string]struct{}{"lib": {}})
	require.NoError(t, err)
	require.True(t, found)

	destParent := t.TempDir()
	final, err := dest.Extract("r1", destParent, "")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(final, "lib"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(final, "include", "x.txt"))
	require.NoError(t, err)

	found, err = dest.Pull(context.Background(), cas, "r1", nil)
	require.NoError(t, err)
	require.True(t, found)

	destParent2 := t.TempDir()
	final2, err := dest.Extract("r1", destParent2, "")
	require.NoError(t, err)
	_, err = os.ReadFile(filepath.Join(final2, "lib", "y.txt"))
	require.NoError(t, err)
}
