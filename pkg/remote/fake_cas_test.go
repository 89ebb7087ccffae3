package remote_test

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/util"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeCAS is a hand-written in-memory stand-in for remote.CAS, used in
// place of a generated mock (this module does not depend on
// go.uber.org/mock; see DESIGN.md).
type fakeCAS struct {
	mu sync.Mutex

	refs                   map[string]digest.Digest
	blobs                  map[digest.Digest][]byte
	maxBatchTotalSizeBytes int64
	supportsBatch          bool
}

func newFakeCAS() *fakeCAS {
	return &fakeCAS{
		refs:                   map[string]digest.Digest{},
		blobs:                  map[digest.Digest][]byte{},
		maxBatchTotalSizeBytes: 4 * 1024 * 1024,
		supportsBatch:          true,
	}
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
	return f.supportsBatch, f.maxBatchTotalSizeBytes, nil
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
		return util.StorageIOFailed(err, "fake write failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[d] = data
	return nil
}
