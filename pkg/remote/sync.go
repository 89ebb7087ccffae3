package remote

import (
	"bytes"
	"context"
	"io"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/casproto"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/util"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// batchGroupMaxItems bounds the number of blobs accumulated into one
// push batch (BatchUpdateBlobs) before it is flushed, independent of
// the byte-size bound advertised by the server.
const batchGroupMaxItems = 256

// Syncer drives push/pull of committed trees between a local
// BlobStore and a remote CAS server, grounded on spec.md §4.9.
type Syncer struct {
	store *blobstore.Store
	cas   CAS
}

// NewSyncer creates a Syncer over the given local store and remote
// CAS client.
func NewSyncer(store *blobstore.Store, cas CAS) *Syncer {
	return &Syncer{store: store, cas: cas}
}

// decodeDirectory reads and decodes the Directory blob at d from the
// local store.
func (s *Syncer) decodeDirectory(d digest.Digest) (*remoteexecution.Directory, error) {
	f, err := s.store.Open(d)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, util.StorageIOFailed(err, "Failed to stat directory blob")
	}
	data := make([]byte, info.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, util.StorageIOFailed(err, "Failed to read directory blob")
	}
	return casproto.DecodeDirectory(data)
}

// RequiredBlobs yields the root digest followed by every digest
// required to reconstruct the tree rooted at it: the digest of every
// file, and (recursively) every child Directory. Yields may contain
// duplicates; callers are expected to deduplicate (spec.md §4.9).
func (s *Syncer) RequiredBlobs(root digest.Digest) ([]digest.Digest, error) {
	var out []digest.Digest
	if err := s.requiredBlobsInto(root, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Syncer) requiredBlobsInto(root digest.Digest, out *[]digest.Digest) error {
	*out = append(*out, root)
	dir, err := s.decodeDirectory(root)
	if err != nil {
		return err
	}
	for _, file := range dir.Files {
		d, err := digest.NewDigestFromProto(file.Digest)
		if err != nil {
			return err
		}
		*out = append(*out, d)
	}
	for _, child := range dir.Directories {
		d, err := digest.NewDigestFromProto(child.Digest)
		if err != nil {
			return err
		}
		if err := s.requiredBlobsInto(d, out); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(digests []digest.Digest) []digest.Digest {
	seen := map[string]struct{}{}
	out := make([]digest.Digest, 0, len(digests))
	for _, d := range digests {
		if _, ok := seen[d.Key()]; ok {
			continue
		}
		seen[d.Key()] = struct{}{}
		out = append(out, d)
	}
	return out
}

// PushResult reports the outcome of a push.
type PushResult struct {
	// Skipped is true when the push was a no-op (ref already at the
	// target digest on the server) or when the server reported
	// RESOURCE_EXHAUSTED, per spec.md §4.9.
	Skipped bool
}

// Push uploads the tree rooted at root and then updates key on the
// remote server to point at it.
func (s *Syncer) Push(ctx context.Context, key string, root digest.Digest) (PushResult, error) {
	remoteDigest, err := s.cas.GetReference(ctx, key)
	if err == nil && remoteDigest == root {
		return PushResult{Skipped: true}, nil
	}
	if err != nil && status.Code(err) != codes.NotFound {
		return PushResult{}, util.StatusWrapWithCode(err, util.PushFailedCode, "Failed to resolve remote reference")
	}

	if result, err := s.PushDirectory(ctx, root); err != nil || result.Skipped {
		return result, err
	}

	if err := s.cas.UpdateReference(ctx, []string{key}, root); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return PushResult{Skipped: true}, nil
		}
		return PushResult{}, util.StatusWrapWithCode(err, util.PushFailedCode, "Failed to update remote reference")
	}
	return PushResult{}, nil
}

// PushDirectory uploads every blob required to reconstruct the tree
// rooted at root, without touching any ref. A fresh required-blob
// enumeration is performed on every call: unlike the cache this was
// ported from, nothing here is memoized across calls, so there is no
// risk of staleness.
func (s *Syncer) PushDirectory(ctx context.Context, root digest.Digest) (PushResult, error) {
	allBlobs, err := s.RequiredBlobs(root)
	if err != nil {
		return PushResult{}, err
	}
	required := dedupe(allBlobs)

	missing, err := s.cas.FindMissingBlobs(ctx, required)
	if err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return PushResult{Skipped: true}, nil
		}
		return PushResult{}, util.StatusWrapWithCode(err, util.PushFailedCode, "Failed to query missing blobs")
	}

	supportsBatch, maxBatchTotalSizeBytes, err := s.cas.SupportsBatch(ctx)
	if err != nil {
		return PushResult{}, util.StatusWrapWithCode(err, util.PushFailedCode, "Failed to query server capabilities")
	}

	batch := map[digest.Digest][]byte{}
	var batchBytes int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.cas.BatchUpdateBlobs(ctx, batch); err != nil {
			if status.Code(err) == codes.ResourceExhausted {
				return errResourceExhausted
			}
			return err
		}
		batch = map[digest.Digest][]byte{}
		batchBytes = 0
		return nil
	}

	for _, d := range missing {
		data, err := s.readWholeBlob(d)
		if err != nil {
			return PushResult{}, err
		}

		if !supportsBatch || d.GetSizeBytes() >= maxBatchTotalSizeBytes {
			if err := s.cas.WriteBlob(ctx, d, bytes.NewReader(data)); err != nil {
				if status.Code(err) == codes.ResourceExhausted {
					return PushResult{Skipped: true}, nil
				}
				return PushResult{}, util.StatusWrapWithCode(err, util.PushFailedCode, "Failed to upload blob")
			}
			continue
		}

		if batchBytes+d.GetSizeBytes() > maxBatchTotalSizeBytes || len(batch) >= batchGroupMaxItems {
			if err := flush(); err != nil {
				if err == errResourceExhausted {
					return PushResult{Skipped: true}, nil
				}
				return PushResult{}, util.StatusWrapWithCode(err, util.PushFailedCode, "Failed to upload blob batch")
			}
		}
		batch[d] = data
		batchBytes += d.GetSizeBytes()
	}
	if err := flush(); err != nil {
		if err == errResourceExhausted {
			return PushResult{Skipped: true}, nil
		}
		return PushResult{}, util.StatusWrapWithCode(err, util.PushFailedCode, "Failed to upload blob batch")
	}

	return PushResult{}, nil
}

var errResourceExhausted = status.Error(codes.ResourceExhausted, "resource exhausted")

func (s *Syncer) readWholeBlob(d digest.Digest) ([]byte, error) {
	f, err := s.store.Open(d)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, util.StorageIOFailed(err, "Failed to stat blob")
	}
	data := make([]byte, info.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, util.StorageIOFailed(err, "Failed to read blob")
	}
	return data, nil
}
