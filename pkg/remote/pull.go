package remote

import (
	"context"
	"errors"
	"io"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildstream/cascache/pkg/casproto"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/refs"
	"github.com/buildstream/cascache/pkg/util"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// Pull implements the state machine of spec.md §4.9: resolve key on
// the remote server, and if found, fetch its tree into the local
// store and record it under key in index. A NOT_FOUND reference or a
// BlobNotFound during fetch both yield found=false without error;
// other RPC errors are reported as PullFailed.
func (s *Syncer) Pull(ctx context.Context, index *refs.Index, key string, excludedSubdirs map[string]struct{}) (bool, error) {
	root, err := s.cas.GetReference(ctx, key)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, util.StatusWrapWithCode(err, util.PullFailedCode, "Failed to resolve remote reference")
	}

	if err := s.fetchDirectory(ctx, root, excludedSubdirs); err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, util.StatusWrapWithCode(err, util.PullFailedCode, "Failed to fetch tree")
	}

	if err := index.SetRef(key, root); err != nil {
		return false, err
	}
	return true, nil
}

// fetchDirectory implements the look-ahead batching recursive fetch
// of spec.md §4.9: directories whose blob is already local (ready) are
// walked immediately; directories whose blob is part of the current
// in-flight batch (deferred) wait until the batch is flushed.
func (s *Syncer) fetchDirectory(ctx context.Context, root digest.Digest, excludedSubdirs map[string]struct{}) error {
	ready := []digest.Digest{root}
	var deferred []digest.Digest
	batch := map[digest.Digest]struct{}{}
	var batchBytes int64

	supportsBatch, maxBatchTotalSizeBytes, err := s.cas.SupportsBatch(ctx)
	if err != nil {
		return err
	}

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		digests := make([]digest.Digest, 0, len(batch))
		for d := range batch {
			digests = append(digests, d)
		}
		blobs, err := s.cas.BatchReadBlobs(ctx, digests)
		if err != nil {
			return err
		}
		for d, data := range blobs {
			if err := s.ingestFetchedBlob(d, data); err != nil {
				return err
			}
		}
		batch = map[digest.Digest]struct{}{}
		batchBytes = 0
		ready = append(ready, deferred...)
		deferred = nil
		return nil
	}

	for isRootLevel := true; len(ready) > 0 || len(deferred) > 0; isRootLevel = false {
		if len(ready) == 0 {
			if err := flush(); err != nil {
				return err
			}
		}

		d := ready[0]
		ready = ready[1:]

		if !s.storeContains(d) {
			// Deferred entries are only ever pushed when their blob
			// is known to be in the in-flight batch; a directory
			// appearing in ready without being local yet means it
			// must be fetched individually first.
			data, err := s.readRemoteBlob(ctx, d)
			if err != nil {
				return err
			}
			if err := s.ingestFetchedBlob(d, data); err != nil {
				return err
			}
		}

		dir, err := s.decodeDirectory(d)
		if err != nil {
			return err
		}

		for _, file := range dir.Files {
			fd, err := digest.NewDigestFromProto(file.Digest)
			if err != nil {
				return err
			}
			if err := s.scheduleBlob(ctx, fd, supportsBatch, maxBatchTotalSizeBytes, batch, &batchBytes, &flush); err != nil {
				return err
			}
		}

		for _, child := range dir.Directories {
			if isRootLevel {
				if _, excluded := excludedSubdirs[child.Name]; excluded {
					continue
				}
			}
			cd, err := digest.NewDigestFromProto(child.Digest)
			if err != nil {
				return err
			}
			if s.storeContains(cd) {
				ready = append(ready, cd)
				continue
			}
			if !supportsBatch || cd.GetSizeBytes() >= maxBatchTotalSizeBytes {
				data, err := s.readRemoteBlob(ctx, cd)
				if err != nil {
					return err
				}
				if err := s.ingestFetchedBlob(cd, data); err != nil {
					return err
				}
				ready = append(ready, cd)
				continue
			}
			if batchBytes+cd.GetSizeBytes() > maxBatchTotalSizeBytes {
				if err := flush(); err != nil {
					return err
				}
			}
			batch[cd] = struct{}{}
			batchBytes += cd.GetSizeBytes()
			deferred = append(deferred, cd)
		}
	}

	return flush()
}

// scheduleBlob implements _fetch_directory_node for a file digest: if
// already local, nothing to do; if oversized or batching is
// unsupported, fetch immediately; otherwise accumulate into batch.
func (s *Syncer) scheduleBlob(ctx context.Context, d digest.Digest, supportsBatch bool, maxBatchTotalSizeBytes int64, batch map[digest.Digest]struct{}, batchBytes *int64, flush *func() error) error {
	if s.storeContains(d) {
		return nil
	}
	if !supportsBatch || d.GetSizeBytes() >= maxBatchTotalSizeBytes {
		data, err := s.readRemoteBlob(ctx, d)
		if err != nil {
			return err
		}
		return s.ingestFetchedBlob(d, data)
	}
	if *batchBytes+d.GetSizeBytes() > maxBatchTotalSizeBytes {
		if err := (*flush)(); err != nil {
			return err
		}
	}
	batch[d] = struct{}{}
	*batchBytes += d.GetSizeBytes()
	return nil
}

func (s *Syncer) storeContains(d digest.Digest) bool {
	return s.store.Contains(d)
}

func (s *Syncer) readRemoteBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	r, err := s.cas.ReadBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data := make([]byte, 0, d.GetSizeBytes())
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}
	return data, nil
}

func (s *Syncer) ingestFetchedBlob(d digest.Digest, data []byte) error {
	got, err := s.store.AddBytes(data)
	if err != nil {
		return err
	}
	if got != d {
		return status.Errorf(codes.DataLoss, "Fetched blob digest mismatch: expected %s, got %s", d, got)
	}
	return nil
}

// PullTree implements spec.md §4.9's pull-tree operation: fetch a
// REv2 Tree message (root + flattened children), ingest every
// referenced file blob, then ingest every child Directory (including
// root) into the BlobStore in an order that guarantees no dangling
// references are ever visible (children stored before parent).
func (s *Syncer) PullTree(ctx context.Context, root digest.Digest) (digest.Digest, error) {
	data, err := s.readRemoteBlob(ctx, root)
	if err != nil {
		return digest.BadDigest, util.StatusWrapWithCode(err, util.PullFailedCode, "Failed to fetch tree")
	}

	tree, err := decodeTree(data)
	if err != nil {
		return digest.BadDigest, err
	}

	// The root Directory's own files need fetching too, not just its
	// children's (cascache.py's _fetch_tree extends children with the
	// root before this loop).
	dirs := append([]*remoteexecution.Directory{tree.root}, tree.children...)
	for _, dir := range dirs {
		for _, file := range dir.Files {
			fd, err := digest.NewDigestFromProto(file.Digest)
			if err != nil {
				return digest.BadDigest, err
			}
			if s.store.Contains(fd) {
				continue
			}
			blobData, err := s.readRemoteBlob(ctx, fd)
			if err != nil {
				return digest.BadDigest, util.StatusWrapWithCode(err, util.PullFailedCode, "Failed to fetch tree file blob")
			}
			if err := s.ingestFetchedBlob(fd, blobData); err != nil {
				return digest.BadDigest, err
			}
		}
	}

	for i := len(tree.children) - 1; i >= 0; i-- {
		encoded, err := casproto.EncodeDirectory(tree.children[i])
		if err != nil {
			return digest.BadDigest, err
		}
		if _, err := s.store.AddBytes(encoded); err != nil {
			return digest.BadDigest, err
		}
	}

	rootEncoded, err := casproto.EncodeDirectory(tree.root)
	if err != nil {
		return digest.BadDigest, err
	}
	return s.store.AddBytes(rootEncoded)
}

// decodedTree holds a parsed REv2 Tree message.
type decodedTree struct {
	root     *remoteexecution.Directory
	children []*remoteexecution.Directory
}

func decodeTree(data []byte) (*decodedTree, error) {
	t := &remoteexecution.Tree{}
	if err := proto.Unmarshal(data, t); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to unmarshal tree")
	}
	return &decodedTree{root: t.Root, children: t.Children}, nil
}
