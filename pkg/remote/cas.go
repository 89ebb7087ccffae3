// Package remote implements the client side of the external interfaces
// described in spec.md §6.2: a single-blob ByteStream transport, an
// optional batched transport, and the BuildStream-specific
// ReferenceStorage RPCs used to resolve and update refs against a
// remote CAS server. It is grounded on bb-storage's
// pkg/blobstore/grpcclients/cas_blob_access.go.
package remote

import (
	"context"
	"io"

	"github.com/buildstream/cascache/pkg/digest"
)

// CAS is the client-side surface this cache drives against a remote
// CAS/ReferenceStorage server. It is implemented by GRPCCAS in
// production and by hand-written fakes in tests (this module does not
// depend on go.uber.org/mock; see DESIGN.md).
type CAS interface {
	// GetReference resolves a ref key on the remote server. Absence is
	// reported as a NotFound status.
	GetReference(ctx context.Context, key string) (digest.Digest, error)
	// UpdateReference updates one or more ref keys on the remote
	// server to point at d.
	UpdateReference(ctx context.Context, keys []string, d digest.Digest) error
	// FindMissingBlobs reports which of the given digests the server
	// does not already hold.
	FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error)
	// SupportsBatch reports whether the server advertises batched
	// update/read support, and the maximum total size of a batch
	// request.
	SupportsBatch(ctx context.Context) (supported bool, maxBatchTotalSizeBytes int64, err error)
	// BatchUpdateBlobs uploads a set of small blobs in one RPC.
	BatchUpdateBlobs(ctx context.Context, blobs map[digest.Digest][]byte) error
	// BatchReadBlobs downloads a set of small blobs in one RPC.
	BatchReadBlobs(ctx context.Context, digests []digest.Digest) (map[digest.Digest][]byte, error)
	// ReadBlob opens a single-blob streamed read.
	ReadBlob(ctx context.Context, d digest.Digest) (io.ReadCloser, error)
	// WriteBlob uploads a single blob via a streamed write.
	WriteBlob(ctx context.Context, d digest.Digest, r io.Reader) error
}

// maxFindMissingBatchSize bounds how many digests are sent per
// FindMissingBlobs call (spec.md §4.9: "partition into groups of up to
// 512").
const maxFindMissingBatchSize = 512
