package util

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// This cache identifies errors by gRPC status code plus message,
// mirroring bb-storage's convention of never introducing bespoke error
// types. The constructors below pin each named error kind from the
// cache's error taxonomy to a single code, so that callers can use
// status.Code(err) to distinguish them.
const (
	// StorageIOFailedCode marks an unexpected OS error during
	// add/link/rename/unlink of a cache object.
	StorageIOFailedCode = codes.Internal
	// RefNotFoundCode marks a missing ref file.
	RefNotFoundCode = codes.NotFound
	// SubdirNotFoundCode marks a path walk into a tree that failed to
	// resolve.
	SubdirNotFoundCode = codes.NotFound
	// UnsupportedFileTypeCode marks an attempt to ingest a device,
	// FIFO, or other non-cacheable file type.
	UnsupportedFileTypeCode = codes.InvalidArgument
	// ExtractionFailedCode marks an OS error encountered while
	// checking out a tree, other than a losing rename race.
	ExtractionFailedCode = codes.Internal
	// BlobNotFoundCode marks a digest absent from a remote CAS.
	BlobNotFoundCode = codes.NotFound
	// PullFailedCode and PushFailedCode mark RPC errors other than
	// NOT_FOUND (pull) and RESOURCE_EXHAUSTED (push).
	PullFailedCode = codes.Unavailable
	PushFailedCode = codes.Unavailable
)

// StorageIOFailed wraps err as a StorageIOFailed error.
func StorageIOFailed(err error, msg string) error {
	return StatusWrapWithCode(err, StorageIOFailedCode, msg)
}

// RefNotFound constructs a RefNotFound error for the given ref key.
func RefNotFound(key string) error {
	return status.Errorf(RefNotFoundCode, "Ref not found: %s", key)
}

// SubdirNotFound constructs a SubdirNotFound error for the given path.
func SubdirNotFound(subdir string) error {
	return status.Errorf(SubdirNotFoundCode, "Subdirectory not found: %s", subdir)
}

// UnsupportedFileType constructs an UnsupportedFileType error.
func UnsupportedFileType(name string) error {
	return status.Errorf(UnsupportedFileTypeCode, "Unsupported file type for entry: %s", name)
}

// ExtractionFailed wraps err as an ExtractionFailed error.
func ExtractionFailed(err error, msg string) error {
	return StatusWrapWithCode(err, ExtractionFailedCode, msg)
}

// IsNotFound returns whether err carries a NotFound code, regardless
// of which specific *NotFound kind raised it.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
