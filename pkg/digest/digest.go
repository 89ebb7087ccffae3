// Package digest provides the identification of objects stored in the
// Content Addressable Storage (CAS).
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// hashHexLength is the number of hexadecimal characters in a SHA-256
// hash. The cache fixes the digest function to SHA-256; there is no
// per-instance negotiation of the hashing algorithm, unlike the full
// Remote Execution v2 protocol.
const hashHexLength = sha256.Size * 2

// Digest holds the identification of an object stored in the CAS: the
// hexadecimal SHA-256 of its bytes, and its size. Instances are
// guaranteed not to be degenerate: the hash has already been validated
// and the size is non-negative.
type Digest struct {
	hash      string
	sizeBytes int64
}

// BadDigest is the zero value of Digest. It is returned by functions in
// this package upon failure.
var BadDigest Digest

// EmptyDigest is the digest of the empty blob. Its absence from the
// store is not an error: callers treat it as "empty content" (spec.md
// §3).
var EmptyDigest = MustNewDigest(hashOfEmptyBlob, 0)

const hashOfEmptyBlob = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// NewDigest constructs a Digest from a hexadecimal hash and a size,
// validating both.
func NewDigest(hash string, sizeBytes int64) (Digest, error) {
	if len(hash) != hashHexLength {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Invalid digest hash length: %d characters", len(hash))
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return BadDigest, status.Errorf(codes.InvalidArgument, "Non-hexadecimal character in digest hash: %#U", c)
		}
	}
	if sizeBytes < 0 {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Invalid digest size: %d bytes", sizeBytes)
	}
	return Digest{hash: hash, sizeBytes: sizeBytes}, nil
}

// MustNewDigest is identical to NewDigest, except that it panics upon
// failure. Useful for constructing constants and in unit tests.
func MustNewDigest(hash string, sizeBytes int64) Digest {
	d, err := NewDigest(hash, sizeBytes)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseDigest parses the "<hash>/<size>" form produced by String(),
// used to accept a digest as a command-line configuration value.
func ParseDigest(s string) (Digest, error) {
	hash, sizeStr, ok := strings.Cut(s, "/")
	if !ok {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Digest %#v is not of the form \"hash/size\"", s)
	}
	sizeBytes, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Invalid digest size in %#v: %s", s, err)
	}
	return NewDigest(hash, sizeBytes)
}

// NewDigestFromProto constructs a Digest from a REv2 wire Digest
// message.
func NewDigestFromProto(pb *remoteexecution.Digest) (Digest, error) {
	if pb == nil {
		return BadDigest, status.Error(codes.InvalidArgument, "No digest provided")
	}
	return NewDigest(pb.Hash, pb.SizeBytes)
}

// GetProto encodes the digest into the REv2 wire format.
func (d Digest) GetProto() *remoteexecution.Digest {
	return &remoteexecution.Digest{
		Hash:      d.hash,
		SizeBytes: d.sizeBytes,
	}
}

// GetHashString returns the hexadecimal hash of the object.
func (d Digest) GetHashString() string {
	return d.hash
}

// GetSizeBytes returns the size of the object, in bytes.
func (d Digest) GetSizeBytes() int64 {
	return d.sizeBytes
}

// IsEmpty returns whether the digest identifies zero bytes of content.
func (d Digest) IsEmpty() bool {
	return d.sizeBytes == 0
}

// Key returns a string suitable for use as a map key or set element,
// used on hot paths (FindMissing lookups, reachability sets). It
// differs from String() only in its separator.
func (d Digest) Key() string {
	return d.hash + "-" + strconv.FormatInt(d.sizeBytes, 10)
}

// String returns a human-readable representation of the digest, used
// in log and error messages.
func (d Digest) String() string {
	return d.hash + "/" + strconv.FormatInt(d.sizeBytes, 10)
}

// NewHasher creates a hash.Hash that computes the digest function used
// by this cache (SHA-256).
func NewHasher() hash.Hash {
	return sha256.New()
}

// Generator incrementally computes a Digest over a stream of bytes. It
// implements io.Writer so that it can be chained with io.Copy.
type Generator struct {
	hasher    hash.Hash
	sizeBytes int64
}

// NewGenerator creates a Generator ready to consume bytes.
func NewGenerator() *Generator {
	return &Generator{hasher: NewHasher()}
}

// Write implements io.Writer.
func (g *Generator) Write(p []byte) (int, error) {
	n, err := g.hasher.Write(p)
	g.sizeBytes += int64(n)
	return n, err
}

// Sum finalizes hashing and returns the resulting Digest.
func (g *Generator) Sum() Digest {
	return Digest{
		hash:      hex.EncodeToString(g.hasher.Sum(nil)),
		sizeBytes: g.sizeBytes,
	}
}
