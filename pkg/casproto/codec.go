// Package casproto encodes and decodes the REv2 Directory message used
// to represent a tree node in the CAS, grounded on spec.md §4.2 and on
// the deterministic-marshaling idiom used throughout bb-storage's
// pkg/cas and pkg/blobstore packages.
package casproto

import (
	"sort"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildstream/cascache/pkg/util"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
)

// marshalOptions forces deterministic map and field ordering so that
// two logically equal Directory messages always produce identical
// bytes, and therefore equal digests.
var marshalOptions = proto.MarshalOptions{Deterministic: true}

// EncodeDirectory serializes a Directory message after sorting its
// three entry sequences by name, as required by spec.md §4.2.
func EncodeDirectory(d *remoteexecution.Directory) ([]byte, error) {
	sortDirectory(d)
	data, err := marshalOptions.Marshal(d)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to marshal directory")
	}
	return data, nil
}

// DecodeDirectory parses a previously encoded Directory message.
func DecodeDirectory(data []byte) (*remoteexecution.Directory, error) {
	d := &remoteexecution.Directory{}
	if err := proto.Unmarshal(data, d); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to unmarshal directory")
	}
	return d, nil
}

// sortDirectory orders files, directories and symlinks lexicographically
// by name in place.
func sortDirectory(d *remoteexecution.Directory) {
	sort.Slice(d.Files, func(i, j int) bool {
		return d.Files[i].Name < d.Files[j].Name
	})
	sort.Slice(d.Directories, func(i, j int) bool {
		return d.Directories[i].Name < d.Directories[j].Name
	})
	sort.Slice(d.Symlinks, func(i, j int) bool {
		return d.Symlinks[i].Name < d.Symlinks[j].Name
	})
}
