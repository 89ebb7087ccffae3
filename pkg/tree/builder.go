// Package tree implements construction, checkout and subtree
// resolution of REv2 directory trees over a blobstore.Store, grounded
// on spec.md §4.3, §4.4 and §4.6.
package tree

import (
	"os"
	"path/filepath"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/casproto"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/util"
)

// ownerExecute is the owner-execute bit of a Unix file mode.
const ownerExecute = 0100

// Builder walks a local directory tree, ingests its contents into a
// BlobStore, and returns the digest of the resulting root Directory.
type Builder struct {
	store *blobstore.Store
}

// NewBuilder creates a Builder over the given store.
func NewBuilder(store *blobstore.Store) *Builder {
	return &Builder{store: store}
}

// CommitDirectory walks the local directory at path, ingesting every
// entry and returning the digest of its serialized Directory message.
func (b *Builder) CommitDirectory(path string) (digest.Digest, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return digest.BadDigest, util.StorageIOFailed(err, "Failed to list directory")
	}

	dir := &remoteexecution.Directory{}
	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(path, name)

		info, err := os.Lstat(full)
		if err != nil {
			return digest.BadDigest, util.StorageIOFailed(err, "Failed to stat entry")
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return digest.BadDigest, util.StorageIOFailed(err, "Failed to read symlink target")
			}
			dir.Symlinks = append(dir.Symlinks, &remoteexecution.SymlinkNode{
				Name:   name,
				Target: target,
			})

		case info.Mode()&os.ModeSocket != 0:
			// Sockets are not cacheable; skip silently.
			continue

		case info.IsDir():
			childDigest, err := b.CommitDirectory(full)
			if err != nil {
				return digest.BadDigest, err
			}
			dir.Directories = append(dir.Directories, &remoteexecution.DirectoryNode{
				Name:   name,
				Digest: childDigest.GetProto(),
			})

		case info.Mode().IsRegular():
			fileDigest, err := b.store.AddPath(full, false)
			if err != nil {
				return digest.BadDigest, err
			}
			dir.Files = append(dir.Files, &remoteexecution.FileNode{
				Name:         name,
				Digest:       fileDigest.GetProto(),
				IsExecutable: info.Mode()&ownerExecute != 0,
			})

		default:
			return digest.BadDigest, util.UnsupportedFileType(full)
		}
	}

	return b.ingestDirectory(dir)
}

// ingestDirectory serializes and stores a Directory message.
func (b *Builder) ingestDirectory(dir *remoteexecution.Directory) (digest.Digest, error) {
	data, err := casproto.EncodeDirectory(dir)
	if err != nil {
		return digest.BadDigest, err
	}
	return b.store.AddBytes(data)
}
