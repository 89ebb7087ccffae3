// Package gc implements reachability-based garbage collection and
// mtime refreshing over a BlobStore and RefIndex, grounded on spec.md
// §4.8.
package gc

import (
	"io"
	"os"
	"path/filepath"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/casproto"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/refs"
	"github.com/buildstream/cascache/pkg/util"
)

// GC prunes unreachable blobs and refreshes the mtime of blobs still
// reachable from a ref.
type GC struct {
	store *blobstore.Store
	index *refs.Index
	root  string
}

// New creates a GC operating on the given store, ref index, and CAS
// root directory (needed to walk objects/ during the sweep phase).
func New(store *blobstore.Store, index *refs.Index, casRoot string) *GC {
	return &GC{store: store, index: index, root: casRoot}
}

// Prune walks every ref to build the reachable set, then sweeps
// objects/ removing anything not in it. It returns the number of
// objects removed and the number of bytes freed.
func (g *GC) Prune() (int, int64, error) {
	reachable, err := g.reachableSet()
	if err != nil {
		return 0, 0, err
	}
	return g.sweep(reachable)
}

// UpdateTreeMtime runs the same reachability traversal as Prune,
// rooted at a single digest, but touches every visited blob instead of
// sweeping. Used to keep an in-use artifact's blobs from looking
// least-recently-modified.
func (g *GC) UpdateTreeMtime(root digest.Digest) error {
	visited := map[string]struct{}{}
	return g.walk(root, visited, nil, true)
}

// reachableSet walks every ref and returns the hashes of all blobs
// (Directory and file) reachable from it.
func (g *GC) reachableSet() (map[string]struct{}, error) {
	keys, err := g.index.ListRefs()
	if err != nil {
		return nil, err
	}

	visited := map[string]struct{}{}
	hashes := map[string]struct{}{}
	for _, key := range keys {
		root, err := g.index.ResolveRef(key, false)
		if err != nil {
			return nil, err
		}
		if err := g.walk(root, visited, hashes, false); err != nil {
			return nil, err
		}
	}
	return hashes, nil
}

// walk recursively adds a Directory's hash and the hashes of its
// files to hashes (when non-nil), touching blobs along the way if
// touch is true. visited prevents redundant work on subtrees shared by
// multiple refs and is keyed by digest, not hash alone.
func (g *GC) walk(root digest.Digest, visited, hashes map[string]struct{}, touch bool) error {
	if _, ok := visited[root.Key()]; ok {
		return nil
	}
	visited[root.Key()] = struct{}{}
	if hashes != nil {
		hashes[root.GetHashString()] = struct{}{}
	}
	if touch {
		if err := g.store.Touch(root); err != nil {
			return err
		}
	}

	dir, err := g.decode(root)
	if err != nil {
		return err
	}

	for _, file := range dir.Files {
		d, err := digest.NewDigestFromProto(file.Digest)
		if err != nil {
			return err
		}
		if hashes != nil {
			hashes[d.GetHashString()] = struct{}{}
		}
		if touch {
			if err := g.store.Touch(d); err != nil {
				return err
			}
		}
	}

	for _, child := range dir.Directories {
		d, err := digest.NewDigestFromProto(child.Digest)
		if err != nil {
			return err
		}
		if err := g.walk(d, visited, hashes, touch); err != nil {
			return err
		}
	}

	// Symlinks contribute no blobs to the reachable set.
	return nil
}

func (g *GC) decode(d digest.Digest) (*remoteexecution.Directory, error) {
	f, err := g.store.Open(d)
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

func (g *GC) sweep(reachable map[string]struct{}) (int, int64, error) {
	objectsDir := filepath.Join(g.root, "objects")
	var objectsRemoved int
	var bytesFreed int64

	entries, err := os.ReadDir(objectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, util.StorageIOFailed(err, "Failed to list shard directories")
	}

	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(objectsDir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return objectsRemoved, bytesFreed, util.StorageIOFailed(err, "Failed to list shard")
		}

		for _, file := range files {
			hash := shard.Name() + file.Name()
			if _, ok := reachable[hash]; ok {
				continue
			}
			path := filepath.Join(shardPath, file.Name())
			info, err := os.Stat(path)
			if err != nil {
				if os.IsNotExist(err) {
					// Concurrent-disappearance race: tolerated.
					continue
				}
				return objectsRemoved, bytesFreed, util.StorageIOFailed(err, "Failed to stat object")
			}
			if err := os.Remove(path); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return objectsRemoved, bytesFreed, util.StorageIOFailed(err, "Failed to remove unreachable object")
			}
			objectsRemoved++
			bytesFreed += info.Size()
		}
	}
	return objectsRemoved, bytesFreed, nil
}
