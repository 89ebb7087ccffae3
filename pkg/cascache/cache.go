// Package cascache ties BlobStore, RefIndex, TreeBuilder/Checkout,
// Differ, GC and RemoteSync into the single operation surface spec.md
// §6.3 exposes to callers, mirroring the way bb-storage's top-level
// commands wire independent pkg/<concern> packages together behind one
// handle rather than through any shared global state.
package cascache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/differ"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/gc"
	"github.com/buildstream/cascache/pkg/refs"
	"github.com/buildstream/cascache/pkg/remote"
	"github.com/buildstream/cascache/pkg/tree"
	"github.com/buildstream/cascache/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
)

// Cache is one handle over a CAS root, combining every component
// spec.md §2 names. A process may open more than one Cache, each
// rooted at a different directory; no state is shared between them.
type Cache struct {
	root     string
	store    *blobstore.Store
	index    *refs.Index
	builder  *tree.Builder
	checkout *tree.Checkout
	differ   *differ.Differ
	gc       *gc.GC
}

// Open creates or reopens a Cache rooted at casRoot, ensuring the
// on-disk layout of spec.md §6.1 (objects/, refs/heads/, tmp/) exists.
func Open(casRoot string) (*Cache, error) {
	registerMetrics()

	for _, sub := range []string{"objects", filepath.Join("refs", "heads"), "tmp"} {
		if err := os.MkdirAll(filepath.Join(casRoot, sub), 0755); err != nil {
			return nil, util.StorageIOFailed(err, "Failed to create CAS root layout")
		}
	}

	store := blobstore.New(casRoot)
	index := refs.New(casRoot)
	return &Cache{
		root:     casRoot,
		store:    store,
		index:    index,
		builder:  tree.NewBuilder(store),
		checkout: tree.NewCheckout(store),
		differ:   differ.New(store),
		gc:       gc.New(store, index, casRoot),
	}, nil
}

// Preflight reports whether the CAS root is usable by creating and
// removing a throwaway file in tmp/; objects/ and refs/heads/ are not
// checked. It performs no filesystem mutation beyond that file, matching the
// teacher's pattern of a cheap startup self-check before accepting
// real work.
func (c *Cache) Preflight() error {
	probe, err := os.CreateTemp(filepath.Join(c.root, "tmp"), "preflight-*")
	if err != nil {
		return util.StorageIOFailed(err, "CAS root is not writable")
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// Contains reports whether a blob with the given digest is present.
func (c *Cache) Contains(d digest.Digest) bool {
	return c.store.Contains(d)
}

// ContainsSubdirArtifact resolves ref, walks to subdir, and reports
// whether that subdirectory's blob is actually present, tolerating a
// dangling pointer rather than erroring (spec.md I3; recovered from
// cascache.py's contains_subdir_artifact).
func (c *Cache) ContainsSubdirArtifact(ref string, subdir string) (bool, error) {
	root, err := c.index.ResolveRef(ref, false)
	if err != nil {
		return false, err
	}
	d, err := tree.GetSubdir(c.store, root, subdir)
	if err != nil {
		if util.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return c.store.Contains(d), nil
}

// Extract resolves ref, then materializes the tree (optionally
// descended into subdir) under destParent, returning the final path.
func (c *Cache) Extract(ref string, destParent string, subdir string) (string, error) {
	root, err := c.index.ResolveRef(ref, true)
	if err != nil {
		return "", err
	}
	return c.checkout.Extract(destParent, root, subdir)
}

// Commit walks the local directory at path, ingests it, and records
// the resulting root digest under every name in refs.
func (c *Cache) Commit(refNames []string, path string) (digest.Digest, error) {
	root, err := c.builder.CommitDirectory(path)
	if err != nil {
		return digest.BadDigest, err
	}
	for _, name := range refNames {
		if err := c.index.SetRef(name, root); err != nil {
			return digest.BadDigest, err
		}
	}
	return root, nil
}

// Diff compares the trees resolved by refA and refB, each optionally
// descended into subdir first.
func (c *Cache) Diff(refA, refB string, subdir string) (differ.Result, error) {
	rootA, err := c.index.ResolveRef(refA, false)
	if err != nil {
		return differ.Result{}, err
	}
	rootB, err := c.index.ResolveRef(refB, false)
	if err != nil {
		return differ.Result{}, err
	}

	if subdir != "" {
		rootA, err = tree.GetSubdir(c.store, rootA, subdir)
		if err != nil {
			return differ.Result{}, err
		}
		rootB, err = tree.GetSubdir(c.store, rootB, subdir)
		if err != nil {
			return differ.Result{}, err
		}
	}

	return c.differ.Diff(&rootA, &rootB, "")
}

// Pull resolves ref against remote and, if found, fetches its tree
// (honoring excludedSubdirs) into the local store, recording it under
// ref. It reports whether a root was found.
func (c *Cache) Pull(ctx context.Context, cas remote.CAS, ref string, excludedSubdirs map[string]struct{}) (bool, error) {
	syncer := remote.NewSyncer(c.store, cas)
	found, err := syncer.Pull(ctx, c.index, ref, excludedSubdirs)
	switch {
	case err != nil:
		cascachePulls.WithLabelValues("error").Inc()
	case found:
		cascachePulls.WithLabelValues("found").Inc()
	default:
		cascachePulls.WithLabelValues("not_found").Inc()
	}
	return found, err
}

// PullTree fetches a REv2 Tree message rooted at treeDigest from
// remote without touching any ref, returning the ingested root's
// digest (spec.md §4.9's pull_tree, recovered from cascache.py's
// _fetch_tree as a sibling entry point).
func (c *Cache) PullTree(ctx context.Context, cas remote.CAS, treeDigest digest.Digest) (digest.Digest, error) {
	syncer := remote.NewSyncer(c.store, cas)
	return syncer.PullTree(ctx, treeDigest)
}

// LinkRef aliases the digest currently resolved by oldRef under newRef
// without re-committing anything (recovered from cascache.py's
// link_ref: a cheap pointer copy).
func (c *Cache) LinkRef(oldRef, newRef string) error {
	d, err := c.index.ResolveRef(oldRef, false)
	if err != nil {
		return err
	}
	return c.index.SetRef(newRef, d)
}

// Push resolves each name in refNames locally and pushes it to remote,
// reporting one PushResult per ref in the same order.
func (c *Cache) Push(ctx context.Context, cas remote.CAS, refNames []string) ([]remote.PushResult, error) {
	timer := prometheus.NewTimer(cascachePushDurationSeconds)
	defer timer.ObserveDuration()

	syncer := remote.NewSyncer(c.store, cas)
	results := make([]remote.PushResult, 0, len(refNames))
	for _, name := range refNames {
		root, err := c.index.ResolveRef(name, false)
		if err != nil {
			cascachePushes.WithLabelValues("error").Inc()
			return nil, err
		}
		result, err := syncer.Push(ctx, name, root)
		if err != nil {
			cascachePushes.WithLabelValues("error").Inc()
			return nil, err
		}
		if result.Skipped {
			cascachePushes.WithLabelValues("skipped").Inc()
		} else {
			cascachePushes.WithLabelValues("pushed").Inc()
		}
		results = append(results, result)
	}
	return results, nil
}

// PushDirectory uploads every blob required to reconstruct the tree
// rooted at d, without touching any ref.
func (c *Cache) PushDirectory(ctx context.Context, cas remote.CAS, d digest.Digest) (remote.PushResult, error) {
	syncer := remote.NewSyncer(c.store, cas)
	return syncer.PushDirectory(ctx, d)
}

// AddObject ingests an in-memory buffer as a blob.
func (c *Cache) AddObject(data []byte) (digest.Digest, error) {
	return c.store.AddBytes(data)
}

// SetRef records d under key.
func (c *Cache) SetRef(key string, d digest.Digest) error {
	return c.index.SetRef(key, d)
}

// ResolveRef reads the digest stored under key, optionally touching
// its mtime.
func (c *Cache) ResolveRef(key string, touch bool) (digest.Digest, error) {
	return c.index.ResolveRef(key, touch)
}

// UpdateMtime refreshes the mtime of every blob reachable from root,
// used to keep an in-use artifact's blobs from looking
// least-recently-modified to a future prune.
func (c *Cache) UpdateMtime(root digest.Digest) error {
	return c.gc.UpdateTreeMtime(root)
}

// CalculateCacheSize computes the recursive on-disk size of the whole
// CAS root, independent of reachability (recovered from cascache.py's
// calculate_cache_size; distinct from GC's bytes-freed count).
func (c *Cache) CalculateCacheSize() (int64, error) {
	var total int64
	err := filepath.Walk(c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, util.StorageIOFailed(err, "Failed to walk CAS root")
	}
	return total, nil
}

// ListRefs returns every ref key, ordered least-recently-modified
// first.
func (c *Cache) ListRefs() ([]string, error) {
	return c.index.ListRefs()
}

// ObjectInfo describes one blob on disk, paired with its mtime
// (recovered from cascache.py's list_objects, the object-level
// counterpart to ListRefs).
type ObjectInfo struct {
	Hash  string
	Path  string
	Mtime time.Time
}

// ListObjects returns every blob under objects/, ordered
// least-recently-modified first.
func (c *Cache) ListObjects() ([]ObjectInfo, error) {
	objectsDir := filepath.Join(c.root, "objects")
	var objects []ObjectInfo

	entries, err := os.ReadDir(objectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, util.StorageIOFailed(err, "Failed to list CAS root")
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
			return nil, util.StorageIOFailed(err, "Failed to list shard")
		}
		for _, file := range files {
			info, err := file.Info()
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, util.StorageIOFailed(err, "Failed to stat object")
			}
			objects = append(objects, ObjectInfo{
				Hash:  shard.Name() + file.Name(),
				Path:  filepath.Join(shardPath, file.Name()),
				Mtime: info.ModTime(),
			})
		}
	}

	sortObjectsByMtime(objects)
	return objects, nil
}

func sortObjectsByMtime(objects []ObjectInfo) {
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Mtime.Before(objects[j].Mtime)
	})
}

// CleanUpRefsUntil deletes every ref whose mtime is strictly less than
// t.
func (c *Cache) CleanUpRefsUntil(t time.Time) error {
	return c.index.CleanUpRefsUntil(t)
}

// Remove deletes ref, optionally pruning immediately afterwards and
// returning bytes freed.
func (c *Cache) Remove(ref string, deferPrune bool) (int64, error) {
	if err := c.index.Remove(ref); err != nil {
		return 0, err
	}
	if deferPrune {
		return 0, nil
	}
	_, bytesFreed, err := c.Prune()
	return bytesFreed, err
}

// Prune runs mark-and-sweep GC, returning the number of objects
// removed and the number of bytes freed.
func (c *Cache) Prune() (int, int64, error) {
	objectsRemoved, bytesFreed, err := c.gc.Prune()
	if err != nil {
		return 0, 0, err
	}
	cascacheObjectsPruned.Add(float64(objectsRemoved))
	cascacheBytesFreed.Add(float64(bytesFreed))
	return objectsRemoved, bytesFreed, nil
}
