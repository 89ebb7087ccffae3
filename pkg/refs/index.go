// Package refs implements the mutable ref index: symbolic names that
// resolve to a root digest, stored as small files under refs/heads/,
// ordered by mtime for least-recently-modified eviction (spec.md
// §4.5).
package refs

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/util"
	"google.golang.org/protobuf/proto"
)

// Index stores and resolves refs under a CAS root's refs/heads/
// subtree.
type Index struct {
	root string
}

// New creates an Index rooted at casRoot.
func New(casRoot string) *Index {
	return &Index{root: casRoot}
}

func (i *Index) headsDir() string {
	return filepath.Join(i.root, "refs", "heads")
}

func (i *Index) refPath(key string) string {
	return filepath.Join(i.headsDir(), key)
}

// SetRef serializes d and writes it atomically under key: temp file in
// tmp/, fsync, rename into refs/heads/<key>, creating parent
// directories as needed.
func (i *Index) SetRef(key string, d digest.Digest) error {
	path := i.refPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return util.StorageIOFailed(err, "Failed to create ref parent directory")
	}

	tmpDir := filepath.Join(i.root, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return util.StorageIOFailed(err, "Failed to create scratch directory")
	}
	tmp, err := os.CreateTemp(tmpDir, "ref-*")
	if err != nil {
		return util.StorageIOFailed(err, "Failed to create scratch ref file")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	data, err := proto.Marshal(d.GetProto())
	if err != nil {
		return util.StorageIOFailed(err, "Failed to marshal ref digest")
	}
	if _, err := tmp.Write(data); err != nil {
		return util.StorageIOFailed(err, "Failed to write ref file")
	}
	if err := tmp.Sync(); err != nil {
		return util.StorageIOFailed(err, "Failed to flush ref file")
	}
	tmp.Close()

	if err := os.Rename(tmp.Name(), path); err != nil {
		return util.StorageIOFailed(err, "Failed to rename ref into place")
	}
	return nil
}

// ResolveRef reads the digest stored under key, failing with
// RefNotFound on absence. If touch is true, the ref's mtime is updated
// before returning.
func (i *Index) ResolveRef(key string, touch bool) (digest.Digest, error) {
	path := i.refPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return digest.BadDigest, util.RefNotFound(key)
		}
		return digest.BadDigest, util.StorageIOFailed(err, "Failed to read ref file")
	}

	pb := &remoteexecution.Digest{}
	if err := proto.Unmarshal(data, pb); err != nil {
		return digest.BadDigest, util.StorageIOFailed(err, "Failed to unmarshal ref digest")
	}
	d, err := digest.NewDigestFromProto(pb)
	if err != nil {
		return digest.BadDigest, err
	}

	if touch {
		if err := i.UpdateMtime(key); err != nil {
			return digest.BadDigest, err
		}
	}
	return d, nil
}

// UpdateMtime refreshes the mtime of the ref stored under key, used to
// keep it from being swept by CleanUpRefsUntil.
func (i *Index) UpdateMtime(key string) error {
	now := time.Now()
	if err := os.Chtimes(i.refPath(key), now, now); err != nil {
		if os.IsNotExist(err) {
			return util.RefNotFound(key)
		}
		return util.StorageIOFailed(err, "Failed to update ref mtime")
	}
	return nil
}

// Remove deletes the ref file stored under key.
func (i *Index) Remove(key string) error {
	if err := os.Remove(i.refPath(key)); err != nil {
		if os.IsNotExist(err) {
			return util.RefNotFound(key)
		}
		return util.StorageIOFailed(err, "Failed to remove ref")
	}
	return nil
}

// ListRefs walks refs/heads/ and returns keys sorted by ascending
// mtime (least-recently-modified first).
func (i *Index) ListRefs() ([]string, error) {
	type entry struct {
		key   string
		mtime time.Time
	}
	var entries []entry

	err := filepath.Walk(i.headsDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(i.headsDir(), path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{key: rel, mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, util.StorageIOFailed(err, "Failed to list refs")
	}

	// mtime ties are broken by key, for deterministic LRM ordering
	// (mirrors cascache.py's sorted(zip(mtimes, refs))).
	sort.Slice(entries, func(a, b int) bool {
		if !entries[a].mtime.Equal(entries[b].mtime) {
			return entries[a].mtime.Before(entries[b].mtime)
		}
		return entries[a].key < entries[b].key
	})
	keys := make([]string, len(entries))
	for idx, e := range entries {
		keys[idx] = e.key
	}
	return keys, nil
}

// CleanUpRefsUntil deletes every ref whose mtime is strictly less than
// t.
func (i *Index) CleanUpRefsUntil(t time.Time) error {
	return filepath.Walk(i.headsDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.ModTime().Before(t) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return util.StorageIOFailed(err, "Failed to remove expired ref")
			}
		}
		return nil
	})
}
