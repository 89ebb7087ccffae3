// Package blobstore implements byte-level ingestion and retrieval of
// content-addressed blobs, grounded on the placement algorithm of
// bb-storage's local blob backends (tmp-file + link publish-if-absent,
// e.g. directory_backed_persistent_state_store.go) and on spec.md §4.1.
package blobstore

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/util"
)

// chunkSize is the reference streaming chunk size named in spec.md
// §4.1.
const chunkSize = 4096

// Store provides object_path/contains/add/touch over a CAS root
// directory laid out as described in spec.md §6.1: objects/<hh>/<rest>
// and a scratch tmp/ directory on the same filesystem.
type Store struct {
	root string
}

// New creates a Store rooted at casRoot. The caller is responsible for
// ensuring casRoot/objects and casRoot/tmp exist (see cascache.Open).
func New(casRoot string) *Store {
	return &Store{root: casRoot}
}

// tmpDir returns the scratch directory used for staging blobs before
// they are linked into place. It must reside on the same filesystem as
// objects/ for link(2) to succeed.
func (s *Store) tmpDir() string {
	return filepath.Join(s.root, "tmp")
}

// ObjectPath returns the path a blob with the given digest would be
// stored at. It is a pure function: it does not check for existence.
func (s *Store) ObjectPath(d digest.Digest) string {
	h := d.GetHashString()
	return filepath.Join(s.root, "objects", h[:2], h[2:])
}

// Contains reports whether a blob with the given digest is present in
// the store.
func (s *Store) Contains(d digest.Digest) bool {
	_, err := os.Lstat(s.ObjectPath(d))
	return err == nil
}

// Touch updates the mtime of a blob, used during reachability scans to
// refresh least-recently-modified ordering (spec.md §4.9).
func (s *Store) Touch(d digest.Digest) error {
	now := time.Now()
	if err := os.Chtimes(s.ObjectPath(d), now, now); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return util.StorageIOFailed(err, "Failed to update blob mtime")
	}
	return nil
}

// Open opens a blob for reading by digest.
func (s *Store) Open(d digest.Digest) (*os.File, error) {
	f, err := os.Open(s.ObjectPath(d))
	if err != nil {
		return nil, util.StorageIOFailed(err, "Failed to open blob")
	}
	return f, nil
}

// AddBytes ingests an in-memory buffer, computing its digest and
// publishing it atomically. This is the "buffer path" of spec.md
// §4.1's add operation.
func (s *Store) AddBytes(data []byte) (digest.Digest, error) {
	tmp, err := s.createTemp()
	if err != nil {
		return digest.BadDigest, err
	}
	defer s.cleanupTemp(tmp)

	g := digest.NewGenerator()
	w := io.MultiWriter(tmp, g)
	if _, err := w.Write(data); err != nil {
		return digest.BadDigest, util.StorageIOFailed(err, "Failed to write blob")
	}
	return s.finishAdd(tmp, g)
}

// AddReader ingests a stream, hashing it in fixed-size chunks while
// copying it into a temporary file ("streaming path" of spec.md
// §4.1).
func (s *Store) AddReader(r io.Reader) (digest.Digest, error) {
	tmp, err := s.createTemp()
	if err != nil {
		return digest.BadDigest, err
	}
	defer s.cleanupTemp(tmp)

	g := digest.NewGenerator()
	w := io.MultiWriter(tmp, g)
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(w, r, buf); err != nil {
		return digest.BadDigest, util.StorageIOFailed(err, "Failed to read blob contents")
	}
	return s.finishAdd(tmp, g)
}

// AddPath ingests the file at path. If linkDirectly is true, the
// caller asserts the file is already canonically immutable (e.g. a
// freshly-written temp file it owns exclusively), allowing bytes to be
// hashed in place and linked without an intervening copy (spec.md
// §4.1's link-directly fast path). Otherwise the file's contents are
// streamed into the store like any other reader.
func (s *Store) AddPath(path string, linkDirectly bool) (digest.Digest, error) {
	if linkDirectly {
		return s.addPathDirect(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return digest.BadDigest, util.StorageIOFailed(err, "Failed to open source file")
	}
	defer f.Close()
	return s.AddReader(f)
}

// addPathDirect hashes the file in place (without copying it into
// tmp/) and links it straight into the store.
func (s *Store) addPathDirect(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.BadDigest, util.StorageIOFailed(err, "Failed to open source file")
	}
	defer f.Close()

	g := digest.NewGenerator()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(g, f, buf); err != nil {
		return digest.BadDigest, util.StorageIOFailed(err, "Failed to hash source file")
	}
	d := g.Sum()
	if err := s.publish(path, d); err != nil {
		return digest.BadDigest, err
	}
	return d, nil
}

// createTemp creates a scratch file inside tmp/.
func (s *Store) createTemp() (*os.File, error) {
	if err := os.MkdirAll(s.tmpDir(), 0755); err != nil {
		return nil, util.StorageIOFailed(err, "Failed to create scratch directory")
	}
	f, err := os.CreateTemp(s.tmpDir(), "blob-*")
	if err != nil {
		return nil, util.StorageIOFailed(err, "Failed to create scratch file")
	}
	return f, nil
}

// cleanupTemp unlinks a scratch file. It is always called on scope
// exit, whether or not publication succeeded (spec.md §4.1).
func (s *Store) cleanupTemp(f *os.File) {
	f.Close()
	os.Remove(f.Name())
}

// finishAdd flushes a scratch file and publishes it under its computed
// digest.
func (s *Store) finishAdd(tmp *os.File, g *digest.Generator) (digest.Digest, error) {
	if err := tmp.Sync(); err != nil {
		return digest.BadDigest, util.StorageIOFailed(err, "Failed to flush blob")
	}
	d := g.Sum()
	if err := s.publish(tmp.Name(), d); err != nil {
		return digest.BadDigest, err
	}
	return d, nil
}

// publish links a staged file into its final, digest-addressed
// location. A "destination already exists" outcome is treated as
// success: the bytes are by definition identical.
func (s *Store) publish(stagedPath string, d digest.Digest) error {
	final := s.ObjectPath(d)
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return util.StorageIOFailed(err, "Failed to create shard directory")
	}
	if err := os.Link(stagedPath, final); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return util.StorageIOFailed(err, "Failed to publish blob")
	}
	return nil
}
