package tree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/casproto"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/filesystem/path"
	"github.com/buildstream/cascache/pkg/util"
)

// executableMode is the set of execute bits set on checked-out
// executable files (spec.md §4.4: "set the execute bits for
// user/group/other").
const executableMode = 0111

// Checkout materializes a Directory tree rooted at root into dest.
// Dangling child-directory references (digests absent from the store,
// left by a subset pull) are silently omitted, as required to support
// pulls with excluded_subdirs.
type Checkout struct {
	store *blobstore.Store
}

// NewCheckout creates a Checkout reading from the given store.
func NewCheckout(store *blobstore.Store) *Checkout {
	return &Checkout{store: store}
}

// Checkout materializes the Directory at root into dest, which must
// already exist.
func (c *Checkout) Checkout(dest string, root digest.Digest) error {
	data, err := readBlob(c.store, root)
	if err != nil {
		return err
	}
	dir, err := casproto.DecodeDirectory(data)
	if err != nil {
		return err
	}

	for _, file := range dir.Files {
		if _, ok := path.NewComponent(file.Name); !ok {
			return util.ExtractionFailed(fmt.Errorf("invalid file name %#v", file.Name), "Refusing to check out entry")
		}
		fileDigest, err := digest.NewDigestFromProto(file.Digest)
		if err != nil {
			return err
		}
		dst := filepath.Join(dest, file.Name)
		if err := os.Link(c.store.ObjectPath(fileDigest), dst); err != nil {
			if !os.IsExist(err) {
				return util.ExtractionFailed(err, "Failed to link file into place")
			}
		}
		if file.IsExecutable {
			if err := os.Chmod(dst, 0644|executableMode); err != nil {
				return util.ExtractionFailed(err, "Failed to set executable bit")
			}
		}
	}

	for _, childDir := range dir.Directories {
		if _, ok := path.NewComponent(childDir.Name); !ok {
			return util.ExtractionFailed(fmt.Errorf("invalid directory name %#v", childDir.Name), "Refusing to check out entry")
		}
		childDigest, err := digest.NewDigestFromProto(childDir.Digest)
		if err != nil {
			return err
		}
		if !c.store.Contains(childDigest) {
			// Dangling reference: tolerated, to support pulls with
			// excluded_subdirs.
			continue
		}
		childPath := filepath.Join(dest, childDir.Name)
		if err := os.MkdirAll(childPath, 0755); err != nil {
			return util.ExtractionFailed(err, "Failed to create subdirectory")
		}
		if err := c.Checkout(childPath, childDigest); err != nil {
			return err
		}
	}

	for _, link := range dir.Symlinks {
		if _, ok := path.NewComponent(link.Name); !ok {
			return util.ExtractionFailed(fmt.Errorf("invalid symlink name %#v", link.Name), "Refusing to check out entry")
		}
		dst := filepath.Join(dest, link.Name)
		if err := os.Symlink(link.Target, dst); err != nil {
			if !os.IsExist(err) {
				return util.ExtractionFailed(err, "Failed to create symlink")
			}
		}
	}

	return nil
}

// Extract implements the public extraction operation of spec.md §4.4:
// resolve ref (the caller is expected to have already done so and
// passed in root), compute the destination path from the root hash,
// and extract atomically via a temporary sibling directory.
//
// If dest already holds a full extraction of root, a requested subdir
// is checked out into it on demand; but if dest does not exist yet, a
// full checkout of root is performed (not just subdir), since a full
// extraction would already include it. Extract always returns dest
// (the root-hash path), never dest joined with subdir, matching
// cascache.py's extract().
func (c *Checkout) Extract(destParent string, root digest.Digest, subdir string) (string, error) {
	dest := filepath.Join(destParent, root.GetHashString())
	effectiveRoot := root
	effectiveDest := dest

	if _, err := os.Stat(dest); err == nil {
		if subdir == "" {
			return dest, nil
		}
		subdirDest := filepath.Join(dest, subdir)
		if _, err := os.Stat(subdirDest); err == nil {
			return dest, nil
		}
		effectiveDest = subdirDest
		effectiveRoot, err = GetSubdir(c.store, root, subdir)
		if err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", util.ExtractionFailed(err, "Failed to stat destination")
	}

	if err := os.MkdirAll(filepath.Dir(effectiveDest), 0755); err != nil {
		return "", util.ExtractionFailed(err, "Failed to create destination parent")
	}
	// Each call stages into its own uniquely named sibling, so that
	// concurrent extractions of the same root never share a staging
	// directory.
	tmp, err := os.MkdirTemp(filepath.Dir(effectiveDest), fmt.Sprintf("%s.tmp-%s-*", filepath.Base(effectiveDest), effectiveRoot.GetHashString()))
	if err != nil {
		return "", util.ExtractionFailed(err, "Failed to create staging directory")
	}
	if err := os.Chmod(tmp, 0755); err != nil {
		os.RemoveAll(tmp)
		return "", util.ExtractionFailed(err, "Failed to set staging directory permissions")
	}
	if err := c.Checkout(tmp, effectiveRoot); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}

	if err := os.Rename(tmp, effectiveDest); err != nil {
		os.RemoveAll(tmp)
		// A concurrent rename by another process racing us into place
		// is tolerated silently.
		if _, statErr := os.Stat(effectiveDest); statErr != nil {
			return "", util.ExtractionFailed(err, "Failed to rename staging directory into place")
		}
	}
	return dest, nil
}
