// Package differ computes added/removed/modified file paths between
// two committed trees, grounded on spec.md §4.7's two-pointer merge
// algorithm over sorted Directory entries.
package differ

import (
	"io"
	"path"
	"sort"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/casproto"
	"github.com/buildstream/cascache/pkg/digest"
)

// Result holds the three path lists produced by a diff. Symlinks are
// not compared, matching the algorithm this cache was ported from; an
// implementation MAY extend it symmetrically, but this port does not.
type Result struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Differ compares committed trees read from a shared BlobStore.
type Differ struct {
	store *blobstore.Store
}

// New creates a Differ reading from the given store.
func New(store *blobstore.Store) *Differ {
	return &Differ{store: store}
}

// Diff compares the trees rooted at a and b and returns the accumulated
// path lists, each path joined onto prefix. A nil a or b is treated as
// an empty Directory.
func (df *Differ) Diff(a, b *digest.Digest, prefix string) (Result, error) {
	var result Result
	if err := df.diffInto(&result, a, b, prefix); err != nil {
		return Result{}, err
	}
	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Modified)
	return result, nil
}

func (df *Differ) diffInto(result *Result, a, b *digest.Digest, prefix string) error {
	dirA, err := df.decode(a)
	if err != nil {
		return err
	}
	dirB, err := df.decode(b)
	if err != nil {
		return err
	}

	if err := df.diffFiles(result, dirA, dirB, prefix); err != nil {
		return err
	}
	return df.diffDirectories(result, dirA, dirB, prefix)
}

func (df *Differ) decode(d *digest.Digest) (*remoteexecution.Directory, error) {
	if d == nil {
		return &remoteexecution.Directory{}, nil
	}
	f, err := df.store.Open(*d)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, info.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return casproto.DecodeDirectory(data)
}

func (df *Differ) diffFiles(result *Result, dirA, dirB *remoteexecution.Directory, prefix string) error {
	i, j := 0, 0
	for i < len(dirA.Files) || j < len(dirB.Files) {
		switch {
		case j >= len(dirB.Files) || (i < len(dirA.Files) && dirA.Files[i].Name < dirB.Files[j].Name):
			result.Removed = append(result.Removed, path.Join(prefix, dirA.Files[i].Name))
			i++
		case i >= len(dirA.Files) || dirB.Files[j].Name < dirA.Files[i].Name:
			result.Added = append(result.Added, path.Join(prefix, dirB.Files[j].Name))
			j++
		default:
			if dirA.Files[i].Digest.GetHash() != dirB.Files[j].Digest.GetHash() {
				result.Modified = append(result.Modified, path.Join(prefix, dirA.Files[i].Name))
			}
			i++
			j++
		}
	}
	return nil
}

func (df *Differ) diffDirectories(result *Result, dirA, dirB *remoteexecution.Directory, prefix string) error {
	i, j := 0, 0
	for i < len(dirA.Directories) || j < len(dirB.Directories) {
		switch {
		case j >= len(dirB.Directories) || (i < len(dirA.Directories) && dirA.Directories[i].Name < dirB.Directories[j].Name):
			name := dirA.Directories[i].Name
			d, err := digest.NewDigestFromProto(dirA.Directories[i].Digest)
			if err != nil {
				return err
			}
			if err := df.diffInto(result, &d, nil, path.Join(prefix, name)); err != nil {
				return err
			}
			i++
		case i >= len(dirA.Directories) || dirB.Directories[j].Name < dirA.Directories[i].Name:
			name := dirB.Directories[j].Name
			d, err := digest.NewDigestFromProto(dirB.Directories[j].Digest)
			if err != nil {
				return err
			}
			if err := df.diffInto(result, nil, &d, path.Join(prefix, name)); err != nil {
				return err
			}
			j++
		default:
			name := dirA.Directories[i].Name
			if dirA.Directories[i].Digest.GetHash() != dirB.Directories[j].Digest.GetHash() {
				dA, err := digest.NewDigestFromProto(dirA.Directories[i].Digest)
				if err != nil {
					return err
				}
				dB, err := digest.NewDigestFromProto(dirB.Directories[j].Digest)
				if err != nil {
					return err
				}
				if err := df.diffInto(result, &dA, &dB, path.Join(prefix, name)); err != nil {
					return err
				}
			}
			i++
			j++
		}
	}
	return nil
}
