package tree

import (
	"io"
	"strings"

	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/casproto"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/buildstream/cascache/pkg/util"
)

// GetSubdir resolves a slash-separated path, such as "a/b/c", relative
// to a root Directory digest, splitting it into head and tail
// recursively (spec.md §4.6). It fails with SubdirNotFound if any path
// component does not name a child directory.
func GetSubdir(store *blobstore.Store, root digest.Digest, subdir string) (digest.Digest, error) {
	if subdir == "" {
		return root, nil
	}

	head, tail, _ := strings.Cut(subdir, "/")

	data, err := readBlob(store, root)
	if err != nil {
		return digest.BadDigest, err
	}
	dir, err := casproto.DecodeDirectory(data)
	if err != nil {
		return digest.BadDigest, err
	}

	for _, child := range dir.Directories {
		if child.Name == head {
			childDigest, err := digest.NewDigestFromProto(child.Digest)
			if err != nil {
				return digest.BadDigest, err
			}
			if tail == "" {
				return childDigest, nil
			}
			return GetSubdir(store, childDigest, tail)
		}
	}
	return digest.BadDigest, util.SubdirNotFound(subdir)
}

func readBlob(store *blobstore.Store, d digest.Digest) ([]byte, error) {
	f, err := store.Open(d)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, util.StorageIOFailed(err, "Failed to stat blob")
	}
	data := make([]byte, info.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, util.StorageIOFailed(err, "Failed to read blob")
	}
	return data, nil
}
