package tree_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/tree"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGetSubdir(t *testing.T) {
	casRoot := t.TempDir()
	store := blobstore.New(casRoot)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a", "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "b", "c.txt"), []byte("x"), 0644))

	builder := tree.NewBuilder(store)
	root, err := builder.CommitDirectory(src)
	require.NoError(t, err)

	subRoot, err := tree.GetSubdir(store, root, "")
	require.NoError(t, err)
	require.Equal(t, root, subRoot)

	ab, err := tree.GetSubdir(store, root, "a/b")
	require.NoError(t, err)
	require.NotEqual(t, root, ab)

	_, err = tree.GetSubdir(store, root, "a/missing")
	require.Equal(t, codes.NotFound, status.Code(err))
}
