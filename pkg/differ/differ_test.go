package differ_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/differ"
	"github.com/buildstream/cascache/pkg/tree"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	casRoot := t.TempDir()
	store := blobstore.New(casRoot)
	builder := tree.NewBuilder(store)

	srcA := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcA, "unchanged.txt"), []byte("same"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcA, "removed.txt"), []byte("gone"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcA, "modified.txt"), []byte("before"), 0644))

	srcB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcB, "unchanged.txt"), []byte("same"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcB, "modified.txt"), []byte("after"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcB, "added.txt"), []byte("new"), 0644))

	rootA, err := builder.CommitDirectory(srcA)
	require.NoError(t, err)
	rootB, err := builder.CommitDirectory(srcB)
	require.NoError(t, err)

	d := differ.New(store)
	result, err := d.Diff(&rootA, &rootB, "")
	require.NoError(t, err)

	require.Equal(t, []string{"added.txt"}, result.Added)
	require.Equal(t, []string{"removed.txt"}, result.Removed)
	require.Equal(t, []string{"modified.txt"}, result.Modified)
}

func TestDiffWholeSubtreeAdded(t *testing.T) {
	casRoot := t.TempDir()
	store := blobstore.New(casRoot)
	builder := tree.NewBuilder(store)

	srcA := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcA, "x.txt"), []byte("x"), 0644))

	srcB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcB, "x.txt"), []byte("x"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(srcB, "newdir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcB, "newdir", "y.txt"), []byte("y"), 0644))

	rootA, err := builder.CommitDirectory(srcA)
	require.NoError(t, err)
	rootB, err := builder.CommitDirectory(srcB)
	require.NoError(t, err)

	d := differ.New(store)
	result, err := d.Diff(&rootA, &rootB, "")
	require.NoError(t, err)
	require.Equal(t, []string{"newdir/y.txt"}, result.Added)
	require.Empty(t, result.Removed)
	require.Empty(t, result.Modified)
}
