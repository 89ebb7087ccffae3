package gc_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/gc"
	"github.com/buildstream/cascache/pkg/refs"
	"github.com/buildstream/cascache/pkg/tree"
	"github.com/stretchr/testify/require"
)

func TestPruneRemovesUnreferencedBlobs(t *testing.T) {
	casRoot := t.TempDir()
	store := blobstore.New(casRoot)
	index := refs.New(casRoot)
	builder := tree.NewBuilder(store)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "kept.txt"), []byte("kept"), 0644))
	root, err := builder.CommitDirectory(src)
	require.NoError(t, err)
	require.NoError(t, index.SetRef("r1", root))

	// An orphan blob with no ref pointing to it.
	orphan, err := store.AddBytes([]byte("orphaned data"))
	require.NoError(t, err)
	require.True(t, store.Contains(orphan))

	g := gc.New(store, index, casRoot)
	removed, freed, err := g.Prune()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Greater(t, freed, int64(0))

	require.False(t, store.Contains(orphan))
	require.True(t, store.Contains(root))
}

func TestUpdateTreeMtimeTouchesEveryBlob(t *testing.T) {
	casRoot := t.TempDir()
	store := blobstore.New(casRoot)
	index := refs.New(casRoot)
	builder := tree.NewBuilder(store)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "a.txt"), []byte("a"), 0644))
	root, err := builder.CommitDirectory(src)
	require.NoError(t, err)

	g := gc.New(store, index, casRoot)
	require.NoError(t, g.UpdateTreeMtime(root))
}
