package blobstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/buildstream/cascache/pkg/blobstore"
	"github.com/buildstream/cascache/pkg/digest"
	"github.com/stretchr/testify/require"
)

func TestStoreAddBytes(t *testing.T) {
	root := t.TempDir()
	s := blobstore.New(root)

	g := digest.NewGenerator()
	_, err := g.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.False(t, s.Contains(g.Sum()))

	d, err := s.AddBytes([]byte("hello\n"))
	require.NoError(t, err)
	require.True(t, s.Contains(d))

	f, err := s.Open(d)
	require.NoError(t, err)
	defer f.Close()
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))
}

func TestStoreDeduplicatesViaLink(t *testing.T) {
	root := t.TempDir()
	s := blobstore.New(root)

	d1, err := s.AddBytes([]byte("same content"))
	require.NoError(t, err)
	d2, err := s.AddBytes([]byte("same content"))
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	info, err := os.Stat(s.ObjectPath(d1))
	require.NoError(t, err)
	require.False(t, info.IsDir())
}

func TestStoreAddPathLinkDirectly(t *testing.T) {
	root := t.TempDir()
	s := blobstore.New(root)

	src := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	d, err := s.AddPath(src, true)
	require.NoError(t, err)
	require.True(t, s.Contains(d))
}

func TestStoreAddPathCopied(t *testing.T) {
	root := t.TempDir()
	s := blobstore.New(root)

	src := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	d, err := s.AddPath(src, false)
	require.NoError(t, err)
	require.True(t, s.Contains(d))

	// The source file must still exist: the copied path never unlinks it.
	_, err = os.Stat(src)
	require.NoError(t, err)
}

func TestStoreTouch(t *testing.T) {
	root := t.TempDir()
	s := blobstore.New(root)

	d, err := s.AddBytes([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Touch(d))

	// Touching a digest that was never added is a silent no-op.
	require.NoError(t, s.Touch(digest.MustNewDigest("0000000000000000000000000000000000000000000000000000000000000000"[:64], 0)))
}
