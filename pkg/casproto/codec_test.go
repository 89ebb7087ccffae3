package casproto_test

import (
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildstream/cascache/pkg/casproto"
	"github.com/buildstream/cascache/pkg/testutil"
	"github.com/stretchr/testify/require"
)

func TestEncodeDirectorySortsEntries(t *testing.T) {
	d := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{
			{Name: "b.txt", Digest: &remoteexecution.Digest{Hash: "b", SizeBytes: 1}},
			{Name: "a.txt", Digest: &remoteexecution.Digest{Hash: "a", SizeBytes: 1}},
		},
		Directories: []*remoteexecution.DirectoryNode{
			{Name: "z", Digest: &remoteexecution.Digest{Hash: "z", SizeBytes: 1}},
			{Name: "m", Digest: &remoteexecution.Digest{Hash: "m", SizeBytes: 1}},
		},
	}

	data, err := casproto.EncodeDirectory(d)
	require.NoError(t, err)

	decoded, err := casproto.DecodeDirectory(data)
	require.NoError(t, err)
	require.Equal(t, "a.txt", decoded.Files[0].Name)
	require.Equal(t, "b.txt", decoded.Files[1].Name)
	require.Equal(t, "m", decoded.Directories[0].Name)
	require.Equal(t, "z", decoded.Directories[1].Name)
}

func TestEncodeDirectoryDeterministic(t *testing.T) {
	d1 := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{
			{Name: "b", Digest: &remoteexecution.Digest{Hash: "b", SizeBytes: 1}},
			{Name: "a", Digest: &remoteexecution.Digest{Hash: "a", SizeBytes: 1}},
		},
	}
	d2 := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{
			{Name: "a", Digest: &remoteexecution.Digest{Hash: "a", SizeBytes: 1}},
			{Name: "b", Digest: &remoteexecution.Digest{Hash: "b", SizeBytes: 1}},
		},
	}

	data1, err := casproto.EncodeDirectory(d1)
	require.NoError(t, err)
	data2, err := casproto.EncodeDirectory(d2)
	require.NoError(t, err)
	require.Equal(t, data1, data2)
}

func TestDecodeDirectoryRoundTrip(t *testing.T) {
	d := &remoteexecution.Directory{
		Symlinks: []*remoteexecution.SymlinkNode{
			{Name: "link", Target: "a.txt"},
		},
	}
	data, err := casproto.EncodeDirectory(d)
	require.NoError(t, err)
	decoded, err := casproto.DecodeDirectory(data)
	require.NoError(t, err)
	testutil.RequireEqualProto(t, d, decoded)
}
