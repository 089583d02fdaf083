package containerdrv

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileTarContainsExactBytes(t *testing.T) {
	data, err := FileTar("workspace/a.txt", []byte("hello\n"))
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(data))
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "workspace/a.txt", hdr.Name)
	require.Equal(t, byte(tar.TypeReg), hdr.Typeflag)

	content, err := io.ReadAll(tr)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(content))
}

func TestMkdirTarContainsDirEntry(t *testing.T) {
	data, err := MkdirTar("workspace/a/b")
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(data))
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "workspace/a/b/", hdr.Name)
	require.Equal(t, byte(tar.TypeDir), hdr.Typeflag)
}
