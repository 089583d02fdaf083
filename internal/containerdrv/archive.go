package containerdrv

import (
	"archive/tar"
	"bytes"
	"context"
	"strings"

	"github.com/docker/docker/api/types/container"

	"github.com/canyouhack-org/sandboxd/internal/apperr"
)

// PutArchive implements §4.1's put_archive: extract a tar stream at dstDir
// inside the container. Used directly by the materializer for both
// directory creation and single-file writes, per §4.3's preference for the
// archive API over a host `docker cp` shell-out (§9).
func (d *Driver) PutArchive(ctx context.Context, h Handle, dstDir string, tarBytes []byte) error {
	r := bytes.NewReader(tarBytes)
	if err := d.cli.CopyToContainer(ctx, h.ID, dstDir, r, container.CopyToContainerOptions{}); err != nil {
		if isContainerGone(err) {
			return apperr.Wrap(apperr.KindContainerGone, err, "container %s removed underneath", h.Name)
		}
		return apperr.Wrap(apperr.KindTransport, err, "copying archive into %s", h.Name)
	}
	return nil
}

func isContainerGone(err error) bool {
	s := err.Error()
	return strings.Contains(s, "No such container") || strings.Contains(s, "is not running")
}

// MkdirTar builds a single-entry tar archive containing one directory at
// path (relative to the eventual extraction root), mirroring the
// mkdirViaTar helper pattern used to create directories without a host
// temp file.
func MkdirTar(path string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:     strings.TrimPrefix(path, "/") + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
	}); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileTar builds a single-entry tar archive containing one regular file at
// path with the given content, for §4.3's push_file atomicity guarantee.
func FileTar(path string, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:     strings.TrimPrefix(path, "/"),
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(content)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
