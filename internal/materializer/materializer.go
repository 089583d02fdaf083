// Package materializer projects a user's tree store into a container's
// /workspace, and propagates single-file writes there. Grounded in
// original_source/backend/user_file_system.py's two-pass approach
// (_create_structure then _sync_file_contents) and in §4.3's archive-first
// write path, implemented with the container driver's tar helpers instead
// of a host-side tarfile/tempdir.
package materializer

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/canyouhack-org/sandboxd/internal/apperr"
	"github.com/canyouhack-org/sandboxd/internal/containerdrv"
	"github.com/canyouhack-org/sandboxd/internal/treestore"
)

const starterContent = "print(\"hello from your new sandbox\")\n"

// Materializer projects tree state into container filesystems.
type Materializer struct {
	driver *containerdrv.Driver
	store  *treestore.Store
	log    zerolog.Logger
}

func New(driver *containerdrv.Driver, store *treestore.Store, log zerolog.Logger) *Materializer {
	return &Materializer{driver: driver, store: store, log: log}
}

// Seed implements §4.3's seed: walk the tree depth-first, mkdir each
// directory, write each file via a single-file tar extract. An empty tree
// is provisioned with a starter file first (§3 of the expanded spec), then
// re-seeded.
func (m *Materializer) Seed(ctx context.Context, userID string, h containerdrv.Handle) error {
	roots, err := m.store.Tree(ctx, userID)
	if err != nil {
		return err
	}

	if len(roots) == 0 {
		if _, err := m.store.CreateNode(ctx, userID, nil, "main.py", false, starterContent); err != nil {
			return err
		}
		roots, err = m.store.Tree(ctx, userID)
		if err != nil {
			return err
		}
	}

	return m.seedNodes(ctx, h, "", roots)
}

func (m *Materializer) seedNodes(ctx context.Context, h containerdrv.Handle, prefix string, nodes []*treestore.Node) error {
	for _, n := range nodes {
		path := prefix + "/" + n.Name
		if n.IsDir {
			tarBytes, err := containerdrv.MkdirTar(workspaceJoin(path))
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, err, "building mkdir archive for %s", path)
			}
			if err := m.driver.PutArchive(ctx, h, "/", tarBytes); err != nil {
				return err
			}
			if err := m.seedNodes(ctx, h, path, n.Children); err != nil {
				return err
			}
			continue
		}
		if err := m.writeFile(ctx, h, path, []byte(n.Content)); err != nil {
			return err
		}
	}
	return nil
}

// PushFile implements §4.3's push_file: overwrite a single file's bytes
// inside the container via a single-file tar archive, creating missing
// parent directories first.
func (m *Materializer) PushFile(ctx context.Context, h containerdrv.Handle, path string, content []byte) error {
	if err := m.ensureParents(ctx, h, path); err != nil {
		return err
	}
	return m.writeFile(ctx, h, path, content)
}

func (m *Materializer) writeFile(ctx context.Context, h containerdrv.Handle, path string, content []byte) error {
	tarBytes, err := containerdrv.FileTar(workspaceJoin(path), content)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "building file archive for %s", path)
	}
	return m.driver.PutArchive(ctx, h, "/", tarBytes)
}

func (m *Materializer) ensureParents(ctx context.Context, h containerdrv.Handle, path string) error {
	dir := parentDir(path)
	if dir == "" {
		return nil
	}
	tarBytes, err := containerdrv.MkdirTar(workspaceJoin(dir))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "building mkdir archive for %s", dir)
	}
	return m.driver.PutArchive(ctx, h, "/", tarBytes)
}

func parentDir(path string) string {
	path = strings.TrimPrefix(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return "/" + path[:i]
}

func workspaceJoin(relPath string) string {
	return "workspace/" + strings.TrimPrefix(relPath, "/")
}
