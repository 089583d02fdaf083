// Package fsintake receives shell-intercepted filesystem verbs from inside
// a container, validates and normalizes their paths, and applies them to
// the tree store, firing notifications on every mutation.
//
// Tokenization uses github.com/mattn/go-shellwords for POSIX shell-quoting,
// the same library present in both lazydocker's and warren's dependency
// graphs. The verb dispatch is a tagged switch per §9's explicit
// instruction against an open-ended plugin system.
package fsintake

import (
	"context"
	"path"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"github.com/canyouhack-org/sandboxd/internal/apperr"
	"github.com/canyouhack-org/sandboxd/internal/notify"
	"github.com/canyouhack-org/sandboxd/internal/treestore"
)

const workspaceRoot = "/workspace"

// Intake implements C6.
type Intake struct {
	store *treestore.Store
	bus   *notify.Bus
	log   zerolog.Logger
}

func New(store *treestore.Store, bus *notify.Bus, log zerolog.Logger) *Intake {
	return &Intake{store: store, bus: bus, log: log}
}

// Event is the shell hook's POST body, per §6.
type Event struct {
	UserID string `json:"user_id"`
	Cmd    string `json:"cmd"`
	Cwd    string `json:"cwd"`
}

// Handle implements §4.6's intake algorithm.
func (in *Intake) Handle(ctx context.Context, ev Event) error {
	tokens, err := shellwords.Parse(ev.Cmd)
	if err != nil || len(tokens) == 0 {
		return apperr.New(apperr.KindValidation, "unparseable command")
	}

	verb := tokens[0]
	args := filterFlags(tokens[1:])
	if len(args) == 0 {
		return nil // no arguments following the verb: success, no-op
	}

	switch verb {
	case "touch":
		return in.touch(ctx, ev.UserID, ev.Cwd, args[0])
	case "mkdir":
		return in.mkdir(ctx, ev.UserID, ev.Cwd, args[len(args)-1])
	case "rm":
		return in.rm(ctx, ev.UserID, ev.Cwd, args[len(args)-1])
	case "mv":
		if len(args) < 2 {
			return nil
		}
		return in.mv(ctx, ev.UserID, ev.Cwd, args[0], args[1], false)
	case "cp":
		if len(args) < 2 {
			return nil
		}
		// §9 open question: cp mirrors mv-with-keep-source.
		return in.mv(ctx, ev.UserID, ev.Cwd, args[0], args[1], true)
	case "cd":
		return nil // informational only
	default:
		return nil
	}
}

// filterFlags drops `-`-prefixed arguments; §9 documents that this
// implementation ignores flags entirely (no -r/-f/-p semantics beyond
// what's implied by the operation itself).
func filterFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// resolvePath implements step 2 of §4.6: absolute-or-joined-with-cwd, then
// normalized, then checked for workspace containment (P4).
func resolvePath(cwd, p string) (string, error) {
	var abs string
	if strings.HasPrefix(p, "/") {
		abs = path.Clean(p)
	} else {
		abs = path.Clean(path.Join(cwd, p))
	}
	if abs != workspaceRoot && !strings.HasPrefix(abs, workspaceRoot+"/") {
		return "", apperr.New(apperr.KindValidation, "path %q escapes workspace", p)
	}
	return abs, nil
}

// relSegments turns an absolute, already-validated workspace path into its
// segments relative to /workspace.
func relSegments(absPath string) []string {
	rel := strings.TrimPrefix(absPath, workspaceRoot)
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return nil
	}
	return strings.Split(rel, "/")
}

func (in *Intake) touch(ctx context.Context, userID, cwd, arg string) error {
	abs, err := resolvePath(cwd, arg)
	if err != nil {
		return err
	}
	segs := relSegments(abs)
	if len(segs) == 0 {
		return apperr.New(apperr.KindValidation, "cannot touch workspace root")
	}
	parentID, err := in.ensureParents(ctx, userID, segs[:len(segs)-1])
	if err != nil {
		return err
	}
	leaf := segs[len(segs)-1]
	if id, isDir, ok, err := in.store.Resolve(ctx, userID, strings.Join(segs, "/")); err != nil {
		return err
	} else if ok {
		if isDir {
			return nil // idempotent per §7: absorbed, not an error
		}
		_ = id
		return nil // leaf already exists as a file: no-op
	}
	if _, err := in.store.CreateNode(ctx, userID, parentID, leaf, false, ""); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return nil
		}
		return err
	}
	in.bus.Publish(userID, notify.Event{Action: "create", Path: abs})
	return nil
}

func (in *Intake) mkdir(ctx context.Context, userID, cwd, arg string) error {
	abs, err := resolvePath(cwd, arg)
	if err != nil {
		return err
	}
	segs := relSegments(abs)
	if len(segs) == 0 {
		return nil // mkdir on workspace root itself: no-op
	}

	if _, isDir, ok, err := in.store.Resolve(ctx, userID, strings.Join(segs, "/")); err != nil {
		return err
	} else if ok {
		if isDir {
			return nil
		}
		return apperr.New(apperr.KindConflict, "%s exists as a file", abs)
	}

	if _, err := in.ensureParents(ctx, userID, segs); err != nil {
		return err
	}
	in.bus.Publish(userID, notify.Event{Action: "create", Path: abs})
	return nil
}

func (in *Intake) rm(ctx context.Context, userID, cwd, arg string) error {
	abs, err := resolvePath(cwd, arg)
	if err != nil {
		return err
	}
	segs := relSegments(abs)
	if len(segs) == 0 {
		return apperr.New(apperr.KindValidation, "cannot remove workspace root")
	}
	id, _, ok, err := in.store.Resolve(ctx, userID, strings.Join(segs, "/"))
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, "%s not found", abs)
	}
	if _, err := in.store.DeleteNode(ctx, userID, id); err != nil {
		return err
	}
	in.bus.Publish(userID, notify.Event{Action: "delete", Path: abs})
	return nil
}

// mv implements §4.6's mv (and, with keepSource, cp-as-mv-with-keep-source
// per §9): move/copy the node at A to B's parent, renamed to B's leaf.
// Cyclic moves (B under A) are rejected per §9's cycle hazard note.
func (in *Intake) mv(ctx context.Context, userID, cwd, srcArg, dstArg string, keepSource bool) error {
	srcAbs, err := resolvePath(cwd, srcArg)
	if err != nil {
		return err
	}
	dstAbs, err := resolvePath(cwd, dstArg)
	if err != nil {
		return err
	}

	srcSegs := relSegments(srcAbs)
	if len(srcSegs) == 0 {
		return apperr.New(apperr.KindValidation, "cannot move workspace root")
	}
	srcID, srcIsDir, ok, err := in.store.Resolve(ctx, userID, strings.Join(srcSegs, "/"))
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, "%s not found", srcAbs)
	}

	dstSegs := relSegments(dstAbs)
	finalAbs := dstAbs
	var destParentSegs, destLeaf []string

	if dstID, dstIsDir, dstOK, err := in.store.Resolve(ctx, userID, strings.Join(dstSegs, "/")); err != nil {
		return err
	} else if dstOK && dstIsDir {
		_ = dstID
		destParentSegs = dstSegs
		destLeaf = []string{lastSeg(srcSegs)}
		finalAbs = dstAbs + "/" + lastSeg(srcSegs)
	} else {
		// B does not exist, or exists as a file. An existing file at B
		// is not replaced: the store rejects the duplicate name and the
		// move fails with a Conflict error.
		if len(dstSegs) == 0 {
			return apperr.New(apperr.KindValidation, "cannot move onto workspace root")
		}
		destParentSegs = dstSegs[:len(dstSegs)-1]
		destLeaf = []string{dstSegs[len(dstSegs)-1]}
	}

	if srcIsDir && isUnder(strings.Join(append(destParentSegs, destLeaf...), "/"), strings.Join(srcSegs, "/")) {
		return apperr.New(apperr.KindValidation, "cannot move %s into itself", srcAbs)
	}

	destParentID, err := in.ensureParents(ctx, userID, destParentSegs)
	if err != nil {
		return err
	}

	if keepSource {
		if err := in.copySubtree(ctx, userID, srcID, destParentID, destLeaf[0]); err != nil {
			return err
		}
		in.bus.Publish(userID, notify.Event{Action: "create", Path: finalAbs})
		return nil
	}

	if err := in.rename(ctx, userID, srcID, destParentID, destLeaf[0]); err != nil {
		return err
	}
	in.bus.Publish(userID, notify.Event{Action: "move", Path: finalAbs})
	return nil
}

func lastSeg(segs []string) string {
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func isUnder(candidate, ancestor string) bool {
	return candidate == ancestor || strings.HasPrefix(candidate, ancestor+"/")
}

// ensureParents implements §4.6's parent creation: walk segments from
// root, looking each up and creating directories as needed, as a sequence
// of individual inserts so a concurrent duplicate is rejected
// deterministically (I1) and retried as a lookup.
func (in *Intake) ensureParents(ctx context.Context, userID string, segs []string) (*int64, error) {
	var parentID *int64
	var built []string
	for _, seg := range segs {
		built = append(built, seg)
		id, isDir, ok, err := in.store.Resolve(ctx, userID, strings.Join(built, "/"))
		if err != nil {
			return nil, err
		}
		if ok {
			if !isDir {
				return nil, apperr.New(apperr.KindConflict, "%s is not a directory", strings.Join(built, "/"))
			}
			cp := id
			parentID = &cp
			continue
		}
		node, err := in.store.CreateNode(ctx, userID, parentID, seg, true, "")
		if err != nil {
			if apperr.KindOf(err) == apperr.KindConflict {
				id, _, ok, rerr := in.store.Resolve(ctx, userID, strings.Join(built, "/"))
				if rerr != nil {
					return nil, rerr
				}
				if ok {
					cp := id
					parentID = &cp
					continue
				}
			}
			return nil, err
		}
		parentID = &node.ID
	}
	return parentID, nil
}

// rename re-parents/renames a node in place through the store's Move, a
// single SQL update that keeps the node's id, so a directory's children
// move with it.
func (in *Intake) rename(ctx context.Context, userID string, nodeID int64, newParentID *int64, newName string) error {
	return in.store.Move(ctx, userID, nodeID, newParentID, newName)
}

// copySubtree duplicates a node (and, if a directory, its descendants)
// under a new parent/name — cp's keep-source semantics.
func (in *Intake) copySubtree(ctx context.Context, userID string, nodeID int64, newParentID *int64, newName string) error {
	return in.store.Copy(ctx, userID, nodeID, newParentID, newName)
}
