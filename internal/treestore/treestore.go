// Package treestore persists each user's file tree in SQLite: directories
// and files with content, siblings unique per parent, cascading delete.
//
// It is grounded in the teacher's SQLite-manager pattern
// (session_manager.go: schema-on-open, prepared CRUD, mutex-guarded *sql.DB)
// and in the query shape of original_source/backend/postgres.py
// (get_user_file_structure's recursive CTE + _build_tree flat-to-nested
// assembly), ported to mattn/go-sqlite3 since it has no native recursive
// cursor helper.
package treestore

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/canyouhack-org/sandboxd/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS fs_nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	parent_id INTEGER REFERENCES fs_nodes(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	is_dir INTEGER NOT NULL,
	content TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(user_id, parent_id, name)
);
CREATE INDEX IF NOT EXISTS idx_fs_nodes_user_parent ON fs_nodes(user_id, parent_id);
-- SQLite treats every NULL as distinct in a UNIQUE index, so the table
-- constraint above never fires for two root-level siblings (parent_id IS
-- NULL on both rows); this partial index covers that case for I1.
CREATE UNIQUE INDEX IF NOT EXISTS idx_fs_nodes_root_sibling_name ON fs_nodes(user_id, name) WHERE parent_id IS NULL;
`

// Node is one row of the tree, with Children populated only by Tree().
type Node struct {
	ID        int64
	UserID    string
	ParentID  sql.NullInt64
	Name      string
	IsDir     bool
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
	Children  []*Node
}

// Store is the per-process handle to the fs_nodes table. It mirrors the
// teacher's *sql.DB-plus-mutex manager shape; SQLite itself serializes
// writers, the mutex only protects the one-time reconnect dance.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Open creates/migrates the schema at path and enables foreign keys, which
// SQLite disables by default (required for cascading delete, I3).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "opening tree store %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindInternal, err, "migrating tree store schema")
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// reconnect implements §4.2's "auto-reconnect once before failing".
func (s *Store) reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.db.Close()
	db, err := sql.Open("sqlite3", s.path+"?_foreign_keys=on")
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *Store) db_() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// withRetry runs fn once, and once more after a reconnect if fn's error
// looks like a broken connection.
func (s *Store) withRetry(fn func(*sql.DB) error) error {
	err := fn(s.db_())
	if err == nil {
		return nil
	}
	if !isConnErr(err) {
		return err
	}
	if rerr := s.reconnect(); rerr != nil {
		return apperr.Wrap(apperr.KindInternal, err, "store unreachable and reconnect failed")
	}
	return fn(s.db_())
}

func isConnErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "database is closed") || strings.Contains(s, "bad connection")
}

// CreateNode implements §4.2's create_node, enforcing I1 (unique sibling
// name) and I2 (parent must be an existing directory of the same user).
func (s *Store) CreateNode(ctx context.Context, userID string, parentID *int64, name string, isDir bool, content string) (*Node, error) {
	now := time.Now().UTC()
	var node *Node

	err := s.withRetry(func(db *sql.DB) error {
		if parentID != nil {
			var parentIsDir bool
			var parentUser string
			row := db.QueryRowContext(ctx, `SELECT is_dir, user_id FROM fs_nodes WHERE id = ?`, *parentID)
			if err := row.Scan(&parentIsDir, &parentUser); err != nil {
				if err == sql.ErrNoRows {
					return apperr.New(apperr.KindNotFound, "parent %d not found", *parentID)
				}
				return err
			}
			if parentUser != userID {
				return apperr.New(apperr.KindAccessDenied, "parent %d belongs to another user", *parentID)
			}
			if !parentIsDir {
				return apperr.New(apperr.KindConflict, "parent %d is not a directory", *parentID)
			}
		}

		var pid sql.NullInt64
		if parentID != nil {
			pid = sql.NullInt64{Int64: *parentID, Valid: true}
		}

		res, err := db.ExecContext(ctx,
			`INSERT INTO fs_nodes (user_id, parent_id, name, is_dir, content, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, pid, name, boolToInt(isDir), content, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.New(apperr.KindConflict, "duplicate name %q", name)
			}
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		node = &Node{ID: id, UserID: userID, ParentID: pid, Name: name, IsDir: isDir, Content: content, CreatedAt: now, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, asAppErr(err)
	}
	return node, nil
}

// DeleteNode implements §4.2's delete_node (I3: cascading delete) and
// returns every deleted id: the node itself first, then its descendants.
func (s *Store) DeleteNode(ctx context.Context, userID string, id int64) ([]int64, error) {
	var deleted []int64
	err := s.withRetry(func(db *sql.DB) error {
		var owner string
		if err := db.QueryRowContext(ctx, `SELECT user_id FROM fs_nodes WHERE id = ?`, id).Scan(&owner); err != nil {
			if err == sql.ErrNoRows {
				return apperr.New(apperr.KindNotFound, "node %d not found", id)
			}
			return err
		}
		if owner != userID {
			return apperr.New(apperr.KindAccessDenied, "node %d belongs to another user", id)
		}

		ids, err := collectSubtreeIDs(ctx, db, id)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM fs_nodes WHERE id = ?`, id); err != nil {
			return err
		}
		deleted = ids
		return nil
	})
	if err != nil {
		return nil, asAppErr(err)
	}
	return deleted, nil
}

func collectSubtreeIDs(ctx context.Context, db *sql.DB, root int64) ([]int64, error) {
	ids := []int64{root}
	frontier := []int64{root}
	for len(frontier) > 0 {
		var next []int64
		for _, pid := range frontier {
			rows, err := db.QueryContext(ctx, `SELECT id FROM fs_nodes WHERE parent_id = ?`, pid)
			if err != nil {
				return nil, err
			}
			for rows.Next() {
				var cid int64
				if err := rows.Scan(&cid); err != nil {
					rows.Close()
					return nil, err
				}
				ids = append(ids, cid)
				next = append(next, cid)
			}
			rows.Close()
		}
		frontier = next
	}
	return ids, nil
}

// UpdateContent implements §4.2's update_content.
func (s *Store) UpdateContent(ctx context.Context, userID string, id int64, text string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return asAppErr(s.withRetry(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE fs_nodes SET content = ?, updated_at = ? WHERE id = ? AND user_id = ? AND is_dir = 0`,
			text, now, id, userID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.New(apperr.KindNotFound, "file %d not found", id)
		}
		return nil
	}))
}

// PathOf implements §4.2's path_of, walking parent_id links to the root.
func (s *Store) PathOf(ctx context.Context, userID string, id int64) (string, error) {
	var segments []string
	err := s.withRetry(func(db *sql.DB) error {
		cur := sql.NullInt64{Int64: id, Valid: true}
		for cur.Valid {
			var name string
			var owner string
			var parent sql.NullInt64
			row := db.QueryRowContext(ctx, `SELECT name, user_id, parent_id FROM fs_nodes WHERE id = ?`, cur.Int64)
			if err := row.Scan(&name, &owner, &parent); err != nil {
				if err == sql.ErrNoRows {
					return apperr.New(apperr.KindNotFound, "node %d not found", id)
				}
				return err
			}
			if owner != userID {
				return apperr.New(apperr.KindAccessDenied, "node %d belongs to another user", id)
			}
			segments = append([]string{name}, segments...)
			cur = parent
		}
		return nil
	})
	if err != nil {
		return "", asAppErr(err)
	}
	return "/workspace/" + strings.Join(segments, "/"), nil
}

// Tree implements §4.2's tree(): one flat SELECT of the user's rows,
// assembled into nested nodes in memory, siblings ordered directories-first
// then by name, exactly postgres.py's get_user_file_structure/_build_tree
// ordering.
func (s *Store) Tree(ctx context.Context, userID string) ([]*Node, error) {
	var roots []*Node
	err := s.withRetry(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT id, parent_id, name, is_dir, content, created_at, updated_at
			 FROM fs_nodes WHERE user_id = ?`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		byID := make(map[int64]*Node)
		var flat []*Node
		for rows.Next() {
			n := &Node{UserID: userID}
			var isDir int
			var created, updated string
			if err := rows.Scan(&n.ID, &n.ParentID, &n.Name, &isDir, &n.Content, &created, &updated); err != nil {
				return err
			}
			n.IsDir = isDir != 0
			n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
			n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
			byID[n.ID] = n
			flat = append(flat, n)
		}

		for _, n := range flat {
			if n.ParentID.Valid {
				parent := byID[n.ParentID.Int64]
				parent.Children = append(parent.Children, n)
			} else {
				roots = append(roots, n)
			}
		}
		for _, n := range byID {
			sortSiblings(n.Children)
		}
		sortSiblings(roots)
		return nil
	})
	if err != nil {
		return nil, asAppErr(err)
	}
	return roots, nil
}

func sortSiblings(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir
		}
		return nodes[i].Name < nodes[j].Name
	})
}

// Resolve implements §4.2's resolve(path): walk segments from root,
// requiring every non-terminal segment to be a directory.
func (s *Store) Resolve(ctx context.Context, userID, path string) (id int64, isDir bool, ok bool, err error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return 0, true, true, nil // the virtual root itself
	}

	rerr := s.withRetry(func(db *sql.DB) error {
		var parent sql.NullInt64
		for i, seg := range segs {
			var curID int64
			var curIsDir int
			row := db.QueryRowContext(ctx,
				`SELECT id, is_dir FROM fs_nodes WHERE user_id = ? AND parent_id IS ? AND name = ?`,
				userID, parent, seg)
			if serr := row.Scan(&curID, &curIsDir); serr != nil {
				if serr == sql.ErrNoRows {
					ok = false
					return nil
				}
				return serr
			}
			if i < len(segs)-1 && curIsDir == 0 {
				ok = false
				return nil
			}
			id = curID
			isDir = curIsDir != 0
			parent = sql.NullInt64{Int64: curID, Valid: true}
		}
		ok = true
		return nil
	})
	if rerr != nil {
		return 0, false, false, asAppErr(rerr)
	}
	return id, isDir, ok, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func asAppErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*apperr.Error); ok {
		return err
	}
	return apperr.Wrap(apperr.KindInternal, err, "tree store operation failed")
}
