package treestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/canyouhack-org/sandboxd/internal/apperr"
)

// Move re-parents and/or renames a single node, used by fsintake's mv.
// It enforces I1 (the UNIQUE constraint) the same way CreateNode does.
func (s *Store) Move(ctx context.Context, userID string, id int64, newParentID *int64, newName string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return asAppErr(s.withRetry(func(db *sql.DB) error {
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

		var pid sql.NullInt64
		if newParentID != nil {
			pid = sql.NullInt64{Int64: *newParentID, Valid: true}
		}

		_, err := db.ExecContext(ctx,
			`UPDATE fs_nodes SET parent_id = ?, name = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
			pid, newName, now, id, userID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.New(apperr.KindConflict, "duplicate name %q", newName)
			}
			return err
		}
		return nil
	}))
}

// Copy duplicates a node — and, if it is a directory, its full subtree —
// under a new parent/name, used by fsintake's cp (mv-with-keep-source).
func (s *Store) Copy(ctx context.Context, userID string, id int64, newParentID *int64, newName string) error {
	return asAppErr(s.withRetry(func(db *sql.DB) error {
		return copyNode(ctx, db, userID, id, newParentID, newName)
	}))
}

func copyNode(ctx context.Context, db *sql.DB, userID string, id int64, newParentID *int64, newName string) error {
	var isDir int
	var content string
	if err := db.QueryRowContext(ctx, `SELECT is_dir, content FROM fs_nodes WHERE id = ? AND user_id = ?`, id, userID).Scan(&isDir, &content); err != nil {
		if err == sql.ErrNoRows {
			return apperr.New(apperr.KindNotFound, "node %d not found", id)
		}
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var pid sql.NullInt64
	if newParentID != nil {
		pid = sql.NullInt64{Int64: *newParentID, Valid: true}
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO fs_nodes (user_id, parent_id, name, is_dir, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, pid, newName, isDir, content, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.KindConflict, "duplicate name %q", newName)
		}
		return err
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if isDir == 0 {
		return nil
	}

	rows, err := db.QueryContext(ctx, `SELECT id, name FROM fs_nodes WHERE parent_id = ?`, id)
	if err != nil {
		return err
	}
	type child struct {
		id   int64
		name string
	}
	var children []child
	for rows.Next() {
		var c child
		if err := rows.Scan(&c.id, &c.name); err != nil {
			rows.Close()
			return err
		}
		children = append(children, c)
	}
	rows.Close()

	for _, c := range children {
		if err := copyNode(ctx, db, userID, c.id, &newID, c.name); err != nil {
			return err
		}
	}
	return nil
}
