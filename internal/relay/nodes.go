package relay

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// NodeStore persists second-level subtrees of the relay tree in the
// relay_nodes table. It satisfies kv.Store so the write scheduler can
// coalesce node writes; storing "null" deletes the row.
type NodeStore struct {
	db *sqlx.DB
}

func NewNodeStore(db *sql.DB) *NodeStore {
	return &NodeStore{db: sqlx.NewDb(db, "sqlite")}
}

type nodeRow struct {
	Path  string `db:"path"`
	Value string `db:"value"`
}

// All returns every persisted node keyed by path.
func (s *NodeStore) All(ctx context.Context) (map[string]string, error) {
	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT path, value FROM relay_nodes ORDER BY path`); err != nil {
		return nil, fmt.Errorf("list relay nodes: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Path] = r.Value
	}
	return out, nil
}

func (s *NodeStore) Get(ctx context.Context, path string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM relay_nodes WHERE path = ?`, path)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get relay node %s: %w", path, err)
	}
	return value, true, nil
}

func (s *NodeStore) Set(ctx context.Context, path, value string) error {
	return s.put(ctx, s.db, path, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *NodeStore) put(ctx context.Context, db execer, path, value string) error {
	if value == "null" || value == "" {
		if _, err := db.ExecContext(ctx, `DELETE FROM relay_nodes WHERE path = ?`, path); err != nil {
			return fmt.Errorf("delete relay node %s: %w", path, err)
		}
		return nil
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO relay_nodes (path, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, path, value)
	if err != nil {
		return fmt.Errorf("put relay node %s: %w", path, err)
	}
	return nil
}

func (s *NodeStore) Remove(ctx context.Context, path string) error {
	return s.put(ctx, s.db, path, "null")
}

func (s *NodeStore) MultiGet(ctx context.Context, paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	if len(paths) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT path, value FROM relay_nodes WHERE path IN (?)`, paths)
	if err != nil {
		return nil, fmt.Errorf("build relay node query: %w", err)
	}
	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("get relay nodes: %w", err)
	}
	for _, r := range rows {
		out[r.Path] = r.Value
	}
	return out, nil
}

func (s *NodeStore) MultiSet(ctx context.Context, entries map[string]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for path, value := range entries {
		if err := s.put(ctx, tx, path, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *NodeStore) MultiRemove(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM relay_nodes WHERE path IN (?)`, paths)
	if err != nil {
		return fmt.Errorf("build relay node delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("remove relay nodes: %w", err)
	}
	return nil
}
