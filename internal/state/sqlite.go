package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/picklr-io/broker/internal/db"
	"github.com/picklr-io/broker/internal/model"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS resources (
		id        TEXT PRIMARY KEY,
		pool_code TEXT NOT NULL DEFAULT '',
		version   INTEGER NOT NULL,
		created   INTEGER NOT NULL,
		doc       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_resources_pool ON resources (pool_code, created)`,
	`CREATE TABLE IF NOT EXISTS chains (
		id     TEXT PRIMARY KEY,
		step   INTEGER NOT NULL,
		status TEXT NOT NULL,
		doc    TEXT NOT NULL
	)`,
}

// SQLiteStore implements ResourceRepository and ChainStore on an embedded
// SQLite database. Records are stored as JSON documents next to the columns
// needed for compare-and-swap and pool queries.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	conn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, sqliteSchema...); err != nil {
		conn.Close()
		return nil, err
	}
	return &SQLiteStore{db: conn}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, r *model.ResourceRecord) error {
	r.Version = 1
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode resource %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resources (id, pool_code, version, created, doc) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.PoolCode, r.Version, r.Created.UnixNano(), string(doc))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create resource %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) CreateOrUpdate(ctx context.Context, r *model.ResourceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM resources WHERE id = ?`, r.ID).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read resource %s: %w", r.ID, err)
	}
	r.Version = version + 1

	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode resource %s: %w", r.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO resources (id, pool_code, version, created, doc) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET pool_code = excluded.pool_code, version = excluded.version, doc = excluded.doc`,
		r.ID, r.PoolCode, r.Version, r.Created.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("failed to write resource %s: %w", r.ID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.ResourceRecord, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM resources WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %s: %w", id, err)
	}
	return decodeRecord(doc)
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, r *model.ResourceRecord) error {
	next := r.Clone()
	next.Version = expectedVersion + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode resource %s: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE resources SET pool_code = ?, version = ?, doc = ? WHERE id = ? AND version = ?`,
		next.PoolCode, next.Version, string(doc), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update resource %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	r.Version = next.Version
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*model.ResourceRecord, error) {
	query := `SELECT doc FROM resources`
	var args []any
	if f.PoolCode != "" {
		query += ` WHERE pool_code = ?`
		args = append(args, f.PoolCode)
	}
	query += ` ORDER BY created, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []*model.ResourceRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		r, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		if f.Matches(r) {
			out = append(out, r)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateChain(ctx context.Context, c *Chain) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode chain %s: %w", c.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chains (id, step, status, doc) VALUES (?, ?, ?, ?)`,
		c.ID, c.Step, string(c.Status), string(doc))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create chain %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetChain(ctx context.Context, id string) (*Chain, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM chains WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain %s: %w", id, err)
	}
	var c Chain
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, fmt.Errorf("failed to decode chain %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) UpdateChain(ctx context.Context, c *Chain, expectedStep int) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode chain %s: %w", c.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chains SET step = ?, status = ?, doc = ?
		 WHERE id = ? AND step = ? AND status NOT IN (?, ?, ?)`,
		c.Step, string(c.Status), string(doc), c.ID, expectedStep,
		string(model.StateSucceeded), string(model.StateFailed), string(model.StateCancelled))
	if err != nil {
		return fmt.Errorf("failed to update chain %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetChain(ctx, c.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func decodeRecord(doc string) (*model.ResourceRecord, error) {
	var r model.ResourceRecord
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
