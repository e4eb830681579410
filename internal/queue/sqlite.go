package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/picklr-io/broker/internal/db"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS queue_messages (
		id             TEXT PRIMARY KEY,
		queue          TEXT NOT NULL,
		body           BLOB NOT NULL,
		visible_at     INTEGER NOT NULL,
		lease_token    TEXT NOT NULL DEFAULT '',
		delivery_count INTEGER NOT NULL DEFAULT 0,
		enqueued_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages (queue, visible_at)`,
}

// SQLiteQueue is an on-disk Queue for single-node deployments. Several named
// queues can share one database file.
type SQLiteQueue struct {
	db   *sql.DB
	name string
	now  func() time.Time
}

// NewSQLiteQueue opens the queue called name in the database at path.
func NewSQLiteQueue(path, name string) (*SQLiteQueue, error) {
	if name == "" {
		name = "continuations"
	}
	conn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, sqliteSchema...); err != nil {
		conn.Close()
		return nil, err
	}
	return &SQLiteQueue{db: conn, name: name, now: time.Now}, nil
}

func (q *SQLiteQueue) Publish(ctx context.Context, body []byte, delay time.Duration) error {
	now := q.now()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_messages (id, queue, body, visible_at, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), q.name, body, now.Add(delay).UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Receive(ctx context.Context, lease time.Duration) (*Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin receive: %w", err)
	}
	defer tx.Rollback()

	now := q.now().UnixNano()
	var (
		msg      Message
		enqueued int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, body, delivery_count, enqueued_at FROM queue_messages
		 WHERE queue = ? AND visible_at <= ?
		 ORDER BY visible_at, enqueued_at LIMIT 1`,
		q.name, now).Scan(&msg.ID, &msg.Body, &msg.DeliveryCount, &enqueued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}

	msg.LeaseToken = uuid.NewString()
	msg.DeliveryCount++
	msg.EnqueuedAt = time.Unix(0, enqueued)

	res, err := tx.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ?, lease_token = ?, delivery_count = ?
		 WHERE id = ? AND visible_at <= ?`,
		q.now().Add(lease).UnixNano(), msg.LeaseToken, msg.DeliveryCount, msg.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to lease message: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit receive: %w", err)
	}
	return &msg, nil
}

func (q *SQLiteQueue) Complete(ctx context.Context, msg *Message) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = ? AND lease_token = ?`, msg.ID, msg.LeaseToken)
	return leaseResult(res, err, "complete")
}

func (q *SQLiteQueue) Abandon(ctx context.Context, msg *Message, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ?, lease_token = '' WHERE id = ? AND lease_token = ?`,
		q.now().Add(delay).UnixNano(), msg.ID, msg.LeaseToken)
	return leaseResult(res, err, "abandon")
}

func (q *SQLiteQueue) Extend(ctx context.Context, msg *Message, lease time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ? WHERE id = ? AND lease_token = ?`,
		q.now().Add(lease).UnixNano(), msg.ID, msg.LeaseToken)
	return leaseResult(res, err, "extend")
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func leaseResult(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s message: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}
