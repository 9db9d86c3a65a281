package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// Ensure *PostgresStore implements store.Store at compile time.
var _ store.Store = (*PostgresStore)(nil)

// DefaultTable is the table used when Options.Table is empty.
const DefaultTable = "messages"

type Options struct {
	Table string
}

// PostgresStore keeps messages in a single table. Claims rely on
// FOR UPDATE SKIP LOCKED so racing processes never pick the same row.
type PostgresStore struct {
	pool *pgxpool.Pool
	sql  statements
}

type statements struct {
	schema  string
	enqueue string
	claim   string
	peek    string
	delete  string
	count   string
	clear   string
	purge   string
}

// New builds the store and all of its statements for the configured table.
// The pool belongs to the caller.
func New(pool *pgxpool.Pool, opts Options) *PostgresStore {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	return &PostgresStore{pool: pool, sql: buildStatements(opts.Table)}
}

// helper: convert a Go duration to a Postgres interval literal like "12.500000s".
func toInterval(d time.Duration) string {
	return fmt.Sprintf("%fs", d.Seconds())
}

const columns = `id, queue, content, enqueued_at, visible_at, expires_at, pop_receipt`

func buildStatements(table string) statements {
	t := pgx.Identifier{table}.Sanitize()
	idx := pgx.Identifier{table + "_by_queue"}.Sanitize()
	expIdx := pgx.Identifier{table + "_by_expiry"}.Sanitize()

	return statements{
		schema: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id          BIGSERIAL PRIMARY KEY,
  queue       TEXT        NOT NULL,
  content     BYTEA       NOT NULL,
  enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  visible_at  TIMESTAMPTZ,
  expires_at  TIMESTAMPTZ,
  pop_receipt UUID
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (queue, id);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (expires_at) WHERE expires_at IS NOT NULL;`, t, idx, expIdx),

		enqueue: fmt.Sprintf(`
INSERT INTO %s (queue, content, expires_at)
VALUES ($1, $2, now() + $3::interval)
RETURNING %s;`, t, columns),

		// Single statement: pick -> update -> return rows. Rows locked by a
		// concurrent claim are skipped, and rows it already committed are
		// re-checked against the visibility predicate after the lock.
		claim: fmt.Sprintf(`
WITH picked AS (
  SELECT id
  FROM %[1]s
  WHERE queue = $1
    AND (visible_at IS NULL OR visible_at <= now())
    AND (expires_at IS NULL OR expires_at > now())
  ORDER BY id
  FOR UPDATE SKIP LOCKED
  LIMIT $2
),
updated AS (
  UPDATE %[1]s m
  SET visible_at  = now() + $3::interval,
      pop_receipt = gen_random_uuid()
  FROM picked
  WHERE m.id = picked.id
  RETURNING m.id, m.queue, m.content, m.enqueued_at, m.visible_at, m.expires_at, m.pop_receipt
)
SELECT %[2]s FROM updated ORDER BY id;`, t, columns),

		peek: fmt.Sprintf(`
SELECT %s
FROM %s
WHERE queue = $1
  AND (expires_at IS NULL OR expires_at > now())
ORDER BY id
LIMIT $2;`, columns, t),

		// The receipt check and the delete are one statement; target only
		// tells NotFound apart from LostOwnership.
		delete: fmt.Sprintf(`
WITH target AS (
  SELECT id FROM %[1]s
  WHERE id = $1 AND queue = $2 AND (expires_at IS NULL OR expires_at > now())
),
removed AS (
  DELETE FROM %[1]s
  WHERE id = $1 AND queue = $2 AND pop_receipt = $3::uuid
    AND (expires_at IS NULL OR expires_at > now())
  RETURNING id
)
SELECT EXISTS (SELECT 1 FROM target), EXISTS (SELECT 1 FROM removed);`, t),

		count: fmt.Sprintf(`
SELECT count(*) FROM %s
WHERE queue = $1 AND (expires_at IS NULL OR expires_at > now());`, t),

		clear: fmt.Sprintf(`DELETE FROM %s WHERE queue = $1;`, t),

		purge: fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= now();`, t),
	}
}

// Migrate creates the table and its indexes if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, p.sql.schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Enqueue inserts a message; ttl <= 0 leaves expires_at NULL.
func (p *PostgresStore) Enqueue(ctx context.Context, queueName string, content []byte, ttl time.Duration) (queue.Message, error) {
	var interval *string
	if ttl > 0 {
		s := toInterval(ttl)
		interval = &s
	}
	if content == nil {
		content = []byte{}
	}

	rows, err := p.pool.Query(ctx, p.sql.enqueue, queueName, content, interval)
	if err != nil {
		return queue.Message{}, fmt.Errorf("enqueue: %w", err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMessage)
	if err != nil {
		return queue.Message{}, fmt.Errorf("enqueue: %w", err)
	}
	return m, nil
}

// Claim leases up to opts.Limit messages for opts.Visibility.
func (p *PostgresStore) Claim(ctx context.Context, opts queue.ClaimOptions) ([]queue.Message, error) {
	if opts.Limit <= 0 {
		return []queue.Message{}, nil
	}

	rows, err := p.pool.Query(ctx, p.sql.claim, opts.Queue, opts.Limit, toInterval(opts.Visibility))
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return collect(rows)
}

// Peek reads up to limit messages and strips their receipts.
func (p *PostgresStore) Peek(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	if limit <= 0 {
		return []queue.Message{}, nil
	}

	rows, err := p.pool.Query(ctx, p.sql.peek, queueName, limit)
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].PopReceipt = nil
	}
	return out, nil
}

// Delete removes the message if receipt is its current one.
func (p *PostgresStore) Delete(ctx context.Context, queueName string, id int64, receipt uuid.UUID) (queue.DeleteResult, error) {
	var found, removed bool
	err := p.pool.QueryRow(ctx, p.sql.delete, id, queueName, receipt.String()).Scan(&found, &removed)
	if err != nil {
		return queue.DeleteNotFound, fmt.Errorf("delete: %w", err)
	}
	switch {
	case removed:
		return queue.DeleteOK, nil
	case found:
		return queue.DeleteLostOwnership, nil
	default:
		return queue.DeleteNotFound, nil
	}
}

func (p *PostgresStore) Count(ctx context.Context, queueName string) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, p.sql.count, queueName).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) Clear(ctx context.Context, queueName string) error {
	if _, err := p.pool.Exec(ctx, p.sql.clear, queueName); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// Purge deletes messages whose ttl has elapsed.
func (p *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, p.sql.purge)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op; the pool is closed by whoever created it.
func (p *PostgresStore) Close() error { return nil }

func collect(rows pgx.Rows) ([]queue.Message, error) {
	out, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []queue.Message{}
	}
	return out, nil
}

// NOTE: column order must match the columns constant.
func scanMessage(row pgx.CollectableRow) (queue.Message, error) {
	var (
		m       queue.Message
		receipt pgtype.UUID
	)
	err := row.Scan(
		&m.ID,
		&m.Queue,
		&m.Content,
		&m.EnqueuedAt,
		&m.VisibleAt,
		&m.ExpiresAt,
		&receipt,
	)
	if err != nil {
		return queue.Message{}, err
	}
	if receipt.Valid {
		u := uuid.UUID(receipt.Bytes)
		m.PopReceipt = &u
	}
	return m, nil
}
