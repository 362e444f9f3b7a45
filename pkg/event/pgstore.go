package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed Store with per-queue hash chains.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const recordColumns = `id, seq, queue_id, task_id, event_type, persona, summary, data, created_at, hash, prev_hash`

// EnsureTable creates the events table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			seq        BIGSERIAL UNIQUE,
			queue_id   TEXT NOT NULL,
			task_id    TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			persona    TEXT NOT NULL DEFAULT '',
			summary    TEXT NOT NULL DEFAULT '',
			data       JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			hash       TEXT NOT NULL,
			prev_hash  TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_events_queue_seq ON events(queue_id, seq)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_events_task_seq ON events(task_id, seq) WHERE task_id != ''`)
	return err
}

// Append stores a record, linking it to the queue's previous record. A
// transaction-scoped advisory lock on the queue serializes appends across
// server replicas so Seq order matches chain order.
func (s *PgStore) Append(ctx context.Context, rec *Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	cp := *rec
	Normalize(&cp)
	dataJSON, err := json.Marshal(cp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, cp.QueueID); err != nil {
		return nil, fmt.Errorf("lock queue %s: %w", cp.QueueID, err)
	}

	var prevHash string
	var prevAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT hash, created_at FROM events WHERE queue_id = $1
		ORDER BY seq DESC LIMIT 1`, cp.QueueID).Scan(&prevHash, &prevAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chain head %s: %w", cp.QueueID, err)
	}

	if err := tx.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('events', 'seq'))`).Scan(&cp.Seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}
	cp.ID = uuid.Must(uuid.NewV7()).String()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.CreatedAt = cp.CreatedAt.Truncate(time.Microsecond)
	if cp.CreatedAt.Before(prevAt) {
		cp.CreatedAt = prevAt
	}
	cp.PrevHash = prevHash
	cp.Hash = computeHash(prevHash, &cp, dataJSON)

	_, err = tx.Exec(ctx, `
		INSERT INTO events (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)`,
		cp.ID, cp.Seq, cp.QueueID, cp.TaskID, string(cp.Type), cp.Persona, cp.Summary,
		string(dataJSON), cp.CreatedAt, cp.Hash, cp.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	return &cp, nil
}

// Get retrieves a single record by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Record, error) {
	recs, err := s.scanMany(ctx, `SELECT `+recordColumns+` FROM events WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("get event %s: %w", id, ErrNotFound)
	}
	return &recs[0], nil
}

// Recent returns the last limit records of a queue, oldest first.
func (s *PgStore) Recent(ctx context.Context, queueID string, limit int) ([]Record, error) {
	return s.scanMany(ctx, `
		SELECT * FROM (
			SELECT `+recordColumns+` FROM events WHERE queue_id = $1
			ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC`, queueID, limitOrAll(limit))
}

// Since returns a queue's records after afterSeq, for feeds and resume.
func (s *PgStore) Since(ctx context.Context, queueID string, afterSeq int64, limit int) ([]Record, error) {
	return s.scanMany(ctx, `
		SELECT `+recordColumns+` FROM events WHERE queue_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3`, queueID, afterSeq, limitOrAll(limit))
}

// ByTask returns a task's records after afterSeq.
func (s *PgStore) ByTask(ctx context.Context, taskID string, afterSeq int64, limit int) ([]Record, error) {
	return s.scanMany(ctx, `
		SELECT `+recordColumns+` FROM events WHERE task_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3`, taskID, afterSeq, limitOrAll(limit))
}

// Count returns the total number of records.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// VerifyChain walks a queue's chain in Seq order and checks every link.
func (s *PgStore) VerifyChain(ctx context.Context, queueID string) error {
	recs, err := s.scanMany(ctx, `SELECT `+recordColumns+` FROM events WHERE queue_id = $1 ORDER BY seq ASC`, queueID)
	if err != nil {
		return fmt.Errorf("verify chain query: %w", err)
	}
	prevHash := ""
	for i := range recs {
		if err := verifyLink(i, prevHash, &recs[i]); err != nil {
			return err
		}
		prevHash = recs[i].Hash
	}
	return nil
}

func (s *PgStore) scanMany(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		var typ string
		var dataJSON []byte
		if err := rows.Scan(&r.ID, &r.Seq, &r.QueueID, &r.TaskID, &typ, &r.Persona, &r.Summary,
			&dataJSON, &r.CreatedAt, &r.Hash, &r.PrevHash); err != nil {
			return nil, err
		}
		r.Type = Type(typ)
		if err := json.Unmarshal(dataJSON, &r.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return recs, nil
}

// limitOrAll maps a non-positive limit to Postgres' LIMIT ALL.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
