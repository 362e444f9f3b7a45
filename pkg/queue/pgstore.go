package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed queue store.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the queues table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS queues (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'active',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS queues_name_idx ON queues(name)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS queues_status_idx ON queues(status, updated_at)`)
	return err
}

// Create inserts a new queue. Names are unique.
func (s *PgStore) Create(ctx context.Context, q *Queue) (*Queue, error) {
	cp := *q
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	cp.ID = uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)
	cp.CreatedAt = now
	cp.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (id, name, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.ID, cp.Name, cp.Description, string(cp.Status), cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create queue %q: %w", cp.Name, ErrNameTaken)
		}
		return nil, fmt.Errorf("create queue %q: %w", cp.Name, err)
	}
	return &cp, nil
}

// Get returns a queue by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Queue, error) {
	q, err := s.scanOne(ctx, `SELECT id, name, description, status, created_at, updated_at FROM queues WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get queue %s: %w", id, err)
	}
	return q, nil
}

// List returns queues most recently updated first.
func (s *PgStore) List(ctx context.Context, status Status, limit int) ([]Queue, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, name, description, status, created_at, updated_at
			FROM queues WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`, string(status), limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, name, description, status, created_at, updated_at
			FROM queues ORDER BY updated_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var queues []Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, *q)
	}
	return queues, rows.Err()
}

// Update applies f and bumps updated_at.
func (s *PgStore) Update(ctx context.Context, id string, f Fields) (*Queue, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f.Apply(cur)
	if err := cur.Validate(); err != nil {
		return nil, err
	}
	q, err := s.scanOne(ctx, `
		UPDATE queues SET name = $1, description = $2, status = $3, updated_at = $4
		WHERE id = $5
		RETURNING id, name, description, status, created_at, updated_at`,
		cur.Name, cur.Description, string(cur.Status), time.Now().Truncate(time.Microsecond), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("rename queue %s: %w", id, ErrNameTaken)
		}
		return nil, fmt.Errorf("update queue %s: %w", id, err)
	}
	return q, nil
}

// Touch bumps updated_at.
func (s *PgStore) Touch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE queues SET updated_at = $1 WHERE id = $2`, time.Now().Truncate(time.Microsecond), id)
	if err != nil {
		return fmt.Errorf("touch queue %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch queue %s: %w", id, ErrNotFound)
	}
	return nil
}

// Count returns the number of queues.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queues`).Scan(&n)
	return n, err
}

func (s *PgStore) scanOne(ctx context.Context, query string, args ...any) (*Queue, error) {
	q, err := scanQueue(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return q, err
}

func scanQueue(row interface{ Scan(dest ...any) error }) (*Queue, error) {
	var q Queue
	var status string
	if err := row.Scan(&q.ID, &q.Name, &q.Description, &status, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	q.Status = Status(status)
	return &q, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
