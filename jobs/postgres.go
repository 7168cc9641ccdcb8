package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

// PostgresStore persists jobs in the processing_jobs table. The partial
// unique index on resource_key over PENDING/PROCESSING rows enforces the
// in-flight invariant even across service replicas.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

var _ Store = (*PostgresStore)(nil)

const jobColumns = `id, kind, status, progress, COALESCE(error,''), resource_key, COALESCE(payload::text,''), attempts, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j        Job
		kind     string
		status   string
		payload  string
		finished sql.NullTime
	)
	if err := r.Scan(&j.ID, &kind, &status, &j.Progress, &j.Error, &j.ResourceKey, &payload, &j.Attempts, &j.CreatedAt, &j.UpdatedAt, &finished); err != nil {
		return Job{}, err
	}
	var err error
	if j.Kind, err = ParseKind(kind); err != nil {
		return Job{}, err
	}
	if j.Status, err = ParseStatus(status); err != nil {
		return Job{}, err
	}
	if payload != "" {
		j.Payload = []byte(payload)
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return j, nil
}

func payloadArg(p []byte) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

func (s *PostgresStore) Create(ctx context.Context, j *Job) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_jobs (id, kind, status, progress, error, resource_key, payload, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), $6, $7::jsonb, $8, $9, $10)`,
		j.ID, string(j.Kind), string(j.Status), j.Progress, j.Error, j.ResourceKey, payloadArg(j.Payload), j.Attempts, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrResourceBusy
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Update locks the row for the duration of fn so concurrent writers serialize.
func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*Job) error) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Warn("failed to rollback job update", slog.String("job_id", id), slog.Any("err", err))
		}
	}()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("lock job: %w", err)
	}
	next := cur
	if err := fn(&next); err != nil {
		return cur, err
	}
	next.UpdatedAt = time.Now().UTC()
	var finished sql.NullTime
	if next.FinishedAt != nil {
		finished = sql.NullTime{Time: *next.FinishedAt, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status=$2, progress=$3, error=NULLIF($4,''), attempts=$5, updated_at=$6, finished_at=$7
		WHERE id=$1`,
		id, string(next.Status), next.Progress, next.Error, next.Attempts, next.UpdatedAt, finished)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return cur, ErrResourceBusy
		}
		return cur, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return cur, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) FindActive(ctx context.Context, resourceKey string) (Job, bool, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE resource_key=$1 AND status IN ('PENDING','PROCESSING') LIMIT 1`, resourceKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("find active job: %w", err)
	}
	return j, true, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	if f.Kind != "" {
		add("kind=$%d", string(f.Kind))
	}
	if f.ResourceKey != "" {
		add("resource_key=$%d", f.ResourceKey)
	}
	q := `SELECT ` + jobColumns + ` FROM processing_jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	q += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
