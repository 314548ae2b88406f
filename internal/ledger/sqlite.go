package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"nudge/internal/domain"
)

// Open opens the ledger database at path and ensures its schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS deliveries (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL CHECK(kind IN ('reminder','timeblock','outreach','checkin')),
  subject TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('sent','failed')),
  error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_created ON deliveries(created_at DESC);
CREATE TABLE IF NOT EXISTS job_runs (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  started_at DATETIME NOT NULL,
  finished_at DATETIME NOT NULL,
  error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job_id, started_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// Repository records what the agent sent and which jobs ran.
type Repository interface {
	RecordDelivery(ctx context.Context, d domain.Delivery) (string, error)
	RecordJobRun(ctx context.Context, r domain.JobRun) (string, error)
	RecentDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error)
	RecentJobRuns(ctx context.Context, jobID string, limit int) ([]domain.JobRun, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) RecordDelivery(ctx context.Context, d domain.Delivery) (string, error) {
	id := d.ID
	if id == "" {
		id = "dlv_" + uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO deliveries (id,kind,subject,status,error,created_at) VALUES (?,?,?,?,?,?)`,
		id, string(d.Kind), d.Subject, d.Status, d.Error, d.CreatedAt.UTC())
	return id, err
}

func (r *sqliteRepo) RecordJobRun(ctx context.Context, run domain.JobRun) (string, error) {
	id := run.ID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO job_runs (id,job_id,started_at,finished_at,error) VALUES (?,?,?,?,?)`,
		id, run.JobID, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Error)
	return id, err
}

func (r *sqliteRepo) RecentDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,kind,subject,status,error,created_at
FROM deliveries ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		var kind string
		if err := rows.Scan(&d.ID, &kind, &d.Subject, &d.Status, &d.Error, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Kind = domain.DeliveryKind(kind)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentJobRuns lists the latest runs, all jobs when jobID is empty.
func (r *sqliteRepo) RecentJobRuns(ctx context.Context, jobID string, limit int) ([]domain.JobRun, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,job_id,started_at,finished_at,error
FROM job_runs WHERE (? = '' OR job_id = ?) ORDER BY started_at DESC, rowid DESC LIMIT ?`, jobID, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.JobRun
	for rows.Next() {
		var run domain.JobRun
		if err := rows.Scan(&run.ID, &run.JobID, &run.StartedAt, &run.FinishedAt, &run.Error); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
