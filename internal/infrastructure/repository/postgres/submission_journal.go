package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

const schemaLockKey = int64(2025041501)

// SubmissionJournal records every prediction submission and its outcome.
type SubmissionJournal struct {
	db  *sql.DB
	now func() time.Time
}

func NewSubmissionJournal(db *sql.DB) *SubmissionJournal {
	return &SubmissionJournal{db: db, now: time.Now}
}

func (j *SubmissionJournal) EnsureSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS prediction_submissions (
	token TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	model_key TEXT NOT NULL,
	file_name TEXT NOT NULL,
	threshold DOUBLE PRECISION NOT NULL,
	state TEXT NOT NULL,
	item_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	submitted_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_prediction_submissions_submitted_at ON prediction_submissions(submitted_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (j *SubmissionJournal) Begin(ctx context.Context, rec domain.SubmissionRecord) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO prediction_submissions (token, kind, model_key, file_name, threshold, state, item_count, submitted_at)
VALUES ($1,$2,$3,$4,$5,$6,0,$7)
`, rec.Token, string(rec.Kind), rec.ModelKey, rec.FileName, rec.Threshold.Float(), string(rec.State), rec.SubmittedAt)
	if err != nil {
		return fmt.Errorf("begin submission: %w", err)
	}
	return nil
}

func (j *SubmissionJournal) Finish(ctx context.Context, token string, state domain.SubmissionState, itemCount int, errMessage string) error {
	var errValue sql.NullString
	if errMessage != "" {
		errValue = sql.NullString{String: errMessage, Valid: true}
	}
	result, err := j.db.ExecContext(ctx, `
UPDATE prediction_submissions
SET state = $2, item_count = $3, error_message = $4, finished_at = $5
WHERE token = $1
`, token, string(state), itemCount, errValue, j.now().UTC())
	if err != nil {
		return fmt.Errorf("finish submission: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish submission rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "finish submission", fmt.Errorf("token=%s", token))
	}
	return nil
}

// Recent returns the newest submissions first.
func (j *SubmissionJournal) Recent(ctx context.Context, limit int) ([]domain.SubmissionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT token, kind, model_key, file_name, threshold, state, item_count, error_message, submitted_at, finished_at
FROM prediction_submissions
ORDER BY submitted_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SubmissionRecord, 0)
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

func (j *SubmissionJournal) Get(ctx context.Context, token string) (domain.SubmissionRecord, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT token, kind, model_key, file_name, threshold, state, item_count, error_message, submitted_at, finished_at
FROM prediction_submissions
WHERE token = $1
`, token)
	rec, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SubmissionRecord{}, domain.WrapError(domain.ErrNotFound, "get submission", fmt.Errorf("token=%s", token))
		}
		return domain.SubmissionRecord{}, fmt.Errorf("get submission: %w", err)
	}
	return rec, nil
}

type submissionScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row submissionScanner) (domain.SubmissionRecord, error) {
	var (
		rec        domain.SubmissionRecord
		kind       string
		state      string
		threshold  float64
		errMessage sql.NullString
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&rec.Token,
		&kind,
		&rec.ModelKey,
		&rec.FileName,
		&threshold,
		&state,
		&rec.ItemCount,
		&errMessage,
		&rec.SubmittedAt,
		&finishedAt,
	)
	if err != nil {
		return domain.SubmissionRecord{}, err
	}
	rec.Kind = domain.WorkflowKind(kind)
	rec.State = domain.SubmissionState(state)
	rec.Threshold = domain.Threshold(threshold)
	rec.ErrorMessage = errMessage.String
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}
