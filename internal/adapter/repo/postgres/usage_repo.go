package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/cloudsketch/diagen/internal/domain"
)

// UsageRepo is the append-only usage ledger. Records are keyed by job id so a
// job can never account twice.
type UsageRepo struct{ Pool PgxPool }

// NewUsageRepo constructs a UsageRepo with the given pool.
func NewUsageRepo(p PgxPool) *UsageRepo { return &UsageRepo{Pool: p} }

// Append inserts one ledger entry. Re-appending for the same job is a
// conflict, preserving exactly-once accounting.
func (r *UsageRepo) Append(ctx context.Context, rec domain.UsageRecord) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Append")
	defer span.End()
	q := `INSERT INTO usage_records (job_id, subject, ts, tokens_in, tokens_out, success, error_kind, estimated_cost)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (job_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, rec.JobID, rec.Subject, rec.Timestamp, rec.TokensIn, rec.TokensOut, rec.Success, rec.ErrorKind, rec.EstimatedCost)
	if err != nil {
		return fmt.Errorf("op=usage.append: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=usage.append: %w: usage for job %s already recorded", domain.ErrConflict, rec.JobID)
	}
	return nil
}

// TokensSince sums a subject's token usage at or after the window boundary.
func (r *UsageRepo) TokensSince(ctx context.Context, subject string, since time.Time) (int64, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.TokensSince")
	defer span.End()
	var total int64
	q := `SELECT COALESCE(SUM(tokens_in + tokens_out), 0) FROM usage_records WHERE subject=$1 AND ts >= $2`
	if err := r.Pool.QueryRow(ctx, q, subject, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("op=usage.tokens_since: %w", err)
	}
	return total, nil
}

// GetByJobID loads the ledger entry of a job.
func (r *UsageRepo) GetByJobID(ctx context.Context, jobID string) (domain.UsageRecord, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.GetByJobID")
	defer span.End()
	q := `SELECT job_id, subject, ts, tokens_in, tokens_out, success, COALESCE(error_kind,''), estimated_cost FROM usage_records WHERE job_id=$1`
	row := r.Pool.QueryRow(ctx, q, jobID)
	var rec domain.UsageRecord
	if err := row.Scan(&rec.JobID, &rec.Subject, &rec.Timestamp, &rec.TokensIn, &rec.TokensOut, &rec.Success, &rec.ErrorKind, &rec.EstimatedCost); err != nil {
		if err == pgx.ErrNoRows {
			return domain.UsageRecord{}, fmt.Errorf("op=usage.get: %w", domain.ErrNotFound)
		}
		return domain.UsageRecord{}, fmt.Errorf("op=usage.get: %w", err)
	}
	return rec, nil
}
