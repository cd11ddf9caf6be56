package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/cloudsketch/diagen/internal/domain"
)

// terminalStates is inlined into transition predicates so terminal states are
// monotonic at the store level, not just in the executor.
const terminalStates = `('completed','failed','cancelled')`

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a newly admitted job.
func (r *JobRepo) Create(ctx context.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	specJSON, err := json.Marshal(j.Spec)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	q := `INSERT INTO jobs (id, subject, tier, spec, state, priority, attempts, submitted_at, admitted_at, updated_at, error_kind, error_msg)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'','')`
	_, err = r.Pool.Exec(ctx, q, j.ID, j.Subject, j.Tier, specJSON, j.State, j.Priority, j.Attempts, j.SubmittedAt, j.AdmittedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

const jobColumns = `id, subject, tier, spec, state, priority, attempts, submitted_at, admitted_at, updated_at, result, COALESCE(error_kind,''), COALESCE(error_msg,'')`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var specJSON []byte
	var resultJSON []byte
	if err := row.Scan(&j.ID, &j.Subject, &j.Tier, &specJSON, &j.State, &j.Priority, &j.Attempts,
		&j.SubmittedAt, &j.AdmittedAt, &j.UpdatedAt, &resultJSON, &j.ErrorKind, &j.ErrorMsg); err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(specJSON, &j.Spec); err != nil {
		return domain.Job{}, err
	}
	if len(resultJSON) > 0 {
		var a domain.Artifact
		if err := json.Unmarshal(resultJSON, &a); err != nil {
			return domain.Job{}, err
		}
		j.Result = &a
	}
	return j, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// UpdateState moves a non-terminal job to a non-terminal state and stores the
// attempt counter. Transitions out of a terminal state are refused.
func (r *JobRepo) UpdateState(ctx context.Context, id string, state domain.JobState, attempts int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateState")
	defer span.End()
	if state.Terminal() {
		return fmt.Errorf("op=job.update_state: %w: %s is terminal", domain.ErrInvalidArgument, state)
	}
	q := `UPDATE jobs SET state=$2, attempts=$3, updated_at=$4 WHERE id=$1 AND state NOT IN ` + terminalStates
	tag, err := r.Pool.Exec(ctx, q, id, state, attempts, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.update_state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update_state: %w: job %s terminal or missing", domain.ErrConflict, id)
	}
	return nil
}

// Complete atomically records the artifact and the completed state in one
// statement so readers never observe completed-without-result.
func (r *JobRepo) Complete(ctx context.Context, id string, res domain.Artifact) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	resJSON, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	q := `UPDATE jobs SET state='completed', result=$2, updated_at=$3 WHERE id=$1 AND state NOT IN ` + terminalStates
	tag, err := r.Pool.Exec(ctx, q, id, resJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete: %w: job %s terminal or missing", domain.ErrConflict, id)
	}
	return nil
}

// Fail atomically records the error kind, message, and failed state.
func (r *JobRepo) Fail(ctx context.Context, id string, kind domain.ErrorKind, msg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	q := `UPDATE jobs SET state='failed', error_kind=$2, error_msg=$3, updated_at=$4 WHERE id=$1 AND state NOT IN ` + terminalStates
	tag, err := r.Pool.Exec(ctx, q, id, kind, msg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.fail: %w: job %s terminal or missing", domain.ErrConflict, id)
	}
	return nil
}

// MarkCancelled transitions a non-terminal job to cancelled and reports
// whether this call performed the transition. The conditional update makes
// cancellation idempotent without a separate read.
func (r *JobRepo) MarkCancelled(ctx context.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelled")
	defer span.End()
	q := `UPDATE jobs SET state='cancelled', error_kind=$2, updated_at=$3 WHERE id=$1 AND state NOT IN ` + terminalStates
	tag, err := r.Pool.Exec(ctx, q, id, domain.ErrKindCancelled, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=job.mark_cancelled: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListActive returns every non-terminal job in dispatch order.
func (r *JobRepo) ListActive(ctx context.Context) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListActive")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE state NOT IN ` + terminalStates + ` ORDER BY priority DESC, admitted_at ASC, id ASC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_active: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_active: %w", err)
	}
	return out, nil
}

// CountActiveBySubject returns the live count of non-terminal jobs for a
// subject, the input to the concurrency cap check.
func (r *JobRepo) CountActiveBySubject(ctx context.Context, subject string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountActiveBySubject")
	defer span.End()
	var n int
	q := `SELECT COUNT(*) FROM jobs WHERE subject=$1 AND state NOT IN ` + terminalStates
	if err := r.Pool.QueryRow(ctx, q, subject).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_active: %w", err)
	}
	return n, nil
}

// CountAdmittedSince counts a subject's admissions at or after the window
// boundary, the input to the hourly/daily request caps.
func (r *JobRepo) CountAdmittedSince(ctx context.Context, subject string, since time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountAdmittedSince")
	defer span.End()
	var n int64
	q := `SELECT COUNT(*) FROM jobs WHERE subject=$1 AND admitted_at >= $2`
	if err := r.Pool.QueryRow(ctx, q, subject, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_admitted: %w", err)
	}
	return n, nil
}
