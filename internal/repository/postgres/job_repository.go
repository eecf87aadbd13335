package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rehearsekit/backend/internal/model"
)

var (
	ErrNotFound    = model.ErrJobNotFound
	ErrJobTerminal = model.ErrJobTerminal
)

const jobColumns = `
id, user_id, input_type, input_url, project_name, quality_mode, manual_bpm, trim_start, trim_end,
status, progress_percent, detected_bpm, error_message,
source_file_path, stems_folder_path, package_path,
created_at, updated_at, completed_at`

// every pipeline write is conditional on this
const notTerminal = `status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, j model.NewJob) (*model.Job, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	q := `
INSERT INTO jobs (id, user_id, input_type, input_url, project_name, quality_mode, manual_bpm, trim_start, trim_end, source_file_path, status, progress_percent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'PENDING', 0)
RETURNING ` + jobColumns + `;`

	row := r.pool.QueryRow(ctx, q,
		j.ID, j.UserID, string(j.InputType), j.InputURL, j.ProjectName, string(j.QualityMode),
		j.ManualBPM, j.TrimStart, j.TrimEnd, j.SourceFilePath,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// List returns one page of jobs, newest first, and the total count. A nil
// owner lists every job.
func (r *JobRepository) List(ctx context.Context, owner *uuid.UUID, limit, offset int) ([]*model.Job, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE ($1::uuid IS NULL OR user_id = $1);`, owner,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + jobColumns + ` FROM jobs
WHERE ($1::uuid IS NULL OR user_id = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3;`
	rows, err := r.pool.Query(ctx, q, owner, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := make([]*model.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, status model.JobStatus, percent int) error {
	q := `UPDATE jobs SET status = $2, progress_percent = $3, updated_at = now() WHERE id = $1 AND ` + notTerminal + `;`
	return r.execGuarded(ctx, id, q, id, string(status), percent)
}

// SetDetectedBPM writes the analysed tempo once. A second write is a no-op.
func (r *JobRepository) SetDetectedBPM(ctx context.Context, id uuid.UUID, bpm float64) error {
	q := `UPDATE jobs SET detected_bpm = $2, updated_at = now() WHERE id = $1 AND detected_bpm IS NULL AND ` + notTerminal + `;`
	err := r.execGuarded(ctx, id, q, id, bpm)
	if errors.Is(err, errAlreadySet) {
		return nil
	}
	return err
}

// SetSourcePath records where the acquired input lives. Never overwritten.
func (r *JobRepository) SetSourcePath(ctx context.Context, id uuid.UUID, ref string) error {
	q := `UPDATE jobs SET source_file_path = $2, updated_at = now() WHERE id = $1 AND source_file_path IS NULL AND ` + notTerminal + `;`
	err := r.execGuarded(ctx, id, q, id, ref)
	if errors.Is(err, errAlreadySet) {
		return nil
	}
	return err
}

func (r *JobRepository) SetStemsPath(ctx context.Context, id uuid.UUID, ref string) error {
	q := `UPDATE jobs SET stems_folder_path = $2, updated_at = now() WHERE id = $1 AND ` + notTerminal + `;`
	return r.execGuarded(ctx, id, q, id, ref)
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, packagePath string) error {
	q := `
UPDATE jobs
SET status = 'COMPLETED', progress_percent = 100, package_path = $2, updated_at = now(), completed_at = now()
WHERE id = $1 AND ` + notTerminal + `;`
	return r.execGuarded(ctx, id, q, id, packagePath)
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, message string) error {
	q := `
UPDATE jobs
SET status = 'FAILED', error_message = $2, updated_at = now(), completed_at = now()
WHERE id = $1 AND ` + notTerminal + `;`
	return r.execGuarded(ctx, id, q, id, message)
}

// Cancel moves a live job to CANCELLED and returns it.
func (r *JobRepository) Cancel(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	q := `
UPDATE jobs
SET status = 'CANCELLED', updated_at = now(), completed_at = now()
WHERE id = $1 AND ` + notTerminal + `
RETURNING ` + jobColumns + `;`
	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.missOrTerminal(ctx, id)
		}
		return nil, err
	}
	return job, nil
}

// Delete removes a finished job and returns the deleted row. Live jobs are
// refused with model.ErrJobActive.
func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	q := `DELETE FROM jobs WHERE id = $1 AND NOT (` + notTerminal + `) RETURNING ` + jobColumns + `;`
	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		if err := r.missOrTerminal(ctx, id); err != nil && !errors.Is(err, ErrJobTerminal) {
			return nil, err
		}
		return nil, model.ErrJobActive
	}
	return job, nil
}

var errAlreadySet = errors.New("column already set")

// execGuarded runs a conditional update and explains a zero row count.
func (r *JobRepository) execGuarded(ctx context.Context, id uuid.UUID, q string, args ...any) error {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if err := r.missOrTerminal(ctx, id); err != nil {
		return err
	}
	return errAlreadySet
}

// missOrTerminal returns ErrNotFound or ErrJobTerminal, or nil when the job
// exists and is still live.
func (r *JobRepository) missOrTerminal(ctx context.Context, id uuid.UUID) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1;`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	st, err := model.ParseJobStatus(status)
	if err != nil {
		return err
	}
	if st.IsTerminal() {
		return ErrJobTerminal
	}
	return nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job         model.Job
		inputType   string
		qualityMode string
		status      string
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&inputType,
		&job.InputURL,
		&job.ProjectName,
		&qualityMode,
		&job.ManualBPM,
		&job.TrimStart,
		&job.TrimEnd,
		&status,
		&job.ProgressPercent,
		&job.DetectedBPM,
		&job.ErrorMessage,
		&job.SourceFilePath,
		&job.StemsFolderPath,
		&job.PackagePath,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	if err := decodeEnums(&job, inputType, qualityMode, status); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return &job, nil
}

// decodeEnums parses the stored enum columns. An unknown value is a
// ConfigurationError rather than a silently coerced job.
func decodeEnums(job *model.Job, inputType, qualityMode, status string) error {
	var err error
	if job.InputType, err = model.ParseInputType(inputType); err != nil {
		return err
	}
	if job.QualityMode, err = model.ParseQualityMode(qualityMode); err != nil {
		return err
	}
	if job.Status, err = model.ParseJobStatus(status); err != nil {
		return err
	}
	return nil
}
