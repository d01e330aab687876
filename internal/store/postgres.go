package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"SheetSend/internal/models"
)

// Postgres backs both stores with one pgx connection pool. Claims and status
// transitions are conditional UPDATEs, outcome records are (job, row)-keyed
// upserts, so every guarantee survives concurrent ticks and restarts.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, conn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := &Postgres{Pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Postgres) Close() {
	s.Pool.Close()
}

// Credentials returns the CredentialStore view of the pool.
func (s *Postgres) Credentials() *PostgresCredentials {
	return &PostgresCredentials{pool: s.Pool}
}

// Jobs returns the JobStore view of the pool.
func (s *Postgres) Jobs() *PostgresJobs {
	return &PostgresJobs{pool: s.Pool}
}

func (s *Postgres) initSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			id         UUID PRIMARY KEY,
			address    TEXT NOT NULL UNIQUE,
			secret     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS email_jobs (
			id           UUID PRIMARY KEY,
			sheet_id     TEXT NOT NULL,
			sheet_name   TEXT NOT NULL,
			subject      TEXT NOT NULL,
			body         TEXT NOT NULL,
			att_filename TEXT,
			att_type     TEXT,
			att_content  BYTEA,
			ranges       JSONB NOT NULL,
			sender_id    UUID,
			scheduled_at TIMESTAMPTZ NOT NULL,
			status       TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS job_outcomes (
			job_id     UUID NOT NULL REFERENCES email_jobs(id) ON DELETE CASCADE,
			row_index  INT NOT NULL,
			status     TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (job_id, row_index)
		);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var (
	_ CredentialStore = (*PostgresCredentials)(nil)
	_ JobStore        = (*PostgresJobs)(nil)
)

// PostgresCredentials implements CredentialStore.
type PostgresCredentials struct {
	pool *pgxpool.Pool
}

func (s *PostgresCredentials) Add(ctx context.Context, address, secret string) (*models.Credential, error) {
	cred := models.Credential{ID: uuid.New(), Address: address}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (id, address, secret) VALUES ($1, $2, $3)`,
		cred.ID, address, secret,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("add credential: %w", err)
	}
	return &cred, nil
}

func (s *PostgresCredentials) Update(ctx context.Context, id uuid.UUID, address, secret string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials
		 SET address = COALESCE(NULLIF($2, ''), address),
		     secret  = COALESCE(NULLIF($3, ''), secret)
		 WHERE id = $1`,
		id, address, secret,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresCredentials) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresCredentials) List(ctx context.Context) ([]models.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, address FROM credentials ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []models.Credential
	for rows.Next() {
		var c models.Credential
		if err := rows.Scan(&c.ID, &c.Address); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresCredentials) Get(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	var c models.Credential
	err := s.pool.QueryRow(ctx,
		`SELECT id, address, secret FROM credentials WHERE id = $1`, id,
	).Scan(&c.ID, &c.Address, &c.Secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

func (s *PostgresCredentials) First(ctx context.Context) (*models.Credential, error) {
	var c models.Credential
	err := s.pool.QueryRow(ctx,
		`SELECT id, address, secret FROM credentials ORDER BY created_at LIMIT 1`,
	).Scan(&c.ID, &c.Address, &c.Secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("first credential: %w", err)
	}
	return &c, nil
}

// PostgresJobs implements JobStore.
type PostgresJobs struct {
	pool *pgxpool.Pool
}

const jobColumns = `id, sheet_id, sheet_name, subject, body,
	att_filename, att_type, att_content,
	ranges, sender_id, scheduled_at, status, created_at, updated_at`

func scanJob(row pgx.Row) (*models.EmailJob, error) {
	var j models.EmailJob
	var attName, attType *string
	var attContent []byte
	var rangesJSON []byte

	err := row.Scan(
		&j.ID, &j.SheetID, &j.SheetName, &j.Subject, &j.Body,
		&attName, &attType, &attContent,
		&rangesJSON, &j.SenderID, &j.ScheduledAt, &j.Status,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if attName != nil {
		j.Attachment = &models.Attachment{Filename: *attName, Content: attContent}
		if attType != nil {
			j.Attachment.ContentType = *attType
		}
	}
	if err := json.Unmarshal(rangesJSON, &j.Ranges); err != nil {
		return nil, fmt.Errorf("unmarshal ranges: %w", err)
	}
	return &j, nil
}

func (s *PostgresJobs) Put(ctx context.Context, job *models.EmailJob) error {
	rangesJSON, err := json.Marshal(job.Ranges)
	if err != nil {
		return fmt.Errorf("marshal ranges: %w", err)
	}

	var attName, attType *string
	var attContent []byte
	if job.Attachment != nil {
		attName = &job.Attachment.Filename
		attType = &job.Attachment.ContentType
		attContent = job.Attachment.Content
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO email_jobs
		 (id, sheet_id, sheet_name, subject, body,
		  att_filename, att_type, att_content,
		  ranges, sender_id, scheduled_at, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		job.ID, job.SheetID, job.SheetName, job.Subject, job.Body,
		attName, attType, attContent,
		rangesJSON, job.SenderID, job.ScheduledAt, job.Status,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

func (s *PostgresJobs) Get(ctx context.Context, id uuid.UUID) (*models.EmailJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresJobs) List(ctx context.Context) ([]models.JobSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT j.id, j.subject, j.scheduled_at, j.status,
		       COUNT(o.row_index) FILTER (WHERE o.status = 'sent'),
		       COUNT(o.row_index) FILTER (WHERE o.status = 'failed')
		FROM email_jobs j
		LEFT JOIN job_outcomes o ON o.job_id = j.id
		GROUP BY j.id
		ORDER BY j.scheduled_at`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobSummary
	for rows.Next() {
		var sum models.JobSummary
		if err := rows.Scan(&sum.ID, &sum.Subject, &sum.ScheduledAt,
			&sum.Status, &sum.Sent, &sum.Failed); err != nil {
			return nil, fmt.Errorf("scan job summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresJobs) ClaimDue(ctx context.Context, now time.Time) ([]*models.EmailJob, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE email_jobs
		 SET status = $1, updated_at = $2
		 WHERE status = $3 AND scheduled_at <= $2
		 RETURNING `+jobColumns,
		models.StatusRunning, now, models.StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var claimed []*models.EmailJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		claimed = append(claimed, j)
	}
	return claimed, rows.Err()
}

// transitionSources maps a target status onto the statuses it may come from.
var transitionSources = map[models.JobStatus][]string{
	models.StatusRunning:   {string(models.StatusPending)},
	models.StatusCompleted: {string(models.StatusRunning)},
	models.StatusFailed:    {string(models.StatusRunning)},
	models.StatusCanceled:  {string(models.StatusPending), string(models.StatusRunning)},
}

func (s *PostgresJobs) UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	from, ok := transitionSources[status]
	if !ok {
		return fmt.Errorf("illegal target status %q", status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE email_jobs
		 SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3)`,
		id, status, from,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := s.Status(ctx, id)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return ErrAlreadyTerminal
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresJobs) Status(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	var status models.JobStatus
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM email_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return status, nil
}

func (s *PostgresJobs) Cancel(ctx context.Context, id uuid.UUID) error {
	err := s.UpdateStatus(ctx, id, models.StatusCanceled)
	if errors.Is(err, ErrConflict) {
		return ErrAlreadyTerminal
	}
	return err
}

func (s *PostgresJobs) RecordOutcome(ctx context.Context, id uuid.UUID, outcome models.RowOutcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_outcomes (job_id, row_index, status, reason, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (job_id, row_index)
		 DO UPDATE SET status = EXCLUDED.status,
		               reason = EXCLUDED.reason,
		               updated_at = EXCLUDED.updated_at`,
		id, outcome.Row, outcome.Status, outcome.Reason, outcome.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (s *PostgresJobs) Outcomes(ctx context.Context, id uuid.UUID) ([]models.RowOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT row_index, status, reason, updated_at
		 FROM job_outcomes WHERE job_id = $1 ORDER BY row_index`, id)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.RowOutcome
	for rows.Next() {
		var o models.RowOutcome
		if err := rows.Scan(&o.Row, &o.Status, &o.Reason, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresJobs) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM email_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
