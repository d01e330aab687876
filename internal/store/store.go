// Package store persists sender credentials, scheduled jobs, and per-row
// send outcomes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"SheetSend/internal/models"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrConflict        = errors.New("record already exists")
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
)

// CredentialStore holds sender identities. Secrets go in and never come back
// out of List; Get exists for the scheduler to acquire a credential at send
// time. Mutations are serialized per store so concurrent edits cannot lose
// updates.
type CredentialStore interface {
	Add(ctx context.Context, address, secret string) (*models.Credential, error)
	// Update replaces the address and/or secret; empty values keep the
	// current ones.
	Update(ctx context.Context, id uuid.UUID, address, secret string) error
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns identities only; Secret is always blank.
	List(ctx context.Context) ([]models.Credential, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Credential, error)
	// First returns the earliest-created credential, used when a job does
	// not name a sender identity.
	First(ctx context.Context) (*models.Credential, error)
}

// JobStore is the durable record of jobs and their per-row outcomes.
//
// RecordOutcome must be crash-safe: keyed by (job, row), so a restart can
// neither lose a recorded outcome nor record a second one for the same row.
type JobStore interface {
	Put(ctx context.Context, job *models.EmailJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.EmailJob, error)
	List(ctx context.Context) ([]models.JobSummary, error)

	// ClaimDue atomically transitions every pending job whose fire time is
	// at or before now into running and returns them. A given job is
	// returned by exactly one call even under concurrent ticks; the claim is
	// the persisted status change, not an in-memory flag.
	ClaimDue(ctx context.Context, now time.Time) ([]*models.EmailJob, error)

	// UpdateStatus applies the job state machine; transitions out of a
	// terminal state return ErrAlreadyTerminal.
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	Status(ctx context.Context, id uuid.UUID) (models.JobStatus, error)

	// Cancel is legal from pending or running only.
	Cancel(ctx context.Context, id uuid.UUID) error

	RecordOutcome(ctx context.Context, id uuid.UUID, outcome models.RowOutcome) error
	Outcomes(ctx context.Context, id uuid.UUID) ([]models.RowOutcome, error)

	Delete(ctx context.Context, id uuid.UUID) error
}
