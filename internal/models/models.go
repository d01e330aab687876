package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether a job in this status can never change again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CanTransitionTo enforces the job state machine:
// pending -> running -> {completed, failed, canceled}, pending -> canceled.
// Terminal states are absorbing.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCanceled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCanceled
	}
	return false
}

type OutcomeStatus string

const (
	OutcomePending OutcomeStatus = "pending"
	OutcomeSent    OutcomeStatus = "sent"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Failure reasons recorded on per-row outcomes.
const (
	ReasonMissingRecipient  = "MissingRecipient"
	ReasonRangeOutOfBounds  = "RangeOutOfBounds"
	ReasonSourceUnavailable = "SourceUnavailable"
	ReasonAuthFailure       = "AuthFailure"
	ReasonRecipientRejected = "RecipientRejected"
	ReasonSendFailure       = "SendFailure"
)

// RowOutcome is the durable per-row record of what happened to one email.
type RowOutcome struct {
	Row       int           `json:"row"`
	Status    OutcomeStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Credential is a sender identity. The secret is write-only: it is never
// serialized and never returned by list operations.
type Credential struct {
	ID      uuid.UUID `json:"id"`
	Address string    `json:"user"`
	Secret  string    `json:"-"`
}

// RowRange is a contiguous, inclusive span of data-row indices.
// Indices are 0-based over data rows; the sheet header row is excluded.
type RowRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (r RowRange) Validate() error {
	if r.From < 0 || r.To < 0 {
		return fmt.Errorf("range (%d,%d): indices must be non-negative", r.From, r.To)
	}
	if r.From > r.To {
		return fmt.Errorf("range (%d,%d): from must not exceed to", r.From, r.To)
	}
	return nil
}

// Attachment is stored decoded and applied identically to every row's email.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"-"`
}

type EmailJob struct {
	ID         uuid.UUID   `json:"id"`
	SheetID    string      `json:"sheetId"`
	SheetName  string      `json:"sheetName"`
	Subject    string      `json:"emailSubject"`
	Body       string      `json:"emailBody"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Ranges     []RowRange  `json:"ranges"`
	SenderID   *uuid.UUID  `json:"senderId,omitempty"`

	ScheduledAt time.Time `json:"scheduledDateTime"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks a job definition before it is persisted.
// A fire time in the past is allowed; such jobs fire on the next watcher tick.
func (j *EmailJob) Validate() error {
	if j.SheetID == "" {
		return fmt.Errorf("sheetId is required")
	}
	if j.SheetName == "" {
		return fmt.Errorf("sheetName is required")
	}
	if j.Subject == "" {
		return fmt.Errorf("emailSubject is required")
	}
	if len(j.Ranges) == 0 {
		return fmt.Errorf("at least one row range is required")
	}
	for _, r := range j.Ranges {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	if j.ScheduledAt.IsZero() {
		return fmt.Errorf("scheduledDateTime is required")
	}
	return nil
}

// Worklist flattens the job's ranges into the ordered list of row indices to
// process: range order preserved, ascending within a range. Overlapping ranges
// produce repeated indices on purpose; rows are not de-duplicated.
func (j *EmailJob) Worklist() []int {
	var rows []int
	for _, r := range j.Ranges {
		for i := r.From; i <= r.To; i++ {
			rows = append(rows, i)
		}
	}
	return rows
}

// JobSummary is the listing shape: enough to render the scheduled-tasks table
// without pulling attachment bytes or per-row outcomes.
type JobSummary struct {
	ID          uuid.UUID `json:"id"`
	Subject     string    `json:"emailSubject"`
	ScheduledAt time.Time `json:"scheduledDateTime"`
	Status      JobStatus `json:"status"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
}
