package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"SheetSend/internal/models"
)

var (
	_ CredentialStore = (*MemoryCredentials)(nil)
	_ JobStore        = (*MemoryJobs)(nil)
)

// MemoryCredentials is a mutex-guarded in-process credential store. It backs
// tests and DATABASE_URL-less deployments.
type MemoryCredentials struct {
	mu    sync.Mutex
	creds map[uuid.UUID]models.Credential
	order []uuid.UUID
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{creds: make(map[uuid.UUID]models.Credential)}
}

func (s *MemoryCredentials) Add(ctx context.Context, address, secret string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.creds {
		if strings.EqualFold(c.Address, address) {
			return nil, ErrConflict
		}
	}

	cred := models.Credential{ID: uuid.New(), Address: address, Secret: secret}
	s.creds[cred.ID] = cred
	s.order = append(s.order, cred.ID)
	return &models.Credential{ID: cred.ID, Address: cred.Address}, nil
}

func (s *MemoryCredentials) Update(ctx context.Context, id uuid.UUID, address, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	if address != "" {
		for other, c := range s.creds {
			if other != id && strings.EqualFold(c.Address, address) {
				return ErrConflict
			}
		}
		cred.Address = address
	}
	if secret != "" {
		cred.Secret = secret
	}
	s.creds[id] = cred
	return nil
}

func (s *MemoryCredentials) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[id]; !ok {
		return ErrNotFound
	}
	delete(s.creds, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryCredentials) List(ctx context.Context) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Credential, 0, len(s.order))
	for _, id := range s.order {
		c := s.creds[id]
		out = append(out, models.Credential{ID: c.ID, Address: c.Address})
	}
	return out, nil
}

func (s *MemoryCredentials) Get(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cred := c
	return &cred, nil
}

func (s *MemoryCredentials) First(ctx context.Context) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return nil, ErrNotFound
	}
	c := s.creds[s.order[0]]
	cred := c
	return &cred, nil
}

// MemoryJobs is a mutex-guarded in-process job store. Jobs are deep-copied on
// the way in and out so callers can never mutate stored state; the claim in
// ClaimDue is the guarded status flip itself.
type MemoryJobs struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.EmailJob
	outcomes map[uuid.UUID]map[int]models.RowOutcome
}

func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{
		jobs:     make(map[uuid.UUID]*models.EmailJob),
		outcomes: make(map[uuid.UUID]map[int]models.RowOutcome),
	}
}

func copyJob(j *models.EmailJob) *models.EmailJob {
	cp := *j
	cp.Ranges = append([]models.RowRange(nil), j.Ranges...)
	if j.Attachment != nil {
		att := *j.Attachment
		att.Content = append([]byte(nil), j.Attachment.Content...)
		cp.Attachment = &att
	}
	if j.SenderID != nil {
		id := *j.SenderID
		cp.SenderID = &id
	}
	return &cp
}

func (s *MemoryJobs) Put(ctx context.Context, job *models.EmailJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryJobs) Get(ctx context.Context, id uuid.UUID) (*models.EmailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryJobs) List(ctx context.Context) ([]models.JobSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.JobSummary, 0, len(s.jobs))
	for id, j := range s.jobs {
		sum := models.JobSummary{
			ID:          j.ID,
			Subject:     j.Subject,
			ScheduledAt: j.ScheduledAt,
			Status:      j.Status,
		}
		for _, o := range s.outcomes[id] {
			switch o.Status {
			case models.OutcomeSent:
				sum.Sent++
			case models.OutcomeFailed:
				sum.Failed++
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].ScheduledAt.Before(out[k].ScheduledAt)
	})
	return out, nil
}

func (s *MemoryJobs) ClaimDue(ctx context.Context, now time.Time) ([]*models.EmailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*models.EmailJob
	for _, j := range s.jobs {
		if j.Status == models.StatusPending && !j.ScheduledAt.After(now) {
			j.Status = models.StatusRunning
			j.UpdatedAt = now
			claimed = append(claimed, copyJob(j))
		}
	}
	sort.Slice(claimed, func(i, k int) bool {
		return claimed[i].ScheduledAt.Before(claimed[k].ScheduledAt)
	})
	return claimed, nil
}

func (s *MemoryJobs) UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !j.Status.CanTransitionTo(status) {
		if j.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}
		return ErrConflict
	}
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryJobs) Status(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	return j.Status, nil
}

func (s *MemoryJobs) Cancel(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	j.Status = models.StatusCanceled
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryJobs) RecordOutcome(ctx context.Context, id uuid.UUID, outcome models.RowOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	m, ok := s.outcomes[id]
	if !ok {
		m = make(map[int]models.RowOutcome)
		s.outcomes[id] = m
	}
	m[outcome.Row] = outcome
	return nil
}

func (s *MemoryJobs) Outcomes(ctx context.Context, id uuid.UUID) ([]models.RowOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return nil, ErrNotFound
	}
	out := make([]models.RowOutcome, 0, len(s.outcomes[id]))
	for _, o := range s.outcomes[id] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Row < out[k].Row })
	return out, nil
}

func (s *MemoryJobs) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.outcomes, id)
	return nil
}
