// Package scheduler drives scheduled email jobs: a fire-time watcher claims
// due jobs from the store and a worker pool walks each job's row worklist
// through fetch, render, and dispatch.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"SheetSend/internal/dispatch"
	"SheetSend/internal/metrics"
	"SheetSend/internal/models"
	"SheetSend/internal/rows"
	"SheetSend/internal/store"
)

type Options struct {
	Jobs        store.JobStore
	Credentials store.CredentialStore
	Source      rows.Source
	Sender      dispatch.Sender
	Limiter     *rate.Limiter
	Logger      *zap.Logger

	// Interval between watcher ticks.
	Interval time.Duration
	// Workers is the number of jobs processed concurrently.
	Workers int
	// RecipientField is the row field holding the destination address.
	RecipientField string
}

type Scheduler struct {
	jobs    store.JobStore
	creds   store.CredentialStore
	source  rows.Source
	sender  dispatch.Sender
	limiter *rate.Limiter
	log     *zap.Logger

	interval       time.Duration
	workers        int
	recipientField string

	queue   chan *models.EmailJob
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.RecipientField == "" {
		opts.RecipientField = "Email"
	}
	return &Scheduler{
		jobs:           opts.Jobs,
		creds:          opts.Credentials,
		source:         opts.Source,
		sender:         opts.Sender,
		limiter:        opts.Limiter,
		log:            opts.Logger,
		interval:       opts.Interval,
		workers:        opts.Workers,
		recipientField: opts.RecipientField,
		queue:          make(chan *models.EmailJob, 64),
	}
}

// Schedule validates a job definition, persists it pending, and leaves it for
// the watcher. Fire times in the past are accepted; such jobs fire on the
// next tick.
func (s *Scheduler) Schedule(ctx context.Context, job *models.EmailJob) (uuid.UUID, error) {
	if err := job.Validate(); err != nil {
		return uuid.Nil, err
	}

	job.ID = uuid.New()
	job.Status = models.StatusPending
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := s.jobs.Put(ctx, job); err != nil {
		return uuid.Nil, err
	}

	s.log.Info("job scheduled",
		zap.String("job_id", job.ID.String()),
		zap.Time("fire_at", job.ScheduledAt),
		zap.Int("ranges", len(job.Ranges)),
	)
	return job.ID, nil
}

// Cancel stops a pending or running job. Already-sent rows are not rolled
// back; a running job stops cooperatively at the next row boundary.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := s.jobs.Cancel(ctx, id); err != nil {
		return err
	}
	metrics.JobsCanceled.Inc()
	s.log.Info("job canceled", zap.String("job_id", id.String()))
	return nil
}

// Start launches the watcher loop and the worker pool. Jobs found in running
// state (left over from a crash mid-job) are re-enqueued first; their
// recorded outcomes make the resume skip already-processed rows.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	// workers come up first so the recovery scan can enqueue more
	// interrupted jobs than the queue buffer holds
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	if err := s.recoverRunning(ctx); err != nil {
		s.log.Error("recovery scan failed", zap.Error(err))
	}

	s.wg.Add(1)
	go s.watch(ctx)
	return nil
}

// Stop halts the watcher and waits for in-flight jobs to reach a row
// boundary. Unfinished jobs stay running in the store and resume on the next
// Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) recoverRunning(ctx context.Context) error {
	summaries, err := s.jobs.List(ctx)
	if err != nil {
		return err
	}
	for _, sum := range summaries {
		if sum.Status != models.StatusRunning {
			continue
		}
		job, err := s.jobs.Get(ctx, sum.ID)
		if err != nil {
			s.log.Error("cannot load job for recovery",
				zap.String("job_id", sum.ID.String()), zap.Error(err))
			continue
		}
		s.log.Info("resuming interrupted job", zap.String("job_id", job.ID.String()))
		s.enqueue(ctx, job)
	}
	return nil
}

func (s *Scheduler) watch(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			claimed, err := s.jobs.ClaimDue(ctx, now.UTC())
			if err != nil {
				s.log.Error("claiming due jobs failed", zap.Error(err))
				continue
			}
			for _, job := range claimed {
				metrics.JobsFired.Inc()
				s.log.Info("job fired",
					zap.String("job_id", job.ID.String()),
					zap.Time("scheduled_at", job.ScheduledAt),
				)
				s.enqueue(ctx, job)
			}
		}
	}
}

func (s *Scheduler) enqueue(ctx context.Context, job *models.EmailJob) {
	select {
	case s.queue <- job:
	case <-ctx.Done():
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.runJob(ctx, job)
		}
	}
}
