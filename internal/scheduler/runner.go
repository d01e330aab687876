package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"SheetSend/internal/dispatch"
	"SheetSend/internal/metrics"
	"SheetSend/internal/models"
	"SheetSend/internal/render"
	"SheetSend/internal/store"
)

// rowCache holds the rows fetched for one job, keyed by data-row index.
// Rows of a range whose fetch failed as a whole are tracked so they fail
// with SourceUnavailable instead of RangeOutOfBounds.
type rowCache struct {
	fields      map[int]map[string]string
	unavailable map[int]bool
}

func (s *Scheduler) fetchRows(ctx context.Context, job *models.EmailJob) *rowCache {
	cache := &rowCache{
		fields:      make(map[int]map[string]string),
		unavailable: make(map[int]bool),
	}
	fetched := make(map[models.RowRange]bool)

	for _, r := range job.Ranges {
		if fetched[r] {
			continue
		}
		fetched[r] = true

		result, err := s.source.FetchRange(ctx, job.SheetID, job.SheetName, r.From, r.To)
		if err != nil {
			s.log.Warn("range fetch failed",
				zap.String("job_id", job.ID.String()),
				zap.Int("from", r.From), zap.Int("to", r.To),
				zap.Error(err),
			)
			for i := r.From; i <= r.To; i++ {
				cache.unavailable[i] = true
			}
			continue
		}
		for _, row := range result {
			cache.fields[row.Index] = row.Fields
		}
	}
	return cache
}

// runJob walks the job's worklist. Per-row outcomes are written durably as
// soon as they are known; rows already recorded from a previous run are
// skipped, which is the whole resume mechanism. The job status is re-read
// between rows so cancellation takes effect at row boundaries, never mid-send.
func (s *Scheduler) runJob(ctx context.Context, job *models.EmailJob) {
	log := s.log.With(zap.String("job_id", job.ID.String()))

	cred, err := s.resolveCredential(ctx, job)
	if err != nil {
		log.Error("no usable sender identity", zap.Error(err))
		s.finishJob(ctx, job, models.StatusFailed)
		return
	}

	// Without the recorded outcomes we cannot tell which rows were already
	// sent, so dispatching anything could duplicate them. Leave the job
	// running and let a later resume retry the read.
	outcomes, err := s.jobs.Outcomes(ctx, job.ID)
	if err != nil {
		log.Error("cannot read recorded outcomes", zap.Error(err))
		return
	}
	recorded := make(map[int]bool)
	for _, o := range outcomes {
		if o.Status != models.OutcomePending {
			recorded[o.Row] = true
		}
	}

	cache := s.fetchRows(ctx, job)

	// Overlapping ranges process a row once per occurrence; only rows
	// recorded before this run (a resumed job) are skipped.
	sawFailure := false
	for _, row := range job.Worklist() {
		if recorded[row] {
			continue
		}

		if ctx.Err() != nil {
			// shutdown: leave the job running, it resumes on restart
			return
		}
		status, err := s.jobs.Status(ctx, job.ID)
		if err != nil {
			log.Error("cannot read job status", zap.Error(err))
			return
		}
		if status == models.StatusCanceled {
			log.Info("job canceled, stopping worklist", zap.Int("row", row))
			return
		}

		outcome := s.processRow(ctx, job, cred, row, cache)
		if outcome.Status == "" {
			// interrupted before dispatch; leave the job running
			return
		}
		outcome.UpdatedAt = time.Now().UTC()
		if err := s.jobs.RecordOutcome(ctx, job.ID, outcome); err != nil {
			log.Error("cannot record row outcome",
				zap.Int("row", row), zap.Error(err))
			return
		}

		if outcome.Status == models.OutcomeSent {
			metrics.EmailsSent.Inc()
		} else {
			metrics.EmailFailures.Inc()
			sawFailure = true
			if outcome.Reason == models.ReasonAuthFailure {
				// every further send with this identity would fail the
				// same way, so the rest of the worklist is abandoned
				log.Error("sender authentication refused, halting job")
				s.finishJob(ctx, job, models.StatusFailed)
				return
			}
		}
	}

	if sawFailure {
		log.Info("job finished with partial failures")
	} else {
		log.Info("job completed")
	}
	s.finishJob(ctx, job, models.StatusCompleted)
}

func (s *Scheduler) processRow(
	ctx context.Context,
	job *models.EmailJob,
	cred *models.Credential,
	row int,
	cache *rowCache,
) models.RowOutcome {

	fields, ok := cache.fields[row]
	if !ok {
		reason := models.ReasonRangeOutOfBounds
		if cache.unavailable[row] {
			reason = models.ReasonSourceUnavailable
		}
		return models.RowOutcome{Row: row, Status: models.OutcomeFailed, Reason: reason}
	}

	recipient := fields[s.recipientField]
	if recipient == "" {
		return models.RowOutcome{Row: row, Status: models.OutcomeFailed, Reason: models.ReasonMissingRecipient}
	}

	subject := render.Render(job.Subject, fields)
	body := render.Render(job.Body, fields)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			// shutdown while waiting for a send slot: record nothing so the
			// row is retried on resume
			return models.RowOutcome{Row: row}
		}
	}

	err := s.sender.Send(ctx, *cred, recipient, subject, body, job.Attachment)
	if err != nil {
		reason := models.ReasonSendFailure
		switch dispatch.ClassOf(err) {
		case dispatch.ClassAuth:
			reason = models.ReasonAuthFailure
		case dispatch.ClassRecipient:
			reason = models.ReasonRecipientRejected
		}
		s.log.Warn("row send failed",
			zap.String("job_id", job.ID.String()),
			zap.Int("row", row),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return models.RowOutcome{Row: row, Status: models.OutcomeFailed, Reason: reason}
	}

	return models.RowOutcome{Row: row, Status: models.OutcomeSent}
}

func (s *Scheduler) resolveCredential(ctx context.Context, job *models.EmailJob) (*models.Credential, error) {
	if job.SenderID != nil {
		return s.creds.Get(ctx, *job.SenderID)
	}
	return s.creds.First(ctx)
}

func (s *Scheduler) finishJob(ctx context.Context, job *models.EmailJob, status models.JobStatus) {
	err := s.jobs.UpdateStatus(ctx, job.ID, status)
	if errors.Is(err, store.ErrAlreadyTerminal) {
		// a cancel won the race; the terminal state stands
		return
	}
	if err != nil {
		s.log.Error("cannot finalize job",
			zap.String("job_id", job.ID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	switch status {
	case models.StatusCompleted:
		metrics.JobsCompleted.Inc()
	case models.StatusFailed:
		metrics.JobsFailed.Inc()
	}
}
