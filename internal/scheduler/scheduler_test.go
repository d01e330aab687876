package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"SheetSend/internal/dispatch"
	"SheetSend/internal/models"
	"SheetSend/internal/rows"
	"SheetSend/internal/store"
)

type fakeSource struct {
	mu   sync.Mutex
	data map[int]map[string]string
	err  error
}

func (f *fakeSource) FetchRange(ctx context.Context, sheetID, sheetName string, from, to int) ([]rows.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []rows.Row
	for i := from; i <= to; i++ {
		if fields, ok := f.data[i]; ok {
			out = append(out, rows.Row{Index: i, Fields: fields})
		}
	}
	return out, nil
}

type sentMail struct {
	From    string
	To      string
	Subject string
	Body    string
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []sentMail
	failWith  map[string]error // keyed by recipient
	afterSend func(to string)
}

func (f *fakeSender) Send(ctx context.Context, from models.Credential, to, subject, body string, att *models.Attachment) error {
	f.mu.Lock()
	if err, ok := f.failWith[to]; ok {
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, sentMail{From: from.Address, To: to, Subject: subject, Body: body})
	hook := f.afterSend
	f.mu.Unlock()

	if hook != nil {
		hook(to)
	}
	return nil
}

func (f *fakeSender) sentMails() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

type fixture struct {
	jobs   *store.MemoryJobs
	creds  *store.MemoryCredentials
	source *fakeSource
	sender *fakeSender
	sched  *Scheduler
}

func newFixture(t *testing.T, source *fakeSource, sender *fakeSender) *fixture {
	t.Helper()

	f := &fixture{
		jobs:   store.NewMemoryJobs(),
		creds:  store.NewMemoryCredentials(),
		source: source,
		sender: sender,
	}
	_, err := f.creds.Add(context.Background(), "sender@example.com", "secret")
	require.NoError(t, err)

	f.sched = New(Options{
		Jobs:           f.jobs,
		Credentials:    f.creds,
		Source:         source,
		Sender:         sender,
		Logger:         zap.NewNop(),
		Interval:       10 * time.Millisecond,
		Workers:        2,
		RecipientField: "Email",
	})
	return f
}

func twoRowSource() *fakeSource {
	return &fakeSource{data: map[int]map[string]string{
		0: {"Name": "A", "Email": "a@example.com"},
		1: {"Name": "B", "Email": "b@example.com"},
	}}
}

func testJob(fireAt time.Time) *models.EmailJob {
	return &models.EmailJob{
		SheetID:     "sheet-1",
		SheetName:   "Sheet1",
		Subject:     "Hi {{Name}}",
		Body:        "Hello {{Name}}, this is for you.",
		Ranges:      []models.RowRange{{From: 0, To: 1}},
		ScheduledAt: fireAt,
	}
}

func TestScheduleThenGet(t *testing.T) {
	f := newFixture(t, twoRowSource(), &fakeSender{})

	fireAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	job := testJob(fireAt)

	id, err := f.sched.Schedule(context.Background(), job)
	require.NoError(t, err)

	got, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, job.Subject, got.Subject)
	require.Equal(t, []models.RowRange{{From: 0, To: 1}}, got.Ranges)
	require.True(t, got.ScheduledAt.Equal(fireAt))
}

func TestSchedule_RejectsBadRanges(t *testing.T) {
	f := newFixture(t, twoRowSource(), &fakeSender{})

	job := testJob(time.Now())
	job.Ranges = []models.RowRange{{From: 4, To: 2}}

	_, err := f.sched.Schedule(context.Background(), job)
	require.Error(t, err)

	// nothing persisted on validation failure
	list, err := f.jobs.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, list)
}

// jobs scheduled in the past fire on the next tick and complete end to end
func TestEndToEnd_Completed(t *testing.T) {
	sender := &fakeSender{}
	f := newFixture(t, twoRowSource(), sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sched.Start(ctx))
	defer f.sched.Stop()

	id, err := f.sched.Schedule(ctx, testJob(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := f.jobs.Status(context.Background(), id)
		return err == nil && status == models.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	outcomes, err := f.jobs.Outcomes(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.Equal(t, models.OutcomeSent, o.Status)
	}

	sent := sender.sentMails()
	require.Len(t, sent, 2)
	require.Equal(t, "Hi A", sent[0].Subject)
	require.Equal(t, "a@example.com", sent[0].To)
	require.Equal(t, "sender@example.com", sent[0].From)
	require.Equal(t, "Hi B", sent[1].Subject)
}

func TestEndToEnd_MissingRecipient(t *testing.T) {
	source := &fakeSource{data: map[int]map[string]string{
		0: {"Name": "A", "Email": "a@example.com"},
		1: {}, // no Name, no Email
	}}
	sender := &fakeSender{}
	f := newFixture(t, source, sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sched.Start(ctx))
	defer f.sched.Stop()

	id, err := f.sched.Schedule(ctx, testJob(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := f.jobs.Status(context.Background(), id)
		return err == nil && status == models.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	outcomes, err := f.jobs.Outcomes(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, models.OutcomeSent, outcomes[0].Status)
	require.Equal(t, models.OutcomeFailed, outcomes[1].Status)
	require.Equal(t, models.ReasonMissingRecipient, outcomes[1].Reason)

	// partial failure shows up in the summary, not just the outcome list
	list, err := f.jobs.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, list[0].Sent)
	require.Equal(t, 1, list[0].Failed)

	require.Len(t, sender.sentMails(), 1)
}

// a claimed job handed straight to the runner
func claimOne(t *testing.T, f *fixture, job *models.EmailJob) *models.EmailJob {
	t.Helper()
	id, err := f.sched.Schedule(context.Background(), job)
	require.NoError(t, err)
	claimed, err := f.jobs.ClaimDue(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, id, claimed[0].ID)
	return claimed[0]
}

func TestAuthFailureHaltsJob(t *testing.T) {
	source := &fakeSource{data: map[int]map[string]string{
		0: {"Name": "A", "Email": "a@example.com"},
		1: {"Name": "B", "Email": "b@example.com"},
		2: {"Name": "C", "Email": "c@example.com"},
	}}
	sender := &fakeSender{failWith: map[string]error{
		"a@example.com": &dispatch.SendError{Class: dispatch.ClassAuth, Err: errors.New("535 5.7.8 bad credentials")},
	}}
	f := newFixture(t, source, sender)

	job := testJob(time.Now().Add(-time.Minute))
	job.Ranges = []models.RowRange{{From: 0, To: 2}}
	claimed := claimOne(t, f, job)

	f.sched.runJob(context.Background(), claimed)

	status, err := f.jobs.Status(context.Background(), claimed.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, status)

	// rows after the auth failure are never attempted
	outcomes, err := f.jobs.Outcomes(context.Background(), claimed.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, models.ReasonAuthFailure, outcomes[0].Reason)
	require.Empty(t, sender.sentMails())
}

func TestRecipientRejectedIsRowScoped(t *testing.T) {
	sender := &fakeSender{failWith: map[string]error{
		"a@example.com": &dispatch.SendError{Class: dispatch.ClassRecipient, Err: errors.New("550 no such user")},
	}}
	f := newFixture(t, twoRowSource(), sender)

	claimed := claimOne(t, f, testJob(time.Now().Add(-time.Minute)))
	f.sched.runJob(context.Background(), claimed)

	status, _ := f.jobs.Status(context.Background(), claimed.ID)
	require.Equal(t, models.StatusCompleted, status)

	outcomes, _ := f.jobs.Outcomes(context.Background(), claimed.ID)
	require.Len(t, outcomes, 2)
	require.Equal(t, models.ReasonRecipientRejected, outcomes[0].Reason)
	require.Equal(t, models.OutcomeSent, outcomes[1].Status)
}

// restart semantics: a recorded outcome is never re-sent and never skipped
func TestResumeSkipsRecordedRows(t *testing.T) {
	sender := &fakeSender{}
	f := newFixture(t, twoRowSource(), sender)

	claimed := claimOne(t, f, testJob(time.Now().Add(-time.Minute)))

	// row 0 was durably recorded before the crash
	require.NoError(t, f.jobs.RecordOutcome(context.Background(), claimed.ID, models.RowOutcome{
		Row: 0, Status: models.OutcomeSent, UpdatedAt: time.Now(),
	}))

	f.sched.runJob(context.Background(), claimed)

	sent := sender.sentMails()
	require.Len(t, sent, 1)
	require.Equal(t, "b@example.com", sent[0].To)

	status, _ := f.jobs.Status(context.Background(), claimed.ID)
	require.Equal(t, models.StatusCompleted, status)

	outcomes, _ := f.jobs.Outcomes(context.Background(), claimed.ID)
	require.Len(t, outcomes, 2)
}

type failingOutcomesStore struct {
	store.JobStore
}

func (f *failingOutcomesStore) Outcomes(ctx context.Context, id uuid.UUID) ([]models.RowOutcome, error) {
	return nil, errors.New("connection reset")
}

// when the recorded outcomes cannot be read, nothing may be dispatched:
// any already-sent row would be sent again
func TestOutcomeReadFailureSendsNothing(t *testing.T) {
	sender := &fakeSender{}
	f := newFixture(t, twoRowSource(), sender)

	claimed := claimOne(t, f, testJob(time.Now().Add(-time.Minute)))
	require.NoError(t, f.jobs.RecordOutcome(context.Background(), claimed.ID, models.RowOutcome{
		Row: 0, Status: models.OutcomeSent, UpdatedAt: time.Now(),
	}))

	sched := New(Options{
		Jobs:        &failingOutcomesStore{JobStore: f.jobs},
		Credentials: f.creds,
		Source:      f.source,
		Sender:      sender,
		Logger:      zap.NewNop(),
	})
	sched.runJob(context.Background(), claimed)

	require.Empty(t, sender.sentMails())

	// the job stays running so a later resume can retry the read
	status, err := f.jobs.Status(context.Background(), claimed.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, status)
}

// more interrupted jobs than the work queue buffers must not wedge Start
func TestStartRecoversManyInterruptedJobs(t *testing.T) {
	sender := &fakeSender{}
	f := newFixture(t, twoRowSource(), sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 70
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		id, err := f.sched.Schedule(ctx, testJob(time.Now().Add(-time.Minute)))
		require.NoError(t, err)
		require.NoError(t, f.jobs.UpdateStatus(ctx, id, models.StatusRunning))
		ids = append(ids, id)
	}

	require.NoError(t, f.sched.Start(ctx))
	defer f.sched.Stop()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			status, err := f.jobs.Status(context.Background(), id)
			if err != nil || status != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)
}

func TestCancelStopsWorklist(t *testing.T) {
	source := &fakeSource{data: map[int]map[string]string{
		0: {"Name": "A", "Email": "a@example.com"},
		1: {"Name": "B", "Email": "b@example.com"},
		2: {"Name": "C", "Email": "c@example.com"},
	}}
	sender := &fakeSender{}
	f := newFixture(t, source, sender)

	job := testJob(time.Now().Add(-time.Minute))
	job.Ranges = []models.RowRange{{From: 0, To: 2}}
	claimed := claimOne(t, f, job)

	// cancel lands while row 0 is in flight; the runner must stop at the
	// next row boundary without touching rows 1 and 2
	sender.afterSend = func(to string) {
		if to == "a@example.com" {
			require.NoError(t, f.sched.Cancel(context.Background(), claimed.ID))
		}
	}

	f.sched.runJob(context.Background(), claimed)

	status, _ := f.jobs.Status(context.Background(), claimed.ID)
	require.Equal(t, models.StatusCanceled, status)

	outcomes, _ := f.jobs.Outcomes(context.Background(), claimed.ID)
	require.Len(t, outcomes, 1)
	require.Equal(t, 0, outcomes[0].Row)
	require.Equal(t, models.OutcomeSent, outcomes[0].Status)
	require.Len(t, sender.sentMails(), 1)
}

func TestSourceUnavailableIsRowScoped(t *testing.T) {
	source := &fakeSource{err: rows.ErrSourceUnavailable}
	sender := &fakeSender{}
	f := newFixture(t, source, sender)

	claimed := claimOne(t, f, testJob(time.Now().Add(-time.Minute)))
	f.sched.runJob(context.Background(), claimed)

	// every row fails, but the job still terminates instead of aborting
	status, _ := f.jobs.Status(context.Background(), claimed.ID)
	require.Equal(t, models.StatusCompleted, status)

	outcomes, _ := f.jobs.Outcomes(context.Background(), claimed.ID)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.Equal(t, models.ReasonSourceUnavailable, o.Reason)
	}
}

func TestOutOfBoundsRowsFailIndividually(t *testing.T) {
	source := &fakeSource{data: map[int]map[string]string{
		0: {"Name": "A", "Email": "a@example.com"},
	}}
	sender := &fakeSender{}
	f := newFixture(t, source, sender)

	job := testJob(time.Now().Add(-time.Minute))
	job.Ranges = []models.RowRange{{From: 0, To: 2}}
	claimed := claimOne(t, f, job)

	f.sched.runJob(context.Background(), claimed)

	outcomes, _ := f.jobs.Outcomes(context.Background(), claimed.ID)
	require.Len(t, outcomes, 3)
	require.Equal(t, models.OutcomeSent, outcomes[0].Status)
	require.Equal(t, models.ReasonRangeOutOfBounds, outcomes[1].Reason)
	require.Equal(t, models.ReasonRangeOutOfBounds, outcomes[2].Reason)
	require.Len(t, sender.sentMails(), 1)
}

func TestNoCredentialFailsJob(t *testing.T) {
	sender := &fakeSender{}
	f := newFixture(t, twoRowSource(), sender)

	// remove the fixture credential
	creds, err := f.creds.List(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.creds.Delete(context.Background(), creds[0].ID))

	claimed := claimOne(t, f, testJob(time.Now().Add(-time.Minute)))
	f.sched.runJob(context.Background(), claimed)

	status, _ := f.jobs.Status(context.Background(), claimed.ID)
	require.Equal(t, models.StatusFailed, status)
	require.Empty(t, sender.sentMails())
}

func TestCancelPendingJob(t *testing.T) {
	f := newFixture(t, twoRowSource(), &fakeSender{})

	id, err := f.sched.Schedule(context.Background(), testJob(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	require.NoError(t, f.sched.Cancel(context.Background(), id))

	// a canceled job is never claimed
	claimed, err := f.jobs.ClaimDue(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Empty(t, claimed)

	err = f.sched.Cancel(context.Background(), id)
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)
}
