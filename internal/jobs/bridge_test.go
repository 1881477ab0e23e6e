package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turtle_botnet/internal/domain"
)

type journalEntry struct {
	tracker string
	status  domain.JobStatus
	results string
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journalEntry
}

func (j *fakeJournal) RecordJobQueued(_ context.Context, job domain.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, journalEntry{tracker: job.TrackerID, status: domain.JobStatusQueued})
	return nil
}

func (j *fakeJournal) RecordJobFinished(_ context.Context, trackerID string, status domain.JobStatus, results json.RawMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, journalEntry{tracker: trackerID, status: status, results: string(results)})
	return nil
}

func (j *fakeJournal) snapshot() []journalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journalEntry(nil), j.entries...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (n *fakeNotifier) Publish(job domain.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
	return n.err
}

func newTestBridge(journal Journal, notifier Notifier) *Bridge {
	return New(Config{PollInterval: time.Millisecond}, journal, notifier, nil)
}

type dispatchResult struct {
	results []any
	err     error
}

func dispatchAsync(ctx context.Context, b *Bridge, agent string, action domain.TurtleAction, args ...any) <-chan dispatchResult {
	out := make(chan dispatchResult, 1)
	go func() {
		results, err := b.DispatchAction(ctx, agent, action, args...)
		out <- dispatchResult{results: results, err: err}
	}()
	return out
}

func waitActive(t *testing.T, b *Bridge, agent string) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = b.PeekActiveJob(agent)
		return ok
	}, time.Second, time.Millisecond)
	return job
}

func receive(t *testing.T, ch <-chan dispatchResult) dispatchResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("DispatchAction did not return")
		return dispatchResult{}
	}
}

func TestDispatchRoundTrip(t *testing.T) {
	journal := &fakeJournal{}
	notifier := &fakeNotifier{}
	b := newTestBridge(journal, notifier)

	done := dispatchAsync(context.Background(), b, "t1", domain.ActionSelectSlot, 4)
	job := waitActive(t, b, "t1")
	assert.Equal(t, "t1", job.AgentID)
	assert.Equal(t, domain.ActionSelectSlot, job.Action)
	assert.Equal(t, []any{4}, job.Args)
	assert.NotEmpty(t, job.TrackerID)

	again, ok := b.PeekActiveJob("t1")
	require.True(t, ok)
	assert.Equal(t, job.TrackerID, again.TrackerID)

	require.NoError(t, b.PostJobResult("t1", []any{true}))
	res := receive(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, []any{true}, res.results)

	_, ok = b.PeekActiveJob("t1")
	assert.False(t, ok)

	assert.Equal(t, []journalEntry{
		{tracker: job.TrackerID, status: domain.JobStatusQueued},
		{tracker: job.TrackerID, status: domain.JobStatusCompleted, results: "[true]"},
	}, journal.snapshot())

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.jobs, 1)
	assert.Equal(t, job.TrackerID, notifier.jobs[0].TrackerID)
}

func TestDispatchWithoutArgsSendsEmptyList(t *testing.T) {
	b := newTestBridge(nil, nil)
	done := dispatchAsync(context.Background(), b, "t1", domain.ActionForward)
	job := waitActive(t, b, "t1")
	assert.NotNil(t, job.Args)
	assert.Empty(t, job.Args)

	require.NoError(t, b.PostJobResult("t1", nil))
	res := receive(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, []any{}, res.results)
}

func TestSecondDispatchForBusyAgentFails(t *testing.T) {
	b := newTestBridge(nil, nil)
	done := dispatchAsync(context.Background(), b, "t1", domain.ActionForward)
	waitActive(t, b, "t1")

	_, err := b.DispatchAction(context.Background(), "t1", domain.ActionTurnLeft)
	assert.ErrorIs(t, err, ErrAgentBusy)

	other := dispatchAsync(context.Background(), b, "t2", domain.ActionTurnLeft)
	waitActive(t, b, "t2")
	assert.Len(t, b.Outstanding(), 2)
	assert.Equal(t, "t1", b.Outstanding()[0].AgentID)

	require.NoError(t, b.PostJobResult("t2", []any{true}))
	require.NoError(t, b.PostJobResult("t1", []any{false, "blocked"}))
	assert.Equal(t, []any{true}, receive(t, other).results)
	assert.Equal(t, []any{false, "blocked"}, receive(t, done).results)
}

func TestPostJobResultErrors(t *testing.T) {
	b := newTestBridge(nil, nil)
	assert.ErrorIs(t, b.PostJobResult("nobody", []any{true}), ErrNoActiveJob)

	b.mu.Lock()
	b.queue("t1").pending = []domain.Job{{TrackerID: "tr-1", AgentID: "t1", Action: domain.ActionDigFront}}
	b.mu.Unlock()

	require.NoError(t, b.PostJobResult("t1", []any{true}))
	assert.ErrorIs(t, b.PostJobResult("t1", []any{false}), ErrResultAlreadyPosted)

	results, ok := b.take("t1", "tr-1")
	require.True(t, ok)
	assert.Equal(t, []any{true}, results)
	assert.ErrorIs(t, b.PostJobResult("t1", []any{true}), ErrNoActiveJob)
}

func TestCancelledDispatchIsWithdrawn(t *testing.T) {
	journal := &fakeJournal{}
	b := newTestBridge(journal, &fakeNotifier{err: errors.New("offline")})

	ctx, cancel := context.WithCancel(context.Background())
	done := dispatchAsync(ctx, b, "t1", domain.ActionInspectFront)
	job := waitActive(t, b, "t1")
	cancel()

	res := receive(t, done)
	assert.ErrorIs(t, res.err, context.Canceled)
	_, ok := b.PeekActiveJob("t1")
	assert.False(t, ok)
	assert.ErrorIs(t, b.PostJobResult("t1", []any{true}), ErrNoActiveJob)

	entries := journal.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, journalEntry{tracker: job.TrackerID, status: domain.JobStatusAbandoned}, entries[1])

	next := dispatchAsync(context.Background(), b, "t1", domain.ActionForward)
	waitActive(t, b, "t1")
	require.NoError(t, b.PostJobResult("t1", []any{true}))
	require.NoError(t, receive(t, next).err)
}

func TestInvalidActionIsRejected(t *testing.T) {
	b := newTestBridge(nil, nil)
	_, err := b.DispatchAction(context.Background(), "t1", domain.TurtleAction(999))
	assert.ErrorIs(t, err, ErrInvalidAction)
	_, ok := b.PeekActiveJob("t1")
	assert.False(t, ok)
}

func TestForgetDropsQueue(t *testing.T) {
	b := newTestBridge(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := dispatchAsync(ctx, b, "t1", domain.ActionForward)
	waitActive(t, b, "t1")

	b.Forget("t1")
	_, ok := b.PeekActiveJob("t1")
	assert.False(t, ok)
	assert.Empty(t, b.Outstanding())

	cancel()
	assert.ErrorIs(t, receive(t, done).err, context.Canceled)
}
