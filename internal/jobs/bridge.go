package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"turtle_botnet/internal/domain"
)

var (
	ErrAgentBusy           = errors.New("agent already has an outstanding job")
	ErrNoActiveJob         = errors.New("agent has no outstanding job")
	ErrResultAlreadyPosted = errors.New("result already posted for the outstanding job")
	ErrInvalidAction       = errors.New("invalid turtle action")
)

// Journal persists job lifecycle transitions. Failures are logged, never fatal.
type Journal interface {
	RecordJobQueued(ctx context.Context, job domain.Job) error
	RecordJobFinished(ctx context.Context, trackerID string, status domain.JobStatus, results json.RawMessage) error
}

// Notifier pushes a newly queued job to the agent's live connection, if any.
type Notifier interface {
	Publish(job domain.Job) error
}

type Config struct {
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	return c
}

// Bridge turns a remote turtle action into a blocking call. Each agent has a
// FIFO of pending jobs and a slot for posted results; at most one job per
// agent is outstanding.
type Bridge struct {
	cfg      Config
	journal  Journal
	notifier Notifier
	logger   *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentQueue
}

type agentQueue struct {
	pending []domain.Job
	results map[string][]any
}

func New(cfg Config, journal Journal, notifier Notifier, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:      cfg.withDefaults(),
		journal:  journal,
		notifier: notifier,
		logger:   logger,
		agents:   make(map[string]*agentQueue),
	}
}

// DispatchAction queues action for agentID and blocks until the agent posts a
// result or ctx ends. On cancellation the job is withdrawn.
func (b *Bridge) DispatchAction(ctx context.Context, agentID string, action domain.TurtleAction, args ...any) ([]any, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAction, int(action))
	}
	if args == nil {
		args = []any{}
	}
	job := domain.Job{
		TrackerID: uuid.NewString(),
		AgentID:   agentID,
		Action:    action,
		Args:      args,
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	q := b.queue(agentID)
	if len(q.pending) > 0 {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentBusy, agentID)
	}
	q.pending = append(q.pending, job)
	b.mu.Unlock()

	b.journalQueued(job)
	if b.notifier != nil {
		if err := b.notifier.Publish(job); err != nil {
			b.logger.Debug("job push skipped", "agent", agentID, "tracker", job.TrackerID, "error", err)
		}
	}

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if results, ok := b.take(agentID, job.TrackerID); ok {
			b.journalFinished(job.TrackerID, domain.JobStatusCompleted, results)
			return results, nil
		}
		select {
		case <-ctx.Done():
			b.withdraw(agentID, job.TrackerID)
			b.journalFinished(job.TrackerID, domain.JobStatusAbandoned, nil)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PeekActiveJob returns the head of the agent's queue without removing it.
func (b *Bridge) PeekActiveJob(agentID string) (domain.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.agents[agentID]
	if !ok || len(q.pending) == 0 {
		return domain.Job{}, false
	}
	job := q.pending[0]
	job.Args = append([]any{}, job.Args...)
	return job, true
}

// PostJobResult attaches results to the agent's outstanding job. A second post
// for the same job changes nothing.
func (b *Bridge) PostJobResult(agentID string, results []any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.agents[agentID]
	if !ok || len(q.pending) == 0 {
		return fmt.Errorf("%w: %s", ErrNoActiveJob, agentID)
	}
	tracker := q.pending[0].TrackerID
	if _, posted := q.results[tracker]; posted {
		return fmt.Errorf("%w: %s", ErrResultAlreadyPosted, tracker)
	}
	if results == nil {
		results = []any{}
	}
	q.results[tracker] = results
	return nil
}

// Outstanding lists every agent's head job, for inspection.
func (b *Bridge) Outstanding() []domain.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Job, 0, len(b.agents))
	for _, q := range b.agents {
		if len(q.pending) > 0 {
			out = append(out, q.pending[0])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Forget drops an agent's queue, abandoning whatever it had pending. Any
// DispatchAction still waiting on it stays blocked until its context ends.
func (b *Bridge) Forget(agentID string) {
	b.mu.Lock()
	delete(b.agents, agentID)
	b.mu.Unlock()
}

func (b *Bridge) queue(agentID string) *agentQueue {
	q, ok := b.agents[agentID]
	if !ok {
		q = &agentQueue{results: make(map[string][]any)}
		b.agents[agentID] = q
	}
	return q
}

func (b *Bridge) take(agentID, trackerID string) ([]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.agents[agentID]
	if !ok {
		return nil, false
	}
	results, ok := q.results[trackerID]
	if !ok {
		return nil, false
	}
	delete(q.results, trackerID)
	q.pending = removeJob(q.pending, trackerID)
	return results, true
}

func (b *Bridge) withdraw(agentID, trackerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.agents[agentID]
	if !ok {
		return
	}
	delete(q.results, trackerID)
	q.pending = removeJob(q.pending, trackerID)
}

func removeJob(pending []domain.Job, trackerID string) []domain.Job {
	for i, job := range pending {
		if job.TrackerID == trackerID {
			return append(pending[:i:i], pending[i+1:]...)
		}
	}
	return pending
}

func (b *Bridge) journalQueued(job domain.Job) {
	if b.journal == nil {
		return
	}
	if err := b.journal.RecordJobQueued(context.Background(), job); err != nil {
		b.logger.Warn("journal queued job failed", "tracker", job.TrackerID, "error", err)
	}
}

func (b *Bridge) journalFinished(trackerID string, status domain.JobStatus, results []any) {
	if b.journal == nil {
		return
	}
	var raw json.RawMessage
	if results != nil {
		encoded, err := json.Marshal(results)
		if err != nil {
			b.logger.Warn("encode job results failed", "tracker", trackerID, "error", err)
		} else {
			raw = encoded
		}
	}
	if err := b.journal.RecordJobFinished(context.Background(), trackerID, status, raw); err != nil {
		b.logger.Warn("journal finished job failed", "tracker", trackerID, "status", status, "error", err)
	}
}
