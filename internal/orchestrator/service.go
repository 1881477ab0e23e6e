package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"turtle_botnet/internal/behavior"
	"turtle_botnet/internal/domain"
	"turtle_botnet/internal/fleet"
	"turtle_botnet/internal/world"
)

var ErrUnknownTurtle = errors.New("unknown turtle")

type Store interface {
	world.Store
	AbandonQueuedJobs(ctx context.Context) (int64, error)
	ListAgentJobs(ctx context.Context, agentID string, limit int) ([]domain.JobRecord, error)
	ListTreeEvents(ctx context.Context, tree string, limit int) ([]domain.TreeEvent, error)
}

type Jobs interface {
	PeekActiveJob(agentID string) (domain.Job, bool)
	PostJobResult(agentID string, results []any) error
	Forget(agentID string)
}

type Config struct {
	TickInterval     time.Duration
	SnapshotInterval time.Duration
	// EntryTree receives every turtle on startup and on registration.
	EntryTree string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = behavior.DefaultTickInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.EntryTree == "" {
		c.EntryTree = fleet.TreeInitializer
	}
	return c
}

// Service owns the world, the trees and the turtle sequencers of one process.
type Service struct {
	store    Store
	world    *world.World
	jobs     Jobs
	registry *behavior.Registry
	cfg      Config
	logger   *slog.Logger

	wg sync.WaitGroup

	mu   sync.Mutex
	seqs map[string]*behavior.Sequencer
}

func New(store Store, w *world.World, jobs Jobs, registry *behavior.Registry, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		world:    w,
		jobs:     jobs,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		seqs:     make(map[string]*behavior.Sequencer),
	}
}

// Start restores the saved world, enrolls every known turtle in the entry tree,
// starts the tree updaters and the periodic snapshot loop.
func (s *Service) Start(ctx context.Context) error {
	entry, err := s.registry.Lookup(s.cfg.EntryTree)
	if err != nil {
		return fmt.Errorf("resolve entry tree: %w", err)
	}
	if n, err := s.store.AbandonQueuedJobs(ctx); err != nil {
		return err
	} else if n > 0 {
		s.logger.Info("abandoned jobs left over from previous run", "count", n)
	}
	if err := s.world.Load(ctx, s.store); err != nil {
		return fmt.Errorf("load world: %w", err)
	}
	turtles := s.world.Turtles()
	for _, t := range turtles {
		s.enroll(entry, t.ID)
	}
	s.logger.Info("world loaded", "turtles", len(turtles), "blocks", s.world.BlockCount())

	if err := s.registry.StartAll(ctx, s.cfg.TickInterval); err != nil {
		return fmt.Errorf("start trees: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.snapshotLoop(ctx)
	}()
	return nil
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// Stop drains the trees and writes a final snapshot. Call it after the
// context given to Start has ended.
func (s *Service) Stop(ctx context.Context) error {
	s.registry.Drain()
	s.wg.Wait()
	return s.Snapshot(ctx)
}

// Snapshot persists the world, retrying while sqlite reports contention.
func (s *Service) Snapshot(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < 4; attempt++ {
		err = s.world.Save(ctx, s.store)
		if !isSQLiteBusy(err) {
			break
		}
		time.Sleep(time.Duration(30*(attempt+1)) * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("snapshot world: %w", err)
	}
	return nil
}

func (s *Service) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Snapshot(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic snapshot failed", "error", err)
			}
		}
	}
}

func (s *Service) TurtleExists(id string) bool {
	return s.world.TurtleExists(id)
}

// RegisterTurtle adds a new turtle to the world and starts it on the entry tree.
func (s *Service) RegisterTurtle(ctx context.Context, position domain.Point3, direction domain.Direction) (domain.Turtle, error) {
	entry, err := s.registry.Lookup(s.cfg.EntryTree)
	if err != nil {
		return domain.Turtle{}, err
	}
	t, err := s.world.CreateTurtle(position, direction)
	if err != nil {
		return domain.Turtle{}, err
	}
	s.enroll(entry, t.ID)
	s.logger.Info("turtle registered", "turtle", t.ID, "position", t.Position.String(), "direction", t.Direction)
	if err := s.Snapshot(ctx); err != nil {
		s.logger.Warn("snapshot after registration failed", "turtle", t.ID, "error", err)
	}
	return t, nil
}

// RetireTurtle removes a turtle from the world and from whichever tree holds it.
func (s *Service) RetireTurtle(id string) error {
	if !s.world.DestroyTurtle(id) {
		return fmt.Errorf("%w: %s", ErrUnknownTurtle, id)
	}
	s.mu.Lock()
	seq, ok := s.seqs[id]
	delete(s.seqs, id)
	s.mu.Unlock()
	if ok {
		s.evict(seq)
	}
	s.jobs.Forget(id)
	s.logger.Info("turtle retired", "turtle", id)
	return nil
}

func (s *Service) enroll(entry *behavior.Tree, turtleID string) {
	seq := fleet.NewSequencer(turtleID)
	s.mu.Lock()
	old, replaced := s.seqs[turtleID]
	s.seqs[turtleID] = seq
	s.mu.Unlock()
	if replaced {
		s.evict(old)
	}
	entry.Append(seq)
}

// evict pops seq from every tree, including a hook source waiting on it.
func (s *Service) evict(seq *behavior.Sequencer) {
	for _, t := range s.registry.Trees() {
		t.Pop(seq)
	}
}

// PollJob returns the turtle's outstanding job, if any.
func (s *Service) PollJob(id string) (domain.Job, bool, error) {
	if !s.world.TurtleExists(id) {
		return domain.Job{}, false, fmt.Errorf("%w: %s", ErrUnknownTurtle, id)
	}
	job, ok := s.jobs.PeekActiveJob(id)
	return job, ok, nil
}

func (s *Service) PostResult(id string, results []any) error {
	if !s.world.TurtleExists(id) {
		return fmt.Errorf("%w: %s", ErrUnknownTurtle, id)
	}
	return s.jobs.PostJobResult(id, results)
}

type TurtleView struct {
	domain.Turtle
	Tree       string             `json:"tree,omitempty"`
	Node       string             `json:"node,omitempty"`
	ActiveJob  *domain.Job        `json:"active_job,omitempty"`
	RecentJobs []domain.JobRecord `json:"recent_jobs,omitempty"`
}

func (s *Service) ListTurtles() []TurtleView {
	turtles := s.world.Turtles()
	out := make([]TurtleView, 0, len(turtles))
	for _, t := range turtles {
		out = append(out, s.view(t))
	}
	return out
}

// Turtle describes one turtle together with its most recent jobs.
func (s *Service) Turtle(ctx context.Context, id string, jobLimit int) (TurtleView, error) {
	t, ok := s.world.Turtle(id)
	if !ok {
		return TurtleView{}, fmt.Errorf("%w: %s", ErrUnknownTurtle, id)
	}
	v := s.view(t)
	jobs, err := s.store.ListAgentJobs(ctx, id, jobLimit)
	if err != nil {
		return TurtleView{}, err
	}
	v.RecentJobs = jobs
	return v, nil
}

func (s *Service) view(t domain.Turtle) TurtleView {
	v := TurtleView{Turtle: t}
	s.mu.Lock()
	seq, ok := s.seqs[t.ID]
	s.mu.Unlock()
	if ok {
		if owner := seq.Tree(); owner != nil && !seq.IsCompleted() {
			v.Tree = owner.Name()
		}
		v.Node = seq.CurrentNodeID()
	}
	if job, ok := s.jobs.PeekActiveJob(t.ID); ok {
		v.ActiveJob = &job
	}
	return v
}

type TreeView struct {
	Name         string                    `json:"name"`
	Nodes        int                       `json:"nodes"`
	AutoUpdating bool                      `json:"auto_updating"`
	Sequencers   []behavior.SequencerState `json:"sequencers"`
}

func (s *Service) ListTrees() []TreeView {
	trees := s.registry.Trees()
	out := make([]TreeView, 0, len(trees))
	for _, t := range trees {
		out = append(out, TreeView{
			Name:         t.Name(),
			Nodes:        t.Graph().Len(),
			AutoUpdating: t.AutoUpdating(),
			Sequencers:   t.Snapshot(),
		})
	}
	return out
}

func (s *Service) ListTreeEvents(ctx context.Context, tree string, limit int) ([]domain.TreeEvent, error) {
	if _, err := s.registry.Lookup(tree); err != nil {
		return nil, err
	}
	return s.store.ListTreeEvents(ctx, tree, limit)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
