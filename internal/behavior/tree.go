package behavior

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"turtle_botnet/internal/domain"
)

// EventSink receives sequencer lifecycle events.
type EventSink interface {
	RecordTreeEvent(ctx context.Context, ev domain.TreeEvent) error
}

type Options struct {
	Logger *slog.Logger
	// PollInterval paces AwaitCompletion.
	PollInterval time.Duration
	// MaxWhileIterations bounds a single WhileTrue visit. Zero selects the
	// default; a negative value removes the bound.
	MaxWhileIterations int
	Events             EventSink
	// Intn picks RandomSwitch branches. Defaults to math/rand.
	Intn func(n int) int
}

const (
	DefaultPollInterval       = 50 * time.Millisecond
	DefaultMaxWhileIterations = 10000
)

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxWhileIterations == 0 {
		o.MaxWhileIterations = DefaultMaxWhileIterations
	}
	if o.Intn == nil {
		o.Intn = rand.Intn
	}
	return o
}

// Tree is a compiled graph plus the sequencers currently walking it.
type Tree struct {
	name   string
	graph  *Graph
	opts   Options
	logger *slog.Logger

	mu   sync.RWMutex
	live map[string]*member

	units   sync.WaitGroup
	updater updater
}

// member is one admission of a sequencer. Its context ends when the
// sequencer leaves the tree.
type member struct {
	seq    *Sequencer
	ctx    context.Context
	cancel context.CancelFunc
}

// Build compiles root and returns an empty tree named name.
func Build(name string, root Node, optFns ...func(o *Options)) (*Tree, error) {
	graph, err := Compile(root)
	if err != nil {
		return nil, err
	}
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	opts = opts.withDefaults()
	return &Tree{
		name:   name,
		graph:  graph,
		opts:   opts,
		logger: opts.Logger.With("tree", name),
		live:   make(map[string]*member),
	}, nil
}

// MustBuild is Build for process assembly, where a bad graph is a programming error.
func MustBuild(name string, root Node, optFns ...func(o *Options)) *Tree {
	t, err := Build(name, root, optFns...)
	if err != nil {
		panic("build tree " + name + ": " + err.Error())
	}
	return t
}

func (t *Tree) Name() string { return t.name }

func (t *Tree) Graph() *Graph { return t.graph }

// Append admits seq at the root with cleared flags.
func (t *Tree) Append(seq *Sequencer) {
	ctx, cancel := context.WithCancel(context.Background())
	seq.reset(t, t.graph.root)

	t.mu.Lock()
	if old, ok := t.live[seq.id]; ok {
		old.cancel()
	}
	t.live[seq.id] = &member{seq: seq, ctx: ctx, cancel: cancel}
	t.mu.Unlock()

	t.record(domain.TreeEventAppended, seq, "", "")
}

func (t *Tree) Extend(seqs []*Sequencer) {
	for _, seq := range seqs {
		t.Append(seq)
	}
}

// Pop removes seq from the live set and marks it completed. It is safe to call
// repeatedly and from inside one of seq's own callbacks; a unit still in
// flight sees its context cancelled at its next suspension point.
func (t *Tree) Pop(seq *Sequencer) {
	t.mu.Lock()
	m, ok := t.live[seq.id]
	if ok {
		delete(t.live, seq.id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	m.cancel()
	seq.evict(t)
	t.record(domain.TreeEventEvicted, seq, seq.CurrentNodeID(), "")
}

// Clear pops every live sequencer.
func (t *Tree) Clear() {
	t.mu.RLock()
	seqs := make([]*Sequencer, 0, len(t.live))
	for _, m := range t.live {
		seqs = append(seqs, m.seq)
	}
	t.mu.RUnlock()
	for _, seq := range seqs {
		t.Pop(seq)
	}
}

func (t *Tree) Contains(seq *Sequencer) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.live[seq.id]
	return ok && m.seq == seq
}

func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.live)
}

// Sequencer looks up a live sequencer by id.
func (t *Tree) Sequencer(id string) (*Sequencer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.live[id]
	if !ok {
		return nil, false
	}
	return m.seq, true
}

// Tick starts one advancement unit for every live sequencer this tree owns
// that is neither updating nor completed. It does not wait for the units and
// returns how many it started.
func (t *Tree) Tick() int {
	t.mu.RLock()
	members := make([]*member, 0, len(t.live))
	for _, m := range t.live {
		members = append(members, m)
	}
	t.mu.RUnlock()

	started := 0
	for _, m := range members {
		epoch, ok := m.seq.begin(t)
		if !ok {
			continue
		}
		started++
		u := &unit{tree: t, member: m, seq: m.seq, epoch: epoch}
		t.units.Add(1)
		go func() {
			defer t.units.Done()
			u.run()
		}()
	}
	return started
}

// AwaitCompletion blocks until seq has left this tree or completed in it.
func (t *Tree) AwaitCompletion(ctx context.Context, seq *Sequencer) error {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()
	for {
		if !t.Contains(seq) || seq.IsCompleted() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Wait blocks until every advancement unit started so far has returned.
func (t *Tree) Wait() {
	t.units.Wait()
}

type SequencerState struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Owner       string         `json:"owner"`
	Current     string         `json:"current_node"`
	CurrentKind string         `json:"current_kind"`
	StackDepth  int            `json:"stack_depth"`
	Updating    bool           `json:"updating"`
	Completed   bool           `json:"completed"`
	WrapToRoot  bool           `json:"wrap_to_root"`
	Data        map[string]any `json:"data,omitempty"`
}

// Snapshot describes every live sequencer, ordered by id.
func (t *Tree) Snapshot() []SequencerState {
	t.mu.RLock()
	seqs := make([]*Sequencer, 0, len(t.live))
	for _, m := range t.live {
		seqs = append(seqs, m.seq)
	}
	t.mu.RUnlock()

	out := make([]SequencerState, 0, len(seqs))
	for _, seq := range seqs {
		seq.mu.Lock()
		st := SequencerState{
			ID:         seq.id,
			AgentID:    seq.agentID,
			Current:    seq.current,
			StackDepth: len(seq.stack),
			Updating:   seq.updating,
			Completed:  seq.completed,
			WrapToRoot: seq.wrapToRoot,
		}
		if seq.owner != nil {
			st.Owner = seq.owner.name
		}
		seq.mu.Unlock()
		if n, ok := t.graph.Node(st.Current); ok {
			st.CurrentKind = Kind(n)
		}
		st.Data = seq.Data()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tree) record(kind domain.TreeEventKind, seq *Sequencer, nodeID, reason string) {
	if t.opts.Events == nil {
		return
	}
	ev := domain.TreeEvent{
		Tree:        t.name,
		SequencerID: seq.id,
		AgentID:     seq.agentID,
		Kind:        kind,
		NodeID:      nodeID,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
	if err := t.opts.Events.RecordTreeEvent(context.Background(), ev); err != nil {
		t.logger.Warn("record tree event failed", "kind", kind, "sequencer", seq.id, "error", err)
	}
}
