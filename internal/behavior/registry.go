package behavior

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bt "github.com/joeycumines/go-behaviortree"
)

var (
	ErrDuplicateTree = errors.New("tree already registered")
	ErrUnknownTree   = errors.New("tree not registered")
)

// Registry names the trees of one process. It is built once at startup and
// handed to whatever drives or inspects the trees.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	trees   map[string]*Tree
	order   []string
	manager bt.Manager
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		trees:  make(map[string]*Tree),
	}
}

func (r *Registry) Register(t *Tree) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trees[t.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTree, t.name)
	}
	r.trees[t.name] = t
	r.order = append(r.order, t.name)
	return nil
}

func (r *Registry) Get(name string) (*Tree, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trees[name]
	return t, ok
}

func (r *Registry) Lookup(name string) (*Tree, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTree, name)
	}
	return t, nil
}

// MustGet is Get for process assembly, where a missing tree is a programming error.
func (r *Registry) MustGet(name string) *Tree {
	t, err := r.Lookup(name)
	if err != nil {
		panic(err)
	}
	return t
}

// Trees returns the registered trees in registration order.
func (r *Registry) Trees() []*Tree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tree, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.trees[name])
	}
	return out
}

// StartAll starts every tree's updater and groups the tickers under one
// manager, so StopAll or the end of ctx halts all of them together.
func (r *Registry) StartAll(ctx context.Context, interval time.Duration) error {
	r.mu.Lock()
	if r.manager == nil || tickerDone(r.manager) {
		r.manager = bt.NewManager()
	}
	manager := r.manager
	r.mu.Unlock()

	for _, t := range r.Trees() {
		ticker, started := t.startTicker(ctx, interval)
		if !started {
			continue
		}
		if err := manager.Add(ticker); err != nil {
			return fmt.Errorf("add %s updater to manager: %w", t.name, err)
		}
		r.logger.Info("starting behavior tree", "tree", t.name)
	}
	return nil
}

// StopAll halts every updater. It does not wait for units blocked on agents.
func (r *Registry) StopAll() {
	r.mu.Lock()
	manager := r.manager
	r.manager = nil
	r.mu.Unlock()

	if manager != nil {
		manager.Stop()
		<-manager.Done()
	}
	for _, t := range r.Trees() {
		t.StopAutoUpdater()
	}
}

// Drain stops the updaters, evicts every live sequencer and waits for the
// units that were in flight to return.
func (r *Registry) Drain() {
	r.StopAll()
	trees := r.Trees()
	for _, t := range trees {
		t.Clear()
	}
	for _, t := range trees {
		t.Wait()
	}
}

// Err reports why the updaters stopped, if any ticker failed.
func (r *Registry) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.manager == nil {
		return nil
	}
	return r.manager.Err()
}
