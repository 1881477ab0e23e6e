package behavior

import (
	"maps"
	"sync"

	"github.com/google/uuid"
)

type SequencerConfig struct {
	ID      string
	AgentID string
	// ConditionArgs are passed to every predicate and selector.
	ConditionArgs []any
	// ActionArgs are passed to every action callback.
	ActionArgs []any
	// WrapToRoot re-enters the root when the continuation stack empties
	// instead of completing.
	WrapToRoot bool
}

// Sequencer is one agent's cursor through a tree.
type Sequencer struct {
	id            string
	agentID       string
	conditionArgs []any
	actionArgs    []any

	mu         sync.Mutex
	owner      *Tree
	epoch      uint64
	stack      []string
	current    string
	wrapToRoot bool
	updating   bool
	completed  bool
	data       map[string]any
}

func NewSequencer(cfg SequencerConfig) *Sequencer {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	return &Sequencer{
		id:            cfg.ID,
		agentID:       cfg.AgentID,
		conditionArgs: append([]any(nil), cfg.ConditionArgs...),
		actionArgs:    append([]any(nil), cfg.ActionArgs...),
		wrapToRoot:    cfg.WrapToRoot,
		data:          make(map[string]any),
	}
}

func (s *Sequencer) ID() string { return s.id }

func (s *Sequencer) AgentID() string { return s.agentID }

func (s *Sequencer) ConditionArgs() []any { return s.conditionArgs }

func (s *Sequencer) ActionArgs() []any { return s.actionArgs }

// CurrentNodeID is the node most recently taken off the continuation stack.
func (s *Sequencer) CurrentNodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stack returns a copy of the continuation stack, top last.
func (s *Sequencer) Stack() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stack...)
}

func (s *Sequencer) IsUpdating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updating
}

func (s *Sequencer) IsCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *Sequencer) WrapToRoot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrapToRoot
}

func (s *Sequencer) SetWrapToRoot(v bool) {
	s.mu.Lock()
	s.wrapToRoot = v
	s.mu.Unlock()
}

// Tree returns the tree currently advancing the sequencer, or nil.
func (s *Sequencer) Tree() *Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *Sequencer) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Sequencer) Set(key string, value any) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

func (s *Sequencer) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// Data returns a shallow copy of the scratch data.
func (s *Sequencer) Data() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.data)
}

// reset points the sequencer at root of t and clears its lifecycle flags.
// Bumping the epoch detaches any unit still running from a previous admission.
func (s *Sequencer) reset(t *Tree, root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = t
	s.epoch++
	s.stack = []string{root}
	s.current = ""
	s.updating = false
	s.completed = false
}

// begin claims the sequencer for one advancement unit of t.
func (s *Sequencer) begin(t *Tree) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != t || s.updating || s.completed {
		return 0, false
	}
	s.updating = true
	return s.epoch, true
}

// finish releases the claim taken by begin, unless the sequencer has since
// been admitted somewhere else.
func (s *Sequencer) finish(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch {
		s.updating = false
	}
}

// evict marks the sequencer completed if t still owns it.
func (s *Sequencer) evict(t *Tree) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != t {
		return false
	}
	s.completed = true
	s.stack = nil
	return true
}

// next pops the continuation stack. With an empty stack it returns root when
// wrapping, otherwise false.
func (s *Sequencer) next(root string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id string
	switch {
	case len(s.stack) > 0:
		id = s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
	case s.wrapToRoot:
		id = root
	default:
		return "", false
	}
	s.current = id
	return id, true
}

func (s *Sequencer) push(id string) {
	s.mu.Lock()
	s.stack = append(s.stack, id)
	s.mu.Unlock()
}

type suspension struct {
	stack      []string
	current    string
	wrapToRoot bool
}

// suspend saves the continuation for a hook and disables wrapping so the
// callee tree lets the sequencer complete.
func (s *Sequencer) suspend() suspension {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := suspension{
		stack:      append([]string(nil), s.stack...),
		current:    s.current,
		wrapToRoot: s.wrapToRoot,
	}
	s.wrapToRoot = false
	return saved
}

// resume hands the sequencer back to t after a hook. The calling unit keeps
// its claim under the returned epoch.
func (s *Sequencer) resume(t *Tree, saved suspension) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = t
	s.epoch++
	s.stack = saved.stack
	s.current = saved.current
	s.wrapToRoot = saved.wrapToRoot
	s.completed = false
	s.updating = true
	return s.epoch
}

// restoreWrap puts back the wrap flag after a hook that did not come back.
func (s *Sequencer) restoreWrap(saved suspension) {
	s.mu.Lock()
	s.wrapToRoot = saved.wrapToRoot
	s.mu.Unlock()
}
