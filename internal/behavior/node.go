package behavior

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ActionFunc performs work for one sequencer. It receives Sequencer.ActionArgs.
type ActionFunc func(ctx context.Context, tree *Tree, seq *Sequencer, args ...any) error

// PredicateFunc decides a condition. It receives Sequencer.ConditionArgs.
type PredicateFunc func(ctx context.Context, tree *Tree, seq *Sequencer, args ...any) (bool, error)

// SelectorFunc picks a branch index. It receives Sequencer.ConditionArgs.
type SelectorFunc func(ctx context.Context, tree *Tree, seq *Sequencer, args ...any) (int, error)

// MutatorFunc adjusts a sequencer before it enters another tree.
type MutatorFunc func(ctx context.Context, tree *Tree, seq *Sequencer) error

// Node is one vertex of a task graph. The implementations in this package are
// the complete set: Action, MultiAction, TrueFalse, Switch, WhileTrue,
// RandomSwitch, Delay, Hook and PassTo.
type Node interface {
	ID() string
	Next() Node
	base() *nodeBase
}

type nodeBase struct {
	id   string
	next Node
}

func newBase(next Node) nodeBase {
	return nodeBase{id: uuid.NewString(), next: next}
}

func (b *nodeBase) ID() string { return b.id }

func (b *nodeBase) Next() Node { return b.next }

// SetNext replaces the successor. Only valid before the node is built into a tree;
// it exists so graphs can loop back onto nodes that are already constructed.
func (b *nodeBase) SetNext(next Node) { b.next = next }

func (b *nodeBase) base() *nodeBase { return b }

// Branch is one arm of a conditional node: either an inline callback or a node
// pushed onto the continuation stack for the next advancement unit.
type Branch struct {
	action ActionFunc
	node   Node
}

// Do builds a branch that runs fn within the current advancement unit.
func Do(fn ActionFunc) *Branch {
	return &Branch{action: fn}
}

// Goto builds a branch that continues at n on the next advancement unit.
func Goto(n Node) *Branch {
	return &Branch{node: n}
}

type Action struct {
	nodeBase
	fn ActionFunc
}

func NewAction(fn ActionFunc, next Node) *Action {
	return &Action{nodeBase: newBase(next), fn: fn}
}

// MultiAction runs every callback in order within one advancement unit.
type MultiAction struct {
	nodeBase
	fns []ActionFunc
}

func NewMultiAction(fns []ActionFunc, next Node) *MultiAction {
	return &MultiAction{nodeBase: newBase(next), fns: append([]ActionFunc(nil), fns...)}
}

// TrueFalse follows onTrue or onFalse depending on cond. Either arm may be nil.
type TrueFalse struct {
	nodeBase
	cond    PredicateFunc
	onTrue  *Branch
	onFalse *Branch
}

func NewTrueFalse(cond PredicateFunc, onTrue, onFalse *Branch, next Node) *TrueFalse {
	return &TrueFalse{nodeBase: newBase(next), cond: cond, onTrue: onTrue, onFalse: onFalse}
}

// Switch follows the branch at the index returned by selector.
type Switch struct {
	nodeBase
	selector SelectorFunc
	branches []*Branch
}

func NewSwitch(selector SelectorFunc, branches []*Branch, next Node) *Switch {
	return &Switch{nodeBase: newBase(next), selector: selector, branches: append([]*Branch(nil), branches...)}
}

// WhileTrue runs body for as long as cond holds, inside one advancement unit.
type WhileTrue struct {
	nodeBase
	cond PredicateFunc
	body ActionFunc
}

func NewWhileTrue(cond PredicateFunc, body ActionFunc, next Node) *WhileTrue {
	return &WhileTrue{nodeBase: newBase(next), cond: cond, body: body}
}

// RandomSwitch follows one branch chosen uniformly at random on every visit.
type RandomSwitch struct {
	nodeBase
	branches []*Branch
}

func NewRandomSwitch(branches []*Branch, next Node) *RandomSwitch {
	return &RandomSwitch{nodeBase: newBase(next), branches: append([]*Branch(nil), branches...)}
}

type Delay struct {
	nodeBase
	duration time.Duration
}

func NewDelay(d time.Duration, next Node) *Delay {
	return &Delay{nodeBase: newBase(next), duration: d}
}

// Hook runs the sequencer to completion on target and then resumes it here
// with its continuation intact.
type Hook struct {
	nodeBase
	target *Tree
	mutate MutatorFunc
}

func NewHook(target *Tree, mutate MutatorFunc, next Node) *Hook {
	return &Hook{nodeBase: newBase(next), target: target, mutate: mutate}
}

// PassTo moves the sequencer to target for good. Whatever remained of its
// continuation in the current tree is dropped.
type PassTo struct {
	nodeBase
	target *Tree
	mutate MutatorFunc
}

func NewPassTo(target *Tree, mutate MutatorFunc, next Node) *PassTo {
	return &PassTo{nodeBase: newBase(next), target: target, mutate: mutate}
}

// Kind names the variant of n for logs and introspection.
func Kind(n Node) string {
	switch n.(type) {
	case *Action:
		return "action"
	case *MultiAction:
		return "multi_action"
	case *TrueFalse:
		return "condition_true_false"
	case *Switch:
		return "condition_switch"
	case *WhileTrue:
		return "condition_while_true"
	case *RandomSwitch:
		return "random_switch"
	case *Delay:
		return "delay"
	case *Hook:
		return "hook_behavior_tree"
	case *PassTo:
		return "pass_to_behavior_tree"
	}
	return "unknown"
}

// isNil catches typed nil pointers hidden inside a non-nil Node interface.
func isNil(n Node) bool {
	if n == nil {
		return true
	}
	switch v := n.(type) {
	case *Action:
		return v == nil
	case *MultiAction:
		return v == nil
	case *TrueFalse:
		return v == nil
	case *Switch:
		return v == nil
	case *WhileTrue:
		return v == nil
	case *RandomSwitch:
		return v == nil
	case *Delay:
		return v == nil
	case *Hook:
		return v == nil
	case *PassTo:
		return v == nil
	}
	return false
}
