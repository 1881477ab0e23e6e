package behavior

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"turtle_botnet/internal/domain"
)

var (
	ErrUnknownNode   = errors.New("node is not part of the tree")
	ErrSelectorRange = errors.New("selector index out of range")
	ErrLoopLimit     = errors.New("while loop exceeded its iteration limit")
	ErrHandlerPanic  = errors.New("node handler panicked")
)

// unit is one advancement of one sequencer: a single node resolved, plus
// whatever that node composes synchronously.
type unit struct {
	tree   *Tree
	member *member
	seq    *Sequencer
	epoch  uint64
	nodeID string
}

func (u *unit) run() {
	defer func() {
		u.seq.finish(u.epoch)
	}()
	defer func() {
		if r := recover(); r != nil {
			u.fail(fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, r, debug.Stack()))
		}
	}()
	if err := u.step(u.member.ctx); err != nil {
		u.fail(err)
	}
}

func (u *unit) step(ctx context.Context) error {
	t := u.tree
	id, ok := u.seq.next(t.graph.root)
	if !ok {
		t.Pop(u.seq)
		return nil
	}
	u.nodeID = id

	n, ok := t.graph.Node(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if next := n.Next(); next != nil {
		u.seq.push(next.ID())
	}
	return u.execute(ctx, n)
}

func (u *unit) execute(ctx context.Context, n Node) error {
	t, seq := u.tree, u.seq
	switch v := n.(type) {
	case *Action:
		return v.fn(ctx, t, seq, seq.actionArgs...)
	case *MultiAction:
		for _, fn := range v.fns {
			if err := fn(ctx, t, seq, seq.actionArgs...); err != nil {
				return err
			}
		}
		return nil
	case *TrueFalse:
		ok, err := v.cond(ctx, t, seq, seq.conditionArgs...)
		if err != nil {
			return err
		}
		if ok {
			return u.follow(ctx, v.onTrue)
		}
		return u.follow(ctx, v.onFalse)
	case *Switch:
		idx, err := v.selector(ctx, t, seq, seq.conditionArgs...)
		if err != nil {
			return err
		}
		if idx < 0 || idx >= len(v.branches) {
			return fmt.Errorf("%w: got %d, have %d branches", ErrSelectorRange, idx, len(v.branches))
		}
		return u.follow(ctx, v.branches[idx])
	case *WhileTrue:
		return u.loop(ctx, v)
	case *RandomSwitch:
		return u.follow(ctx, v.branches[t.opts.Intn(len(v.branches))])
	case *Delay:
		timer := time.NewTimer(v.duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	case *Hook:
		return u.hook(ctx, v)
	case *PassTo:
		return u.pass(ctx, v)
	default:
		return fmt.Errorf("%w: unsupported node type %T", ErrMalformedNode, n)
	}
}

// follow runs a callback branch now or defers a node branch to the next unit.
func (u *unit) follow(ctx context.Context, b *Branch) error {
	switch {
	case b == nil:
		return nil
	case b.action != nil:
		return b.action(ctx, u.tree, u.seq, u.seq.actionArgs...)
	default:
		u.seq.push(b.node.ID())
		return nil
	}
}

// loop checks for eviction before every predicate call, so Pop interrupts a
// long-running loop between iterations.
func (u *unit) loop(ctx context.Context, n *WhileTrue) error {
	limit := u.tree.opts.MaxWhileIterations
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limit > 0 && i >= limit {
			return fmt.Errorf("%w (%d)", ErrLoopLimit, limit)
		}
		ok, err := n.cond(ctx, u.tree, u.seq, u.seq.conditionArgs...)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := n.body(ctx, u.tree, u.seq, u.seq.actionArgs...); err != nil {
			return err
		}
	}
}

func (u *unit) hook(ctx context.Context, n *Hook) error {
	t, seq := u.tree, u.seq
	if n.mutate != nil {
		if err := n.mutate(ctx, t, seq); err != nil {
			return err
		}
	}
	saved := seq.suspend()
	t.record(domain.TreeEventHooked, seq, u.nodeID, n.target.name)
	n.target.Append(seq)

	if err := n.target.AwaitCompletion(ctx, seq); err != nil {
		n.target.Pop(seq)
		seq.restoreWrap(saved)
		return err
	}
	if err := ctx.Err(); err != nil {
		seq.restoreWrap(saved)
		return err
	}
	// The callee may have handed the sequencer on; take it back.
	if owner := seq.Tree(); owner != nil && owner != n.target && owner != t {
		owner.Pop(seq)
	}
	u.epoch = seq.resume(t, saved)
	t.record(domain.TreeEventResumed, seq, u.nodeID, n.target.name)
	return nil
}

func (u *unit) pass(ctx context.Context, n *PassTo) error {
	t, seq := u.tree, u.seq
	if n.mutate != nil {
		if err := n.mutate(ctx, t, seq); err != nil {
			return err
		}
	}
	t.record(domain.TreeEventPassed, seq, u.nodeID, n.target.name)
	t.Pop(seq)
	n.target.Append(seq)
	return nil
}

// fail evicts the sequencer after an error. An error caused by the sequencer
// already having been popped is not a failure.
func (u *unit) fail(err error) {
	t, seq := u.tree, u.seq
	if u.member.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		t.logger.Debug("unit interrupted by eviction", "sequencer", seq.id, "agent", seq.agentID, "node", u.nodeID)
		return
	}
	kind := ""
	if n, ok := t.graph.Node(u.nodeID); ok {
		kind = Kind(n)
	}
	t.logger.Error("advancement unit failed, evicting sequencer",
		"sequencer", seq.id,
		"agent", seq.agentID,
		"node", u.nodeID,
		"kind", kind,
		"error", err,
	)
	t.record(domain.TreeEventFailed, seq, u.nodeID, err.Error())
	t.Pop(seq)
}
