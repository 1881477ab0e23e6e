package world

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"turtle_botnet/internal/domain"
)

const turtleBlockName = "computercraft:turtle_normal"

var (
	ErrUnknownTurtle    = errors.New("unknown turtle")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrNotMovement      = errors.New("action does not move the turtle")
)

// Store persists the world between runs.
type Store interface {
	SaveTurtles(ctx context.Context, turtles []domain.Turtle) error
	DeleteTurtles(ctx context.Context, ids []string) error
	LoadTurtles(ctx context.Context) ([]domain.Turtle, error)
	SaveBlocks(ctx context.Context, blocks []domain.Block) error
	DeleteBlocks(ctx context.Context, positions []domain.Point3) error
	LoadBlocks(ctx context.Context) ([]domain.Block, error)
}

// World is the orchestrator's model of the turtles and the blocks they have seen.
type World struct {
	mu      sync.RWMutex
	turtles map[string]*domain.Turtle
	blocks  map[domain.Point3]domain.Block

	destroyed map[string]struct{}
	cleared   map[domain.Point3]struct{}
}

func New() *World {
	return &World{
		turtles:   make(map[string]*domain.Turtle),
		blocks:    make(map[domain.Point3]domain.Block),
		destroyed: make(map[string]struct{}),
		cleared:   make(map[domain.Point3]struct{}),
	}
}

func (w *World) TurtleExists(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.turtles[id]
	return ok
}

// CreateTurtle registers a new turtle standing at position and facing direction.
func (w *World) CreateTurtle(position domain.Point3, direction domain.Direction) (domain.Turtle, error) {
	if !direction.Valid() {
		return domain.Turtle{}, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
	now := time.Now().UTC()
	t := &domain.Turtle{
		ID:        uuid.NewString(),
		Position:  position,
		Direction: direction,
		CreatedAt: now,
		UpdatedAt: now,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.turtles[t.ID] = t
	delete(w.destroyed, t.ID)
	w.pushBlockLocked(domain.Block{Name: turtleBlockName, Position: position})
	return *t, nil
}

func (w *World) DestroyTurtle(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.turtles[id]
	if !ok {
		return false
	}
	delete(w.turtles, id)
	w.destroyed[id] = struct{}{}
	if b, ok := w.blocks[t.Position]; ok && b.Name == turtleBlockName {
		w.popBlockLocked(t.Position)
	}
	return true
}

func (w *World) Turtle(id string) (domain.Turtle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.turtles[id]
	if !ok {
		return domain.Turtle{}, false
	}
	return *t, true
}

// Turtles returns every turtle ordered by creation time.
func (w *World) Turtles() []domain.Turtle {
	w.mu.RLock()
	out := make([]domain.Turtle, 0, len(w.turtles))
	for _, t := range w.turtles {
		out = append(out, *t)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateTurtle applies fn to the stored turtle under the world lock.
func (w *World) UpdateTurtle(id string, fn func(t *domain.Turtle)) (domain.Turtle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.turtles[id]
	if !ok {
		return domain.Turtle{}, fmt.Errorf("%w: %s", ErrUnknownTurtle, id)
	}
	before := t.Position
	fn(t)
	if t.Fuel < 0 {
		t.Fuel = 0
	}
	if t.Fuel > domain.MaxFuel {
		t.Fuel = domain.MaxFuel
	}
	if t.Position != before {
		w.popBlockLocked(before)
		w.pushBlockLocked(domain.Block{Name: turtleBlockName, Position: t.Position})
	}
	t.UpdatedAt = time.Now().UTC()
	return *t, nil
}

// Move applies a movement action that the turtle reported as successful.
// Moving costs one unit of fuel; turning is free.
func (w *World) Move(id string, action domain.TurtleAction) (domain.Turtle, error) {
	if !action.IsMovement() {
		return domain.Turtle{}, fmt.Errorf("%w: %s", ErrNotMovement, action)
	}
	return w.UpdateTurtle(id, func(t *domain.Turtle) {
		switch action {
		case domain.ActionForward:
			t.Position = t.Position.Add(t.Direction.Offset())
			t.Fuel--
		case domain.ActionBackward:
			t.Position = t.Position.Sub(t.Direction.Offset())
			t.Fuel--
		case domain.ActionUp:
			t.Position.Y++
			t.Fuel--
		case domain.ActionDown:
			t.Position.Y--
			t.Fuel--
		case domain.ActionTurnLeft:
			t.Direction = t.Direction.Left()
		case domain.ActionTurnRight:
			t.Direction = t.Direction.Right()
		}
	})
}

func (w *World) GetBlock(p domain.Point3) (domain.Block, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.blocks[p]
	return b, ok
}

// PushBlock records what occupies b.Position. Air clears the position instead.
func (w *World) PushBlock(b domain.Block) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b.Name == "" || b.Name == domain.BlockAir {
		w.popBlockLocked(b.Position)
		return
	}
	w.pushBlockLocked(b)
}

func (w *World) PopBlock(p domain.Point3) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.popBlockLocked(p)
}

func (w *World) BlockCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.blocks)
}

func (w *World) pushBlockLocked(b domain.Block) {
	b.Traversable = false
	w.blocks[b.Position] = b
	delete(w.cleared, b.Position)
}

func (w *World) popBlockLocked(p domain.Point3) {
	if _, ok := w.blocks[p]; !ok {
		return
	}
	delete(w.blocks, p)
	w.cleared[p] = struct{}{}
}

// Neighbours lists the blocks around source. Unknown positions are reported as
// traversable air. The order flips on alternate cells so that searches built on
// it do not favour one axis.
func (w *World) Neighbours(source domain.Point3, allowDiagonals, allowVertical, filterTraversable bool) []domain.Block {
	left, right := source.X-1, source.X+1
	forward, backward := source.Z+1, source.Z-1
	up, down := source.Y+1, source.Y-1

	p := func(x, z, y int) domain.Point3 { return domain.Point3{X: x, Y: y, Z: z} }
	candidates := []domain.Point3{
		p(left, source.Z, source.Y),
		p(right, source.Z, source.Y),
		p(source.X, forward, source.Y),
		p(source.X, backward, source.Y),
	}
	if allowVertical {
		candidates = append(candidates,
			p(source.X, source.Z, up),
			p(source.X, source.Z, down),
		)
	}
	if allowDiagonals {
		candidates = append(candidates,
			p(left, forward, source.Y),
			p(left, backward, source.Y),
			p(right, forward, source.Y),
			p(right, backward, source.Y),
		)
	}
	if allowVertical && allowDiagonals {
		for _, x := range []int{left, right} {
			for _, z := range []int{forward, source.Z, backward} {
				candidates = append(candidates, p(x, z, up), p(x, z, down))
			}
		}
		for _, z := range []int{forward, backward} {
			candidates = append(candidates, p(source.X, z, up), p(source.X, z, down))
		}
	}

	reverse := (source.X+source.Z+source.Y)%2 == 0

	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]domain.Block, 0, len(candidates))
	for _, pos := range candidates {
		b, ok := w.blocks[pos]
		if !ok {
			b = domain.Block{Name: domain.BlockAir, Position: pos, Traversable: true}
		}
		if filterTraversable && !b.Traversable {
			continue
		}
		out = append(out, b)
	}
	if reverse {
		slices.Reverse(out)
	}
	return out
}

// Load replaces the in-memory world with what store holds.
func (w *World) Load(ctx context.Context, store Store) error {
	turtles, err := store.LoadTurtles(ctx)
	if err != nil {
		return fmt.Errorf("load turtles: %w", err)
	}
	blocks, err := store.LoadBlocks(ctx)
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.turtles = make(map[string]*domain.Turtle, len(turtles))
	for i := range turtles {
		t := turtles[i]
		w.turtles[t.ID] = &t
	}
	w.blocks = make(map[domain.Point3]domain.Block, len(blocks))
	for _, b := range blocks {
		w.blocks[b.Position] = b
	}
	w.destroyed = make(map[string]struct{})
	w.cleared = make(map[domain.Point3]struct{})
	return nil
}

// Save writes the current world to store, including removals since the last save.
func (w *World) Save(ctx context.Context, store Store) error {
	w.mu.Lock()
	turtles := make([]domain.Turtle, 0, len(w.turtles))
	for _, t := range w.turtles {
		turtles = append(turtles, *t)
	}
	blocks := make([]domain.Block, 0, len(w.blocks))
	for _, b := range w.blocks {
		blocks = append(blocks, b)
	}
	destroyed := make([]string, 0, len(w.destroyed))
	for id := range w.destroyed {
		destroyed = append(destroyed, id)
	}
	cleared := make([]domain.Point3, 0, len(w.cleared))
	for p := range w.cleared {
		cleared = append(cleared, p)
	}
	w.mu.Unlock()

	if err := store.SaveTurtles(ctx, turtles); err != nil {
		return fmt.Errorf("save turtles: %w", err)
	}
	if err := store.DeleteTurtles(ctx, destroyed); err != nil {
		return fmt.Errorf("delete turtles: %w", err)
	}
	if err := store.SaveBlocks(ctx, blocks); err != nil {
		return fmt.Errorf("save blocks: %w", err)
	}
	if err := store.DeleteBlocks(ctx, cleared); err != nil {
		return fmt.Errorf("delete blocks: %w", err)
	}

	w.mu.Lock()
	for _, id := range destroyed {
		if _, back := w.turtles[id]; !back {
			delete(w.destroyed, id)
		}
	}
	for _, p := range cleared {
		if _, back := w.blocks[p]; !back {
			delete(w.cleared, p)
		}
	}
	w.mu.Unlock()
	return nil
}
