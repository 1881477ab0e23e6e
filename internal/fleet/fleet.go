package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"turtle_botnet/internal/behavior"
	"turtle_botnet/internal/domain"
	"turtle_botnet/internal/world"
)

const (
	TreeInitializer = "initializer"
	TreeRefuel      = "refuel"
	TreeExplorer    = "explorer"
)

const (
	keyFrontBlock  = "front_block"
	keyDigAttempts = "dig_attempts"
	keyFuelSlot    = "fuel_slot"
)

const (
	DefaultFuelThreshold = 200
	DefaultExplorePace   = 500 * time.Millisecond
	maxDigAttempts       = 3
)

var ErrMissingTurtleArg = errors.New("sequencer has no turtle id argument")

// Dispatcher runs one action on a turtle and waits for what it returned.
type Dispatcher interface {
	DispatchAction(ctx context.Context, agentID string, action domain.TurtleAction, args ...any) ([]any, error)
}

type Deps struct {
	World  *world.World
	Jobs   Dispatcher
	Logger *slog.Logger
	// FuelThreshold is the level under which a turtle goes to refuel.
	FuelThreshold int
	// ExplorePace is the pause at the top of every exploration step.
	ExplorePace time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.FuelThreshold <= 0 {
		d.FuelThreshold = DefaultFuelThreshold
	}
	if d.ExplorePace <= 0 {
		d.ExplorePace = DefaultExplorePace
	}
	return d
}

// Trees is the task library every turtle runs through: initializer on
// connect, refuel when low, explorer otherwise.
type Trees struct {
	Initializer *behavior.Tree
	Refuel      *behavior.Tree
	Explorer    *behavior.Tree
}

type library struct {
	deps Deps
}

// Build compiles the three trees. optFns apply to every tree.
func Build(deps Deps, optFns ...func(o *behavior.Options)) (*Trees, error) {
	if deps.World == nil || deps.Jobs == nil {
		return nil, errors.New("fleet: world and dispatcher are required")
	}
	lib := &library{deps: deps.withDefaults()}

	refuel, err := behavior.Build(TreeRefuel, lib.refuelGraph(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("build %s tree: %w", TreeRefuel, err)
	}
	explorer, err := behavior.Build(TreeExplorer, lib.explorerGraph(refuel), optFns...)
	if err != nil {
		return nil, fmt.Errorf("build %s tree: %w", TreeExplorer, err)
	}
	initializer, err := behavior.Build(TreeInitializer, lib.initializerGraph(refuel, explorer), optFns...)
	if err != nil {
		return nil, fmt.Errorf("build %s tree: %w", TreeInitializer, err)
	}
	return &Trees{Initializer: initializer, Refuel: refuel, Explorer: explorer}, nil
}

// Register adds the trees to reg, entry tree first.
func (ts *Trees) Register(reg *behavior.Registry) error {
	for _, t := range []*behavior.Tree{ts.Initializer, ts.Refuel, ts.Explorer} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// NewSequencer builds the cursor for one turtle. Callbacks receive the turtle
// id as their first argument.
func NewSequencer(turtleID string) *behavior.Sequencer {
	return behavior.NewSequencer(behavior.SequencerConfig{
		AgentID:       turtleID,
		ConditionArgs: []any{turtleID},
		ActionArgs:    []any{turtleID},
	})
}

func turtleArg(args []any) (string, error) {
	if len(args) == 0 {
		return "", ErrMissingTurtleArg
	}
	id, ok := args[0].(string)
	if !ok || id == "" {
		return "", ErrMissingTurtleArg
	}
	return id, nil
}

// initializerGraph syncs a freshly connected turtle, tops up its fuel and
// hands it to the explorer.
func (l *library) initializerGraph(refuel, explorer *behavior.Tree) behavior.Node {
	handoff := behavior.NewPassTo(explorer, startExploring, nil)
	hookRefuel := behavior.NewHook(refuel, nil, nil)
	fuelGate := behavior.NewTrueFalse(l.fuelLow, behavior.Goto(hookRefuel), nil, handoff)
	return behavior.NewAction(l.syncTurtle, fuelGate)
}

func (l *library) refuelGraph() behavior.Node {
	burn := behavior.NewMultiAction([]behavior.ActionFunc{l.selectFuelSlot, l.burnFuel, l.readFuelLevel}, nil)
	pick := behavior.NewSwitch(l.chooseFuelSlot, []*behavior.Branch{
		behavior.Do(l.reportNoFuel),
		behavior.Goto(burn),
	}, nil)
	return behavior.NewAction(l.readInventory, pick)
}

func (l *library) explorerGraph(refuel *behavior.Tree) behavior.Node {
	hookRefuel := behavior.NewHook(refuel, nil, nil)
	fuelCheck := behavior.NewTrueFalse(l.fuelLow, behavior.Goto(hookRefuel), nil, nil)
	advance := behavior.NewAction(l.moveForward, fuelCheck)
	dig := behavior.NewWhileTrue(l.frontBlocked, l.digFront, advance)
	inspect := behavior.NewAction(l.inspectFront, dig)
	turn := behavior.NewRandomSwitch([]*behavior.Branch{
		behavior.Do(l.turn(domain.ActionTurnLeft)),
		behavior.Do(l.turn(domain.ActionTurnRight)),
		behavior.Do(keepHeading),
	}, inspect)
	return behavior.NewDelay(l.deps.ExplorePace, turn)
}

func startExploring(_ context.Context, _ *behavior.Tree, seq *behavior.Sequencer) error {
	seq.Delete(keyFuelSlot)
	seq.SetWrapToRoot(true)
	return nil
}

func keepHeading(context.Context, *behavior.Tree, *behavior.Sequencer, ...any) error {
	return nil
}

func (l *library) syncTurtle(ctx context.Context, _ *behavior.Tree, _ *behavior.Sequencer, args ...any) error {
	id, err := turtleArg(args)
	if err != nil {
		return err
	}
	if err := l.refreshFuel(ctx, id); err != nil {
		return err
	}
	return l.refreshInventory(ctx, id)
}

func (l *library) fuelLow(_ context.Context, _ *behavior.Tree, _ *behavior.Sequencer, args ...any) (bool, error) {
	id, err := turtleArg(args)
	if err != nil {
		return false, err
	}
	t, ok := l.deps.World.Turtle(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", world.ErrUnknownTurtle, id)
	}
	return t.Fuel < l.deps.FuelThreshold, nil
}

func (l *library) readInventory(ctx context.Context, _ *behavior.Tree, _ *behavior.Sequencer, args ...any) error {
	id, err := turtleArg(args)
	if err != nil {
		return err
	}
	return l.refreshInventory(ctx, id)
}

// chooseFuelSlot returns 1 and remembers the slot when the turtle carries
// something burnable, 0 otherwise.
func (l *library) chooseFuelSlot(_ context.Context, _ *behavior.Tree, seq *behavior.Sequencer, args ...any) (int, error) {
	id, err := turtleArg(args)
	if err != nil {
		return 0, err
	}
	t, ok := l.deps.World.Turtle(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", world.ErrUnknownTurtle, id)
	}
	slots := t.FindSlots(isFuel)
	if len(slots) == 0 {
		seq.Delete(keyFuelSlot)
		return 0, nil
	}
	seq.Set(keyFuelSlot, slots[0])
	return 1, nil
}

func (l *library) reportNoFuel(_ context.Context, _ *behavior.Tree, _ *behavior.Sequencer, args ...any) error {
	id, err := turtleArg(args)
	if err != nil {
		return err
	}
	l.deps.Logger.Warn("turtle has no fuel in its inventory", "turtle", id)
	return nil
}

func (l *library) selectFuelSlot(ctx context.Context, _ *behavior.Tree, seq *behavior.Sequencer, args ...any) error {
	id, err := turtleArg(args)
	if err != nil {
		return err
	}
	slot, ok := seq.Get(keyFuelSlot)
	if !ok {
		return fmt.Errorf("select fuel slot for %s: no slot chosen", id)
	}
	if _, err := l.deps.Jobs.DispatchAction(ctx, id, domain.ActionSelectSlot, slot); err != nil {
		return fmt.Errorf("select slot: %w", err)
	}
	return nil
}

func (l *library) burnFuel(ctx context.Context, _ *behavior.Tree, _ *behavior.Sequencer, args ...any) error {
	id, err := turtleArg(args)
	if err != nil {
		return err
	}
	results, err := l.deps.Jobs.DispatchAction(ctx, id, domain.ActionRefuel)
	if err != nil {
		return fmt.Errorf("refuel: %w", err)
	}
	if !succeeded(results) {
		l.deps.Logger.Warn("turtle refused to refuel", "turtle", id, "results", results)
	}
	return nil
}

func (l *library) readFuelLevel(ctx context.Context, _ *behavior.Tree, _ *behavior.Sequencer, args ...any) error {
	id, err := turtleArg(args)
	if err != nil {
		return err
	}
	if err := l.refreshFuel(ctx, id); err != nil {
		return err
	}
	return l.refreshInventory(ctx, id)
}

func (l *library) turn(action domain.TurtleAction) behavior.ActionFunc {
	return func(ctx context.Context, _ *behavior.Tree, _ *behavior.Sequencer, args ...any) error {
		id, err := turtleArg(args)
		if err != nil {
			return err
		}
		results, err := l.deps.Jobs.DispatchAction(ctx, id, action)
		if err != nil {
			return fmt.Errorf("%s: %w", action, err)
		}
		if !succeeded(results) {
			return nil
		}
		_, err = l.deps.World.Move(id, action)
		return err
	}
}

// inspectFront records the block ahead of the turtle, or clears the cell
// when there is nothing there.
func (l *library) inspectFront(ctx context.Context, _ *behavior.Tree, seq *behavior.Sequencer, args ...any) error {
	id, err := turtleArg(args)
	if err != nil {
		return err
	}
	seq.Set(keyDigAttempts, 0)
	return l.observeFront(ctx, seq, id)
}

func (l *library) observeFront(ctx context.Context, seq *behavior.Sequencer, id string) error {
	results, err := l.deps.Jobs.DispatchAction(ctx, id, domain.ActionInspectFront)
	if err != nil {
		return fmt.Errorf("inspect front: %w", err)
	}
	t, ok := l.deps.World.Turtle(id)
	if !ok {
		return fmt.Errorf("%w: %s", world.ErrUnknownTurtle, id)
	}
	ahead := t.Position.Add(t.Direction.Offset())
	if !succeeded(results) || len(results) < 2 {
		l.deps.World.PopBlock(ahead)
		seq.Delete(keyFrontBlock)
		return nil
	}
	block := itemFromResult(results[1])
	if block.Name == "" || block.Name == domain.BlockAir {
		l.deps.World.PopBlock(ahead)
		seq.Delete(keyFrontBlock)
		return nil
	}
	l.deps.World.PushBlock(domain.Block{Name: block.Name, Position: ahead})
	seq.Set(keyFrontBlock, block.Name)
	return nil
}

func (l *library) frontBlocked(_ context.Context, _ *behavior.Tree, seq *behavior.Sequencer, _ ...any) (bool, error) {
	if _, ok := seq.Get(keyFrontBlock); !ok {
		return false, nil
	}
	attempts, _ := seq.Get(keyDigAttempts)
	n, _ := attempts.(int)
	return n < maxDigAttempts, nil
}

func (l *library) digFront(ctx context.Context, _ *behavior.Tree, seq *behavior.Sequencer, args ...any) error {
	id, err := turtleArg(args)
	if err != nil {
		return err
	}
	attempts, _ := seq.Get(keyDigAttempts)
	n, _ := attempts.(int)
	seq.Set(keyDigAttempts, n+1)
	if _, err := l.deps.Jobs.DispatchAction(ctx, id, domain.ActionDigFront); err != nil {
		return fmt.Errorf("dig front: %w", err)
	}
	return l.observeFront(ctx, seq, id)
}

func (l *library) moveForward(ctx context.Context, _ *behavior.Tree, seq *behavior.Sequencer, args ...any) error {
	id, err := turtleArg(args)
	if err != nil {
		return err
	}
	if _, blocked := seq.Get(keyFrontBlock); blocked {
		return nil
	}
	results, err := l.deps.Jobs.DispatchAction(ctx, id, domain.ActionForward)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	if !succeeded(results) {
		return nil
	}
	_, err = l.deps.World.Move(id, domain.ActionForward)
	return err
}

func (l *library) refreshFuel(ctx context.Context, id string) error {
	results, err := l.deps.Jobs.DispatchAction(ctx, id, domain.ActionGetFuelLevel)
	if err != nil {
		return fmt.Errorf("get fuel level: %w", err)
	}
	fuel, err := intResult(results, 0)
	if err != nil {
		return fmt.Errorf("get fuel level: %w", err)
	}
	_, err = l.deps.World.UpdateTurtle(id, func(t *domain.Turtle) { t.Fuel = fuel })
	return err
}

func (l *library) refreshInventory(ctx context.Context, id string) error {
	results, err := l.deps.Jobs.DispatchAction(ctx, id, domain.ActionReadInventory)
	if err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	inv, err := inventoryFromResult(results)
	if err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	_, err = l.deps.World.UpdateTurtle(id, func(t *domain.Turtle) { t.Inventory = inv })
	return err
}
