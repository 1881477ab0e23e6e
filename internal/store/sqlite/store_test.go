package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turtle_botnet/internal/domain"
)

func TestTurtlesRoundTripAndUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	created := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	turtle := domain.Turtle{
		ID:        uuid.NewString(),
		Position:  domain.Point3{X: 10, Y: 64, Z: -3},
		Direction: domain.DirectionEast,
		Fuel:      120,
		LeftHand:  domain.Item{Name: "minecraft:diamond_pickaxe", Quantity: 1},
		CreatedAt: created,
		UpdatedAt: created,
	}
	turtle.Inventory[0] = domain.Item{Name: "minecraft:coal", Quantity: 12}
	require.NoError(t, store.SaveTurtles(ctx, []domain.Turtle{turtle}))

	turtle.Fuel = 119
	turtle.Position.X = 11
	require.NoError(t, store.SaveTurtles(ctx, []domain.Turtle{turtle}))

	loaded, err := store.LoadTurtles(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, turtle.ID, got.ID)
	assert.Equal(t, domain.Point3{X: 11, Y: 64, Z: -3}, got.Position)
	assert.Equal(t, domain.DirectionEast, got.Direction)
	assert.Equal(t, 119, got.Fuel)
	assert.Equal(t, turtle.Inventory, got.Inventory)
	assert.Equal(t, turtle.LeftHand, got.LeftHand)
	assert.True(t, got.RightHand.Empty())
	assert.Equal(t, created, got.CreatedAt)

	require.NoError(t, store.DeleteTurtles(ctx, []string{turtle.ID}))
	loaded, err = store.LoadTurtles(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestBlocksSaveAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	stone := domain.Block{Name: "minecraft:stone", Position: domain.Point3{X: 1, Y: 2, Z: 3}}
	dirt := domain.Block{Name: "minecraft:dirt", Position: domain.Point3{X: 1, Y: 3, Z: 3}}
	require.NoError(t, store.SaveBlocks(ctx, []domain.Block{stone, dirt}))

	stone.Name = "minecraft:cobblestone"
	require.NoError(t, store.SaveBlocks(ctx, []domain.Block{stone}))
	require.NoError(t, store.DeleteBlocks(ctx, []domain.Point3{dirt.Position}))

	blocks, err := store.LoadBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, stone, blocks[0])
}

func TestJobJournalLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	agent := uuid.NewString()
	done := domain.Job{
		TrackerID: uuid.NewString(),
		AgentID:   agent,
		Action:    domain.ActionForward,
		Args:      []any{},
		CreatedAt: time.Now().UTC().Add(-time.Second),
	}
	dropped := domain.Job{
		TrackerID: uuid.NewString(),
		AgentID:   agent,
		Action:    domain.ActionSelectSlot,
		Args:      []any{float64(3)},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.RecordJobQueued(ctx, done))
	require.NoError(t, store.RecordJobQueued(ctx, dropped))

	require.NoError(t, store.RecordJobFinished(ctx, done.TrackerID, domain.JobStatusCompleted, json.RawMessage(`[true]`)))
	err := store.RecordJobFinished(ctx, done.TrackerID, domain.JobStatusAbandoned, nil)
	require.ErrorIs(t, err, ErrNotFound)

	n, err := store.AbandonQueuedJobs(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	records, err := store.ListAgentJobs(ctx, agent, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byTracker := map[string]domain.JobRecord{}
	for _, r := range records {
		byTracker[r.TrackerID] = r
	}
	assert.Equal(t, domain.JobStatusCompleted, byTracker[done.TrackerID].Status)
	assert.JSONEq(t, `[true]`, string(byTracker[done.TrackerID].Results))
	assert.NotNil(t, byTracker[done.TrackerID].CompletedAt)

	assert.Equal(t, domain.JobStatusAbandoned, byTracker[dropped.TrackerID].Status)
	assert.Equal(t, domain.ActionSelectSlot, byTracker[dropped.TrackerID].Action)
	assert.Equal(t, []any{float64(3)}, byTracker[dropped.TrackerID].Args)
	assert.Empty(t, byTracker[dropped.TrackerID].Results)
}

func TestTreeEventsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	seq := uuid.NewString()
	for _, kind := range []domain.TreeEventKind{domain.TreeEventAppended, domain.TreeEventHooked, domain.TreeEventEvicted} {
		require.NoError(t, store.RecordTreeEvent(ctx, domain.TreeEvent{
			Tree:        "explorer",
			SequencerID: seq,
			AgentID:     "turtle-1",
			Kind:        kind,
		}))
	}
	require.NoError(t, store.RecordTreeEvent(ctx, domain.TreeEvent{
		Tree:        "refuel",
		SequencerID: seq,
		Kind:        domain.TreeEventAppended,
	}))

	events, err := store.ListTreeEvents(ctx, "explorer", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.TreeEventEvicted, events[0].Kind)
	assert.Equal(t, domain.TreeEventHooked, events[1].Kind)
	assert.Greater(t, events[0].ID, events[1].ID)
	assert.Equal(t, "turtle-1", events[0].AgentID)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	require.NoError(t, err, "open store")
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
