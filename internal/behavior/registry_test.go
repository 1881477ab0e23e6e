package behavior

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoUpdaterLifecycle(t *testing.T) {
	var runs atomic.Int32
	tree := MustBuild("auto", NewAction(func(context.Context, *Tree, *Sequencer, ...any) error {
		runs.Add(1)
		return nil
	}, nil), testOptions(nil))
	tree.Append(NewSequencer(SequencerConfig{WrapToRoot: true}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.True(t, tree.StartAutoUpdater(ctx, time.Millisecond))
	assert.False(t, tree.StartAutoUpdater(ctx, time.Millisecond))
	assert.True(t, tree.AutoUpdating())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)

	tree.StopAutoUpdater()
	tree.StopAutoUpdater()
	assert.False(t, tree.AutoUpdating())
	tree.Wait()
	stopped := runs.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())

	require.True(t, tree.StartAutoUpdater(ctx, 0))
	cancel()
	require.Eventually(t, func() bool { return !tree.AutoUpdating() }, time.Second, time.Millisecond)
	tree.Wait()
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(nil)
	a := MustBuild("a", NewAction(noop, nil), testOptions(nil))
	b := MustBuild("b", NewAction(noop, nil), testOptions(nil))
	require.NoError(t, reg.Register(b))
	require.NoError(t, reg.Register(a))
	assert.ErrorIs(t, reg.Register(MustBuild("a", NewAction(noop, nil))), ErrDuplicateTree)

	got, err := reg.Lookup("a")
	require.NoError(t, err)
	assert.Same(t, a, got)
	_, err = reg.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownTree)
	_, ok := reg.Get("missing")
	assert.False(t, ok)

	assert.Same(t, b, reg.MustGet("b"))
	assert.Panics(t, func() { reg.MustGet("missing") })

	trees := reg.Trees()
	require.Len(t, trees, 2)
	assert.Equal(t, "b", trees[0].Name())
	assert.Equal(t, "a", trees[1].Name())
}

func TestRegistryStartAllAndDrain(t *testing.T) {
	release := make(chan struct{})
	var blocked atomic.Int32
	stuck := MustBuild("stuck", NewAction(func(ctx context.Context, _ *Tree, _ *Sequencer, _ ...any) error {
		blocked.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}, nil), testOptions(nil))
	var spins atomic.Int32
	spin := MustBuild("spin", NewAction(func(context.Context, *Tree, *Sequencer, ...any) error {
		spins.Add(1)
		return nil
	}, nil), testOptions(nil))

	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stuck))
	require.NoError(t, reg.Register(spin))
	stuck.Append(NewSequencer(SequencerConfig{WrapToRoot: true}))
	spin.Append(NewSequencer(SequencerConfig{WrapToRoot: true}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.StartAll(ctx, time.Millisecond))
	require.NoError(t, reg.StartAll(ctx, time.Millisecond))
	assert.True(t, stuck.AutoUpdating())
	assert.True(t, spin.AutoUpdating())
	require.Eventually(t, func() bool { return blocked.Load() == 1 && spins.Load() >= 3 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		reg.Drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return")
	}
	assert.False(t, stuck.AutoUpdating())
	assert.False(t, spin.AutoUpdating())
	assert.Zero(t, stuck.Len())
	assert.Zero(t, spin.Len())
	assert.NoError(t, reg.Err())
	close(release)

	require.NoError(t, reg.StartAll(ctx, time.Millisecond))
	assert.True(t, spin.AutoUpdating())
	reg.StopAll()
	assert.False(t, spin.AutoUpdating())
}
