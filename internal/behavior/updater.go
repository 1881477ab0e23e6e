package behavior

import (
	"context"
	"sync"
	"time"

	bt "github.com/joeycumines/go-behaviortree"
)

// DefaultTickInterval is used when an updater is started without a positive interval.
const DefaultTickInterval = 50 * time.Millisecond

type updater struct {
	mu     sync.Mutex
	ticker bt.Ticker
}

// tickNode adapts Tick to a go-behaviortree node. It never fails, because a
// failing node would stop the ticker and every other ticker sharing its manager.
func (t *Tree) tickNode() bt.Node {
	return bt.New(func([]bt.Node) (bt.Status, error) {
		t.Tick()
		return bt.Success, nil
	})
}

// StartAutoUpdater ticks the tree every interval until StopAutoUpdater is
// called or ctx ends. It returns false if an updater is already running.
func (t *Tree) StartAutoUpdater(ctx context.Context, interval time.Duration) bool {
	_, started := t.startTicker(ctx, interval)
	return started
}

func (t *Tree) startTicker(ctx context.Context, interval time.Duration) (bt.Ticker, bool) {
	t.updater.mu.Lock()
	defer t.updater.mu.Unlock()

	if t.updater.ticker != nil && !tickerDone(t.updater.ticker) {
		return t.updater.ticker, false
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	t.updater.ticker = bt.NewTicker(ctx, interval, t.tickNode())
	t.logger.Info("auto updater started", "interval", interval)
	return t.updater.ticker, true
}

// StopAutoUpdater stops the periodic ticking. Units already in flight keep running.
func (t *Tree) StopAutoUpdater() {
	t.updater.mu.Lock()
	ticker := t.updater.ticker
	t.updater.ticker = nil
	t.updater.mu.Unlock()
	if ticker == nil {
		return
	}
	ticker.Stop()
	<-ticker.Done()
	t.logger.Info("auto updater stopped")
}

func (t *Tree) AutoUpdating() bool {
	t.updater.mu.Lock()
	defer t.updater.mu.Unlock()
	return t.updater.ticker != nil && !tickerDone(t.updater.ticker)
}

func tickerDone(ticker bt.Ticker) bool {
	select {
	case <-ticker.Done():
		return true
	default:
		return false
	}
}
