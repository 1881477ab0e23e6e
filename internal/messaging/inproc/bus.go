package inproc

import (
	"errors"
	"sync"

	"turtle_botnet/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

// Bus fans queued jobs out to the connection currently attached for each agent.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Job
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 8
	}
	return &Bus{
		subs:   make(map[string]chan domain.Job),
		buffer: buffer,
	}
}

// Register attaches a subscriber for agentID. A later Register for the same
// agent replaces the earlier channel, closing it, so a reconnecting turtle
// takes over from its stale connection.
func (b *Bus) Register(agentID string) <-chan domain.Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subs[agentID]; ok {
		close(old)
	}
	ch := make(chan domain.Job, b.buffer)
	b.subs[agentID] = ch
	return ch
}

// Unregister detaches ch if it is still the agent's current subscriber.
func (b *Bus) Unregister(agentID string, ch <-chan domain.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.subs[agentID]
	if !ok || (<-chan domain.Job)(cur) != ch {
		return
	}
	delete(b.subs, agentID)
	close(cur)
}

func (b *Bus) Publish(job domain.Job) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.subs[job.AgentID]
	if !ok {
		return ErrAgentNotRegistered
	}

	select {
	case ch <- job:
		return nil
	default:
		return ErrAgentQueueFull
	}
}

func (b *Bus) Registered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[agentID]
	return ok
}
