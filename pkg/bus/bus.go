package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CommandKind selects which maintenance pass a command requests.
type CommandKind string

const (
	CommandConsolidate    CommandKind = "consolidate"
	CommandDecay          CommandKind = "decay"
	CommandContextRefresh CommandKind = "context_refresh"
	CommandFull           CommandKind = "full"
)

// Command is one maintenance request travelling from the scheduler to the
// manager's worker.
type Command struct {
	Kind       CommandKind
	EnqueuedAt time.Time
}

// CommandBus is a bounded queue between the maintenance scheduler and the
// manager. Publish never blocks longer than publishTimeout; commands dropped
// under sustained backpressure are counted, not retried; the next tick
// requests the same pass again.
type CommandBus struct {
	commands chan Command
	closed   bool
	dropped  atomic.Uint64
	mu       sync.RWMutex
}

const publishTimeout = 100 * time.Millisecond

func NewCommandBus() *CommandBus {
	return &CommandBus{commands: make(chan Command, 16)}
}

func (cb *CommandBus) Publish(cmd Command) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.closed {
		return
	}
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now()
	}

	select {
	case cb.commands <- cmd:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case cb.commands <- cmd:
		case <-timer.C:
			cb.dropped.Add(1)
		}
	}
}

// Consume blocks until a command arrives, the bus closes, or ctx is done.
func (cb *CommandBus) Consume(ctx context.Context) (Command, bool) {
	select {
	case cmd, ok := <-cb.commands:
		if !ok {
			return Command{}, false
		}
		return cmd, true
	case <-ctx.Done():
		return Command{}, false
	}
}

func (cb *CommandBus) Close() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.closed {
		return
	}
	cb.closed = true
	close(cb.commands)
}

func (cb *CommandBus) Dropped() uint64 {
	return cb.dropped.Load()
}
