package ipc

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// busChannelBuffer bounds the internal per-task stream; the internal
// stream itself is never rate-limited (§9), only the subscriber view is.
const busChannelBuffer = 64

// subscriberRateHz is the 2 Hz cap named in §5 for UI-bound status
// broadcasts.
const subscriberRateHz = 2

// Bus is the multi-producer, per-task totally-ordered stream named in
// §9's "single bus" design note. It generalizes the teacher's
// per-request channel map (one channel per request id, non-blocking
// publish, drop on full) to one channel per task plus a leaky-bucket
// gate applied only when a caller asks for a rate-limited subscriber
// view.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]chan Envelope
	logger   *zap.Logger
}

// NewBus builds an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		channels: make(map[string]chan Envelope),
		logger:   logger,
	}
}

// Subscribe opens the internal, unthrottled stream for a task.
func (b *Bus) Subscribe(taskID string) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.channels[taskID]; exists {
		close(ch)
	}
	ch := make(chan Envelope, busChannelBuffer)
	b.channels[taskID] = ch
	return ch
}

// Unsubscribe closes and removes a task's stream.
func (b *Bus) Unsubscribe(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.channels[taskID]; exists {
		close(ch)
		delete(b.channels, taskID)
	}
}

// Publish appends an envelope to a task's stream. Publish never blocks:
// a full channel drops the event and logs a warning, matching the
// teacher's SSEManager.Publish behavior, since a slow consumer must
// never stall the producer (scheduler, loop, or decomposer).
func (b *Bus) Publish(e Envelope) {
	b.mu.RLock()
	ch, exists := b.channels[e.TaskID]
	b.mu.RUnlock()

	if !exists {
		return
	}

	select {
	case ch <- e:
	default:
		if b.logger != nil {
			b.logger.Warn("ipc: task stream full, dropping envelope",
				zap.String("task_id", e.TaskID),
				zap.String("type", string(e.Type)),
			)
		}
	}
}

// SubscriberView wraps a task's internal stream with the 2 Hz leaky-bucket
// gate applied to external, UI-bound consumers. It is a hand-rolled
// ticker-based limiter rather than an imported rate-limiting library: the
// requirement is one fixed, small internal cadence with no burst
// semantics to configure, so a ticker is simpler than wiring a general
// token-bucket dependency for a single call site.
type SubscriberView struct {
	source <-chan Envelope
	out    chan Envelope
	stop   chan struct{}
}

// NewSubscriberView starts the gate goroutine; Close releases it.
func (b *Bus) NewSubscriberView(taskID string) *SubscriberView {
	source := b.Subscribe(taskID)
	v := &SubscriberView{
		source: source,
		out:    make(chan Envelope, busChannelBuffer),
		stop:   make(chan struct{}),
	}
	go v.run()
	return v
}

func (v *SubscriberView) run() {
	ticker := time.NewTicker(time.Second / subscriberRateHz)
	defer ticker.Stop()
	defer close(v.out)

	var pending *Envelope
	for {
		select {
		case <-v.stop:
			return
		case e, ok := <-v.source:
			if !ok {
				return
			}
			latest := e
			pending = &latest
		case <-ticker.C:
			if pending == nil {
				continue
			}
			select {
			case v.out <- *pending:
			default:
			}
			pending = nil
		}
	}
}

// Events returns the rate-limited, read-only envelope stream.
func (v *SubscriberView) Events() <-chan Envelope {
	return v.out
}

// Close stops the gate goroutine.
func (v *SubscriberView) Close() {
	close(v.stop)
}
