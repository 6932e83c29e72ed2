package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Subscription is a cancelable consumer handle returned by Subscribe.
type Subscription struct {
	events chan Event
	cancel func()
}

// Events returns the stream of events delivered to this subscription.
func (s *Subscription) Events() <-chan Event { return s.events }

// Cancel unregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

type subscriber struct {
	ch       chan Event
	coalesce bool // true: overflow replaces oldest. false: block with grace.
}

// Config sizes the bus's per-channel buffers.
type Config struct {
	CoalescableBuffer int
	CriticalBuffer    int
	CriticalGrace     time.Duration
}

// DefaultConfig mirrors spec defaults: bounded buffers, 100ms grace.
func DefaultConfig() Config {
	return Config{CoalescableBuffer: 8, CriticalBuffer: 16, CriticalGrace: 100 * time.Millisecond}
}

// Bus is the in-process typed publish/subscribe fabric. Delivery within
// the process is reliable: publishers never silently lose a message to a
// slow subscriber. Coalescable channels replace the oldest buffered
// message on overflow; critical channels block the publisher briefly
// before escalating to a logged drop.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[Channel][]*subscriber
}

// New returns a Bus using cfg for buffer sizing.
func New(cfg Config, logger *slog.Logger) *Bus {
	return &Bus{
		cfg:         cfg,
		logger:      logger.With("component", "bus"),
		subscribers: make(map[Channel][]*subscriber),
	}
}

// Subscribe returns a cancelable handle that receives every future event
// published on ch, in publish order.
func (b *Bus) Subscribe(ch Channel) *Subscription {
	size := b.cfg.CoalescableBuffer
	if ch.Critical() {
		size = b.cfg.CriticalBuffer
	}
	sub := &subscriber{ch: make(chan Event, size), coalesce: !ch.Critical()}

	b.mu.Lock()
	b.subscribers[ch] = append(b.subscribers[ch], sub)
	b.mu.Unlock()

	var once sync.Once
	s := &Subscription{events: sub.ch}
	s.cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subscribers[ch]
			for i, existing := range list {
				if existing == sub {
					b.subscribers[ch] = append(list[:i], list[i+1:]...)
					break
				}
			}
			close(sub.ch)
		})
	}
	return s
}

// Publish delivers event on ch to every current subscriber, in publish
// order per subscriber. Non-blocking for coalescable channels; may block
// up to the configured grace period for critical channels before
// escalating to a logged drop.
func (b *Bus) Publish(ch Channel, payload any, cycleID string) {
	event := Event{Channel: ch, Payload: payload, Timestamp: time.Now(), CycleID: cycleID}

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[ch]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(ch, sub, event)
	}
}

func (b *Bus) deliver(ch Channel, sub *subscriber, event Event) {
	if sub.coalesce {
		select {
		case sub.ch <- event:
		default:
			// Drop the oldest buffered message, then retry once: the
			// newest coalescable event replaces it.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
				b.logger.Warn("coalescable channel still full after eviction", "channel", ch)
			}
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CriticalGrace)
	defer cancel()
	select {
	case sub.ch <- event:
	case <-ctx.Done():
		b.logger.Error("critical channel delivery dropped after grace period", "channel", ch, "grace", b.cfg.CriticalGrace)
	}
}
