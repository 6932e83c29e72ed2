package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawinfra/ai-genesis/internal/bus"
	"github.com/clawinfra/ai-genesis/internal/world"
)

// Config sizes a Multiplexer's per-session outbound buffer.
type Config struct {
	SessionBuffer int
}

// Multiplexer is the Stream Multiplexer (C12): it accepts observer
// websocket connections, fans out every world frame the Engine produces
// as a binary message, and relays agent FeedMessage events as JSON
// narration, coalescing repeats per session. It implements
// world.StreamSink.
type Multiplexer struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
}

var _ world.StreamSink = (*Multiplexer)(nil)

// New returns a Multiplexer. Call Start to begin relaying bus narration,
// and register Handler on an HTTP mux to accept observer connections.
func New(cfg Config, logger *slog.Logger) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Multiplexer{
		cfg:      cfg,
		logger:   logger.With("component", "stream"),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the bus's FeedMessage channel and fans every
// narration event out to all currently connected sessions until ctx is
// canceled or Stop is called.
func (m *Multiplexer) Start(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.FeedMessage)
	go func() {
		defer sub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				payload, ok := event.Payload.(bus.FeedMessagePayload)
				if !ok {
					continue
				}
				m.broadcastNarration(narrationFromPayload(payload))
			}
		}
	}()
}

// Stop closes every connected session.
func (m *Multiplexer) Stop() {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.close()
		delete(m.sessions, id)
	}
}

// PublishFrame implements world.StreamSink: it encodes the current world
// state once and fans the same bytes out to every connected session.
func (m *Multiplexer) PublishFrame(tick uint32, entities []world.FrameEntity, resources []world.FrameResource) {
	frame := EncodeWorldFrame(tick, entities, resources)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.enqueueFrame(frame)
	}
}

func (m *Multiplexer) broadcastNarration(n Narration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.enqueueNarration(n)
	}
}

// Handler returns an http.HandlerFunc that upgrades the request to a
// websocket connection and registers it as an observer session, following
// the accept-then-read-loop shape used for the operator terminal channel.
// Observer sessions are read-only: the read loop exists only to detect
// disconnects and discard any client-sent frame.
func (m *Multiplexer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			m.logger.Warn("observer websocket accept failed", "error", err)
			return
		}

		id := uuid.NewString()
		ctx, cancel := context.WithCancel(r.Context())
		s := newSession(id, conn, m.cfg.SessionBuffer, m.logger)
		s.cancel = cancel

		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()

		m.logger.Info("observer session connected", "session", id)

		go s.run(ctx)
		m.readLoop(ctx, conn)

		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		s.close()
		m.logger.Info("observer session disconnected", "session", id)
	}
}

// readLoop discards inbound messages until the connection errors or ctx
// is canceled; it exists solely to notice the client going away.
func (m *Multiplexer) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, _, err := conn.Read(ctx)
		if err != nil {
			return
		}
	}
}

// SessionCount reports the number of currently connected observers.
func (m *Multiplexer) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
