package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// outbound is one wire message queued for a session's writer goroutine.
// Exactly one of Frame/Narration is set.
type outbound struct {
	frame     []byte
	narration *Narration
}

// session is one observer's connection: a buffered outbound queue drained
// by a dedicated writer goroutine, mirroring the teacher's wsConn/
// WSChannel per-connection channel registration.
type session struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	mu          sync.Mutex
	out         chan outbound
	lastFingerp string
	closed      bool
	cancel      context.CancelFunc
}

const sessionBufferDefault = 32

func newSession(id string, conn *websocket.Conn, bufferSize int, logger *slog.Logger) *session {
	if bufferSize <= 0 {
		bufferSize = sessionBufferDefault
	}
	return &session{
		id:     id,
		conn:   conn,
		logger: logger.With("session", id),
		out:    make(chan outbound, bufferSize),
	}
}

// enqueueFrame drops the oldest queued frame on overflow so the newest
// world state always wins; it never blocks the publishing engine tick.
func (s *session) enqueueFrame(frame []byte) {
	s.enqueue(outbound{frame: frame})
}

// enqueueNarration coalesces consecutive identical narration lines (same
// fingerprint as the last one sent) and otherwise behaves like
// enqueueFrame: drop-oldest on a full buffer, never block.
func (s *session) enqueueNarration(n Narration) {
	fp := fingerprint(n)

	s.mu.Lock()
	if fp == s.lastFingerp {
		s.mu.Unlock()
		return
	}
	s.lastFingerp = fp
	s.mu.Unlock()

	s.enqueue(outbound{narration: &n})
}

func (s *session) enqueue(msg outbound) {
	select {
	case s.out <- msg:
		return
	default:
	}
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- msg:
	default:
		s.logger.Warn("session outbound queue still full after eviction")
	}
}

// run drains the outbound queue until ctx is canceled or the connection
// fails, writing binary world frames and JSON narration messages.
func (s *session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.out:
			if msg.frame != nil {
				if err := s.conn.Write(ctx, websocket.MessageBinary, msg.frame); err != nil {
					s.logger.Debug("frame write failed, closing session", "error", err)
					return
				}
			}
			if msg.narration != nil {
				if err := wsjson.Write(ctx, s.conn, msg.narration); err != nil {
					s.logger.Debug("narration write failed, closing session", "error", err)
					return
				}
			}
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.conn.Close(websocket.StatusNormalClosure, "observer session ended")
}
