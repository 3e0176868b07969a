package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/whispergate/whispergate/internal/protocol"
	"github.com/whispergate/whispergate/internal/session"
)

// wsTransport adapts a websocket connection to the session Transport.
// Writes are mutex-guarded because the connection does not support
// concurrent writers.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// SendEvent writes one JSON event as a text frame
func (t *wsTransport) SendEvent(ctx context.Context, ev protocol.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.New("connection closed")
	}

	data, err := ev.Encode()
	if err != nil {
		return err
	}

	writeCtx := ctx
	if t.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, t.writeTimeout)
		defer cancel()
	}

	return t.conn.Write(writeCtx, websocket.MessageText, data)
}

// Close performs the websocket close handshake. An empty reason is a normal
// drain-complete closure; anything else is reported as a policy violation.
func (t *wsTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if reason == "" {
		return t.conn.Close(websocket.StatusNormalClosure, "")
	}
	return t.conn.Close(websocket.StatusPolicyViolation, reason)
}

// handleStream upgrades the connection and drives a session from its read
// loop. Text frames carry JSON control messages, binary frames carry PCM
// audio; the loop runs until the client disconnects or the session closes
// the connection from its side.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	if s.config.Server.ReadLimit > 0 {
		conn.SetReadLimit(s.config.Server.ReadLimit)
	}

	transport := newWSTransport(conn, s.config.Server.GetWriteTimeout())

	sess, err := session.New(session.Options{
		ID:        uuid.New().String(),
		Config:    sessionConfig(s.config),
		Pool:      s.pool,
		Transport: transport,
		Logger:    s.logger,
		Metrics:   s.metrics,
		OnClose:   func(id string) { s.registry.Remove(id) },
	})
	if err != nil {
		s.logger.Error("Failed to create session", slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	if err := s.registry.Add(sess); err != nil {
		s.logger.Warn("Connection refused",
			slog.String("error", err.Error()),
			slog.Int("active", s.registry.Count()),
		)
		sess.Abort("")
		conn.Close(websocket.StatusTryAgainLater, "session capacity reached")
		return
	}

	s.logger.Info("Session connected",
		slog.String("session_id", sess.ID()),
		slog.String("remote", r.RemoteAddr),
	)

	s.readLoop(r.Context(), conn, sess)
}

// readLoop feeds inbound frames to the session. HandleAudio can block on the
// in-flight cap, which stalls this loop and lets the websocket flow control
// push back on the client.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.logger.Debug("Client disconnected",
					slog.String("session_id", sess.ID()),
				)
			} else if sess.State() != session.StateClosed {
				s.logger.Warn("Websocket read failed",
					slog.String("session_id", sess.ID()),
					slog.String("error", err.Error()),
				)
			}
			sess.Abort("connection lost")
			return
		}

		switch typ {
		case websocket.MessageText:
			if s.metrics != nil {
				s.metrics.RecordControlFrame()
			}
			sess.HandleControl(data)
		case websocket.MessageBinary:
			if s.metrics != nil {
				s.metrics.RecordAudioFrame()
			}
			sess.HandleAudio(data)
		}

		select {
		case <-sess.Done():
			// The session closed the connection from its side (drain
			// complete or config timeout); stop reading.
			return
		default:
		}
	}
}
