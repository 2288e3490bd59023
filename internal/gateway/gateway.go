// Package gateway serves the voice chat websocket. Every connection gets its
// own [pipeline.Session], fed by a reader goroutine and drained by a
// sequential processing loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voicechat/internal/observe"
	"github.com/MrWong99/voicechat/internal/pipeline"
	"github.com/MrWong99/voicechat/internal/protocol"
)

// Path is the route of the chat websocket.
const Path = "/api/v1/ws/chat"

const (
	defaultReadLimit    = 4 << 20
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
)

// SessionFactory builds the pipeline session of a new connection.
type SessionFactory func(sessionID string, sender pipeline.Sender, log *slog.Logger) (*pipeline.Session, error)

// Config holds the dependencies of a [Handler].
type Config struct {
	// NewSession is required.
	NewSession SessionFactory

	// Manager tracks live connections. Nil creates a private one.
	Manager *Manager

	// Metrics counts dropped frames. Nil disables it.
	Metrics *observe.Metrics

	// AllowedOrigins lists the browser origins permitted to connect, e.g.
	// "http://localhost:3000". "*" allows any origin. Same-host requests are
	// always allowed.
	AllowedOrigins []string

	// ReadLimit caps the size of one inbound message in bytes.
	ReadLimit int64

	// QueueSize bounds the inputs buffered between reader and loop.
	QueueSize int

	// WriteTimeout bounds a single outbound write.
	WriteTimeout time.Duration
}

// Handler is the websocket endpoint. It implements [http.Handler].
type Handler struct {
	newSession   SessionFactory
	manager      *Manager
	metrics      *observe.Metrics
	origins      []string
	readLimit    int64
	queueSize    int
	writeTimeout time.Duration
}

// NewHandler validates cfg and returns a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.NewSession == nil {
		return nil, errors.New("gateway: NewSession must not be nil")
	}
	h := &Handler{
		newSession:   cfg.NewSession,
		manager:      cfg.Manager,
		metrics:      cfg.Metrics,
		origins:      originPatterns(cfg.AllowedOrigins),
		readLimit:    cfg.ReadLimit,
		queueSize:    cfg.QueueSize,
		writeTimeout: cfg.WriteTimeout,
	}
	if h.manager == nil {
		h.manager = NewManager(cfg.Metrics)
	}
	if h.readLimit <= 0 {
		h.readLimit = defaultReadLimit
	}
	if h.queueSize <= 0 {
		h.queueSize = defaultQueueSize
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	return h, nil
}

// Manager returns the connection registry of h.
func (h *Handler) Manager() *Manager { return h.manager }

// ServeHTTP upgrades the request and runs the connection until either side
// closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	log := observe.Logger(r.Context()).With(
		slog.String("session_id", id),
		slog.String("remote", r.RemoteAddr),
	)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.readLimit)

	sender := &connSender{conn: conn, timeout: h.writeTimeout}
	sess, err := h.newSession(id, sender, log)
	if err != nil {
		log.Error("failed to create session", "err", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	h.manager.add(SessionInfo{ID: id, Remote: r.RemoteAddr, StartedAt: time.Now().UTC()}, conn)
	defer h.manager.remove(id)
	log.Info("websocket connected")

	// The connection context outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	inbox := make(chan pipeline.Input, h.queueSize)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		for in := range inbox {
			sess.Handle(ctx, in)
		}
	}()

	err = h.readLoop(ctx, conn, sess, inbox, log)

	// Abort the in-flight turn, then let the loop drain.
	sess.Interrupt()
	cancel()
	close(inbox)
	<-loopDone

	status := websocket.CloseStatus(err)
	switch status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		log.Info("websocket disconnected", "status", status)
	default:
		if status == -1 && errors.Is(err, context.Canceled) {
			log.Info("websocket disconnected")
			break
		}
		log.Warn("websocket closed with error", "status", status, "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop decodes inbound messages until the connection fails. Malformed
// messages are logged and skipped. Audio frames that find the inbox full are
// dropped; control events wait for room.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sess *pipeline.Session, inbox chan pipeline.Input, log *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var in pipeline.Input
		switch typ {
		case websocket.MessageBinary:
			f, err := protocol.DecodeFrame(data)
			if err != nil {
				log.Warn("dropping malformed frame", "err", err, "bytes", len(data))
				h.countDropped(ctx, "malformed")
				continue
			}
			in = pipeline.FrameInput(f)
		case websocket.MessageText:
			ev, err := protocol.DecodeControl(data)
			if err != nil {
				log.Warn("dropping malformed control event", "err", err)
				continue
			}
			in = pipeline.ControlInput(ev)
		default:
			continue
		}

		in = sess.Receive(in)
		if in.Frame != nil {
			// Frames never block the reader, so a later cancel is always seen.
			select {
			case inbox <- in:
			default:
				log.Debug("input queue full, dropping frame", "queue", cap(inbox))
				h.countDropped(ctx, "queue_full")
			}
			continue
		}
		if in.Control.Type == protocol.TypeCancel {
			if n := h.discardQueued(ctx, inbox); n > 0 {
				log.Debug("discarded inputs queued before cancel", "count", n)
			}
		}

		select {
		case inbox <- in:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// discardQueued empties inbox without blocking. Everything queued before a
// cancel belongs to the aborted turn.
func (h *Handler) discardQueued(ctx context.Context, inbox chan pipeline.Input) int {
	n := 0
	for {
		select {
		case in := <-inbox:
			n++
			if in.Frame != nil {
				h.countDropped(ctx, "cancelled")
			}
		default:
			return n
		}
	}
}

func (h *Handler) countDropped(ctx context.Context, reason string) {
	if h.metrics != nil {
		h.metrics.RecordFrameDropped(ctx, reason)
	}
}

// connSender writes events as JSON text messages.
type connSender struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *connSender) Send(ctx context.Context, ev protocol.Event) error {
	b, err := protocol.MarshalEvent(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("gateway: write %s: %w", ev.EventType(), err)
	}
	return nil
}

// originPatterns converts allowed origins into the host patterns the
// websocket library matches against the Origin header.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, o)
	}
	return out
}
