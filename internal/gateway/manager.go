package gateway

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicechat/internal/observe"
)

// SessionInfo describes a live connection.
type SessionInfo struct {
	ID        string
	Remote    string
	StartedAt time.Time
}

type liveSession struct {
	info SessionInfo
	conn *websocket.Conn
}

// Manager tracks live websocket sessions so they can be listed and closed on
// shutdown. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]liveSession
	metrics  *observe.Metrics
}

// NewManager returns an empty Manager. A nil metrics disables the
// active-session gauge.
func NewManager(metrics *observe.Metrics) *Manager {
	return &Manager{
		sessions: make(map[string]liveSession),
		metrics:  metrics,
	}
}

func (m *Manager) add(info SessionInfo, conn *websocket.Conn) {
	m.mu.Lock()
	m.sessions[info.ID] = liveSession{info: info, conn: conn}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), 1)
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok && m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns the live sessions, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// CloseAll closes every live connection with status GoingAway and waits for
// the close handshakes. The handlers observe the close and clean up.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	conns := make(map[string]*websocket.Conn, len(m.sessions))
	for id, s := range m.sessions {
		conns[id] = s.conn
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Close(websocket.StatusGoingAway, reason); err != nil {
				slog.Debug("gateway: close session", "session_id", id, "err", err)
			}
		}()
	}
	wg.Wait()
	if len(conns) > 0 {
		slog.Info("gateway: closed live sessions", "count", len(conns))
	}
}
