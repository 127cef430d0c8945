package observe

import (
	"net/http"
	"time"

	"github.com/go-i2p/wgtunnel/lib/actor"
	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"github.com/go-i2p/wgtunnel/lib/metrics"
	"github.com/go-i2p/wgtunnel/lib/resilience"
	"github.com/go-i2p/wgtunnel/version"
	"github.com/gorilla/websocket"
)

// Websocket timing for the state stream.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// handleState returns the latest snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Snapshot())
}

// handleStream upgrades to a websocket and sends every published snapshot,
// starting with the current one, until either side goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	// Counted before the hijack so Stop cannot miss it.
	s.streams.Add(1)
	defer s.streams.Done()

	select {
	case <-s.done:
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "observer shutting down", apperrors.ErrClosed))
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	metrics.ObserverConnections.Inc()
	defer metrics.ObserverConnections.Dec()

	sub := s.source.Subscribe(s.buffer)
	defer sub.Close()

	s.logger.Info("observer attached", "remote", r.RemoteAddr)
	defer func() {
		s.logger.Info("observer detached", "remote", r.RemoteAddr, "dropped", sub.Dropped())
	}()

	gone := make(chan struct{})
	go s.readPump(conn, gone)
	s.writePump(conn, sub, gone)
}

// readPump discards client messages and notices when the peer leaves.
func (s *Server) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("observer read error", "error", err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, sub *actor.Subscription, gone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	closeWith := func(code int, text string) {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	}

	for {
		select {
		case <-gone:
			return
		case <-s.done:
			closeWith(websocket.CloseGoingAway, "server stopping")
			return
		case snap, ok := <-sub.C():
			if !ok {
				closeWith(websocket.CloseNormalClosure, "tunnel actor closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				s.logger.Debug("observer write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// healthResponse is the body of the health endpoints.
type healthResponse struct {
	Status string `json:"status"`
	Phase  string `json:"phase"`
	Uptime string `json:"uptime"`
	// Circuit describes the interface-open breaker.
	Circuit *resilience.CircuitBreakerStats `json:"circuit,omitempty"`
}

func (s *Server) health() healthResponse {
	h := healthResponse{
		Status: "ok",
		Phase:  s.source.Snapshot().State.Phase().String(),
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.breaker != nil {
		stats := s.breaker.Stats()
		h.Circuit = &stats
	}
	return h
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.Get())
}

// handleHealth reports that the daemon is up along with the tunnel phase.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.health())
}

// handleLiveness always succeeds while the process serves requests.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadiness succeeds only while the tunnel is connected.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	h := s.health()
	if h.Phase != actor.PhaseConnected.String() {
		h.Status = "not ready"
		s.writeJSON(w, http.StatusServiceUnavailable, h)
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}
