// Package wsgateway is the WebSocket/HTTP transport edge (C8, spec.md
// §6): it upgrades `/ws` connections to the broker's session protocol and
// mounts a `GET /healthz` alongside it on one http.ServeMux, grounded on
// the teacher's pkg/gateway/http.GatewayServer (ServeMux + route table,
// log/slog instead of logrus, matching that package's own choice rather
// than the logrus used everywhere else in this repo). The socket itself
// uses gorilla/websocket, the library the pack's estuary-flow ingest
// service uses for its own WS API (go/ingest/ws_api.go).
package wsgateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outlandnish/openinverter-can-gateway/pkg/broker"
	"github.com/outlandnish/openinverter-can-gateway/pkg/driver"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the wsgateway HTTP/WS transport edge.
type Server struct {
	broker   *broker.Broker
	driver   *driver.Driver
	logger   *slog.Logger
	serveMux *http.ServeMux

	nextSessionId uint64
}

// New builds a Server that dispatches every `/ws` message to br and
// reports bus status on `/healthz`.
func New(br *broker.Broker, d *driver.Driver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[WS]")
	s := &Server{broker: br, driver: d, logger: logger}
	s.serveMux = http.NewServeMux()
	s.serveMux.HandleFunc("/ws", s.handleWS)
	s.serveMux.HandleFunc("/healthz", s.handleHealthz)
	return s
}

// ListenAndServe blocks serving HTTP/WS on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("starting websocket gateway", "addr", addr)
	return http.ListenAndServe(addr, s.serveMux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"busOff": s.driver.IsBusOff(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionId := atomic.AddUint64(&s.nextSessionId, 1)
	sendCh := make(chan broker.OutboundEvent, 64)
	done := make(chan struct{})

	go s.writePump(conn, sendCh, done)

	sess := s.broker.Register(sessionIdString(sessionId), func(ev broker.OutboundEvent) error {
		select {
		case sendCh <- ev:
			return nil
		default:
			s.logger.Warn("session send buffer full, dropping event", "session", sessionId, "event", ev.Event)
			return nil
		}
	})
	defer func() {
		s.broker.Unregister(sess.ID)
		close(done)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.broker.Dispatch(sess, raw)
	}
}

func (s *Server) writePump(conn *websocket.Conn, sendCh <-chan broker.OutboundEvent, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func sessionIdString(id uint64) string {
	return "sess-" + strconv.FormatUint(id, 10)
}
