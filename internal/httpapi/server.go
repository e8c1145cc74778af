package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/slotwatch/bookerd/internal/config"
	"github.com/slotwatch/bookerd/internal/hub"
	"github.com/slotwatch/bookerd/internal/observability"
	"github.com/slotwatch/bookerd/internal/scheduler"
	"github.com/slotwatch/bookerd/internal/secrets"
)

type Server struct {
	cfg       config.Config
	hub       *hub.Hub
	scheduler *scheduler.Scheduler
	vault     *secrets.FileVault
	metrics   *observability.Metrics
	storeMode string
	upgrader  websocket.Upgrader

	// readWait bounds connection silence; any inbound frame (an app-level
	// ping included) or a ws-protocol pong extends it.
	readWait time.Duration
}

func New(cfg config.Config, h *hub.Hub, sched *scheduler.Scheduler, vault *secrets.FileVault, metrics *observability.Metrics, storeMode string) *Server {
	return &Server{
		cfg:       cfg,
		hub:       h,
		scheduler: sched,
		vault:     vault,
		metrics:   metrics,
		storeMode: storeMode,
		readWait:  120 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin. Non-browser clients omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleWS)

	r.Get("/v1/bookings", s.handleListBookings)
	r.Post("/v1/bookings", s.handleCreateBooking)
	r.Get("/v1/bookings/{id}", s.handleGetBooking)
	r.Put("/v1/bookings/{id}", s.handleUpdateBooking)
	r.Post("/v1/bookings/{id}/cancel", s.handleCancelBooking)
	r.Delete("/v1/bookings/{id}", s.handleDeleteBooking)
	r.Post("/v1/bookings/{id}/logs", s.handleAppendBookingLog)

	r.Get("/v1/config", s.handleGetConfig)
	r.Put("/v1/config", s.handlePutConfig)
	r.Delete("/v1/config", s.handleDeleteConfig)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts := s.hub.Counts()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"store_mode":  s.storeMode,
		"connections": counts,
	})
}

// handleWS upgrades the connection, admits it into the unclassified pool and
// runs the read loop. One writer pump per connection drains the hub queue.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	conn := s.hub.Admit()
	defer s.hub.Remove(conn)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-conn.Closed():
				return
			case frame := <-conn.Outbound():
				_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					s.hub.Remove(conn)
					return
				}
			}
		}
	}()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(s.readWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(s.readWait))
		return nil
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.readWait))
		if msgType != websocket.TextMessage {
			continue
		}
		s.hub.Dispatch(conn, data)
	}

	s.hub.Remove(conn)
	<-writerDone
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
