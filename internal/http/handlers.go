package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/session"
)

// Server is the operational side-channel around the dispatch core: health
// and drivers-status snapshots plus the websocket mount point. It holds its
// dependencies explicitly; nothing here is ambient state.
type Server struct {
	reg     *session.Registry
	gw      *gateway.Gateway
	logger  *slog.Logger
	started time.Time
	mux     *mux.Router
}

func NewServer(reg *session.Registry, gw *gateway.Gateway, logger *slog.Logger) *Server {
	s := &Server{reg: reg, gw: gw, logger: logger, started: time.Now(), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/status", s.handleDriversStatus).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.gw.HandleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.reg.Stats()
	resp := map[string]any{
		"status":    "ok",
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"sessions":  st.Sessions,
		"reachable": st.Reachable,
		"busy":      st.Busy,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleDriversStatus(w http.ResponseWriter, r *http.Request) {
	views := s.reg.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"drivers": views, "count": len(views)})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
