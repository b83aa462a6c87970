// Package http exposes the service surface: the WebSocket endpoint, health
// probe and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/churst90/accessible-trader-sub001/internal/bus"
	"github.com/churst90/accessible-trader-sub001/internal/config"
	"github.com/churst90/accessible-trader-sub001/internal/subscription"
	"github.com/churst90/accessible-trader-sub001/internal/warehouse"
	"github.com/churst90/accessible-trader-sub001/internal/ws"
)

const healthTimeout = 5 * time.Second

// Server wires the HTTP routes and upgrades WebSocket clients.
type Server struct {
	cfg    *config.Config
	svc    *subscription.Service
	bus    bus.Bus
	store  warehouse.Store
	auth   *ws.Authenticator
	logger zerolog.Logger

	upgrader websocket.Upgrader

	// baseCtx ends when the process shuts down; every connection's Serve
	// loop is bound to it.
	baseCtx context.Context
}

// NewServer builds the route table. baseCtx bounds the lifetime of accepted
// WebSocket connections.
func NewServer(baseCtx context.Context, cfg *config.Config, svc *subscription.Service, b bus.Bus, store warehouse.Store, logger zerolog.Logger) *http.Server {
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		bus:     b,
		store:   store,
		auth:    ws.NewAuthenticator(cfg.JWTSecret),
		logger:  logger.With().Str("component", "http").Logger(),
		baseCtx: baseCtx,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := mux.NewRouter()
	r.Use(s.cors)
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet, http.MethodOptions)

	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.TrustedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// checkOrigin admits non-browser clients without an Origin header and the
// configured trusted origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.originAllowed(origin) {
		return true
	}
	s.logger.Warn().Str("origin", origin).Msg("origin rejected")
	return false
}

// cors reflects trusted origins on plain HTTP routes and answers preflight.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.UserID(r)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("authentication failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	conn := ws.NewConn(sock, userID, s.svc, s.cfg.WSPingInterval, s.logger)
	s.logger.Info().Str("conn", conn.ID()).Str("remote", r.RemoteAddr).Bool("authenticated", userID != "").Msg("websocket connected")
	conn.Serve(s.baseCtx)
}

type healthReport struct {
	Status    string `json:"status"`
	Bus       string `json:"bus"`
	Warehouse string `json:"warehouse"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	report := healthReport{Status: "ok", Bus: "ok", Warehouse: "ok"}
	code := http.StatusOK
	if err := s.bus.Ping(ctx); err != nil {
		report.Status, report.Bus = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := s.store.Ping(ctx); err != nil {
		report.Status, report.Warehouse = "degraded", err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
