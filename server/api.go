package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"powfaucet/faucet"
)

// HTTP server timeouts. Websocket connections are hijacked and not subject
// to the read and write timeouts.
const (
	apiReadHeaderTimeout = 10 * time.Second
	apiIdleTimeout       = 60 * time.Second
)

// APIServer serves the faucet websocket endpoint and a small JSON status
// API.
//
// Endpoints:
//   - /ws/pow: faucet protocol websocket
//   - /api/status: faucet counters and connected clients
//   - /api/events: recent events, requires the admin token when one is set
type APIServer struct {
	faucet     *Faucet
	hub        *Hub
	events     *EventLog
	adminToken string
	log        *slog.Logger
	server     *http.Server
}

// NewAPIServer creates the HTTP front end.
func NewAPIServer(f *Faucet, hub *Hub, events *EventLog, adminToken string, log *slog.Logger) *APIServer {
	return &APIServer{
		faucet:     f,
		hub:        hub,
		events:     events,
		adminToken: adminToken,
		log:        log.With("component", "api"),
	}
}

// Handler returns the routing table.
func (api *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/pow", api.hub.HandleWebSocket)
	mux.HandleFunc("/api/status", api.handleStatus)
	mux.HandleFunc("/api/events", api.authMiddleware(api.handleEvents))
	return mux
}

// Start listens on addr and blocks until the server stops.
func (api *APIServer) Start(addr string) error {
	api.server = &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: apiReadHeaderTimeout,
		IdleTimeout:       apiIdleTimeout,
	}

	api.log.Info("listening", "addr", addr)
	if err := api.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and disconnects websocket clients.
func (api *APIServer) Shutdown(ctx context.Context) error {
	api.hub.Close()
	if api.server == nil {
		return nil
	}
	if err := api.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (api *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := faucet.Marshal(v)
	if err != nil {
		api.log.Error("encoding JSON response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// authMiddleware requires "Authorization: Bearer <token>" when an admin
// token is configured.
func (api *APIServer) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if api.adminToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(api.adminToken)) != 1 {
				api.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// snapshot assembles the current server state.
func (api *APIServer) snapshot(events int) Snapshot {
	now := time.Now()
	snap := Snapshot{
		ServerStartTime: api.events.Started(),
		ServerUptime:    now.Sub(api.events.Started()).Seconds(),
		LastUpdate:      now,
		Faucet:          api.faucet.Stats(),
		Clients:         len(api.hub.Clients()),
	}
	if events > 0 {
		snap.Events = api.events.Recent(events)
	}
	return snap
}

func (api *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": api.snapshot(0),
		"config":   api.faucet.Config(),
		"clients":  api.hub.Clients(),
	})
}

func (api *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			api.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		n = v
	}
	api.writeJSON(w, http.StatusOK, api.events.Recent(n))
}
