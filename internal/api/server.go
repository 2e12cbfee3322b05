// Package api provides the HTTP API for observing and tuning a running
// simulation.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/kinfolk/internal/agents"
	"github.com/talgya/kinfolk/internal/config"
	"github.com/talgya/kinfolk/internal/engine"
	"github.com/talgya/kinfolk/internal/metrics"
	"github.com/talgya/kinfolk/internal/persistence"
)

const maxBodyBytes = 64 * 1024

// Server serves the simulation over HTTP. Every read of simulation state goes
// through Eng.Do so it only ever observes the population between ticks.
type Server struct {
	Eng      *engine.Engine
	DB       *persistence.DB    // Optional event store for /events
	Metrics  *metrics.Collector // Optional; serves /metrics
	Hub      *Hub               // Optional; serves /api/v1/stream
	Addr     string
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	// Requests per minute per client on POST endpoints. Zero means 30.
	AdminRate int
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	rate := s.AdminRate
	if rate <= 0 {
		rate = 30
	}
	adminLimiter := NewRateLimiter(rate, time.Minute)

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/individual/{id}", s.handleIndividual)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/params", s.handleGetParams)

	// Admin endpoints.
	mux.HandleFunc("POST /api/v1/params", s.adminOnly(RateLimitMiddleware(adminLimiter, s.handleSetParams)))
	mux.HandleFunc("POST /api/v1/spawn", s.adminOnly(RateLimitMiddleware(adminLimiter, s.handleSpawn)))

	if s.Hub != nil {
		mux.Handle("GET /api/v1/stream", s.Hub)
	}
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}
	return corsMiddleware(mux)
}

// Serve listens on Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", s.Addr, "admin_auth", s.AdminKey != "",
		"stream", s.Hub != nil, "metrics", s.Metrics != nil, "store", s.DB != nil)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("HTTP API stopped")
	return nil
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set KINFOLK_CORS_ORIGINS to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("KINFOLK_CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == s.AdminKey
}

// adminOnly rejects requests without the admin bearer token.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled (no KINFOLK_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status map[string]any
	s.Eng.Do(func(sim *engine.Simulation) {
		status = map[string]any{
			"name":         "kinfolk",
			"tick":         s.Eng.Tick,
			"years":        s.Eng.Elapsed,
			"sim_time":     engine.SimTime(s.Eng.Elapsed),
			"base_step":    s.Eng.BaseStep(),
			"running":      s.Eng.Running(),
			"population":   sim.Stats.Population,
			"partnerships": sim.Stats.Partnerships,
			"births":       sim.Stats.Births,
			"deaths":       sim.Stats.Deaths,
		}
	})
	if s.DB != nil {
		status["run_id"] = s.DB.RunID().String()
		counts, err := s.DB.EventCounts(r.Context())
		if err != nil {
			slog.Warn("status: event counts", "error", err)
		} else {
			status["stored_events"] = counts
		}
	}
	if s.Hub != nil {
		status["stream_clients"] = s.Hub.Clients()
	}
	writeJSON(w, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var stats engine.SimStats
	s.Eng.Do(func(sim *engine.Simulation) { stats = sim.Stats })
	writeJSON(w, stats)
}

// individualView is the public shape of one individual.
type individualView struct {
	ID          agents.IndividualID  `json:"id"`
	Age         float64              `json:"age"`
	Sex         string               `json:"sex"`
	State       string               `json:"state"`
	Adult       bool                 `json:"adult"`
	Elder       bool                 `json:"elder"`
	Seeking     bool                 `json:"seeking"`
	Mother      *agents.IndividualID `json:"mother,omitempty"`
	Partnership agents.PartnershipID `json:"partnership,omitempty"`
	Partner     agents.IndividualID  `json:"partner,omitempty"`
	Gestation   *agents.Gestation    `json:"gestation,omitempty"`
	BornAt      float64              `json:"born_at"`
}

func (s *Server) handleIndividual(w http.ResponseWriter, r *http.Request) {
	raw, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid individual id", http.StatusBadRequest)
		return
	}
	id := agents.IndividualID(raw)

	var (
		view  individualView
		found bool
	)
	s.Eng.Do(func(sim *engine.Simulation) {
		ind, state, ok := sim.Individual(id)
		if !ok {
			return
		}
		found = true
		view = individualView{
			ID:          ind.ID,
			Age:         ind.Age,
			Sex:         ind.Sex.String(),
			State:       state.String(),
			Adult:       ind.IsAdult(),
			Elder:       ind.IsElder(),
			Seeking:     ind.IsSeeking(),
			Mother:      ind.Mother,
			Partnership: ind.Partnership,
			Gestation:   ind.Gestation,
			BornAt:      ind.BornAt,
		}
		if p, ok := sim.Registry.Partnership(ind.Partnership); ok {
			view.Partner, _ = p.Other(ind.ID)
		}
	})
	if !found {
		http.Error(w, "individual not found", http.StatusNotFound)
		return
	}
	writeJSON(w, view)
}

// eventView adds the human-readable line to an event.
type eventView struct {
	engine.Event
	Description string `json:"description"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	kind := r.URL.Query().Get("kind")
	if kind != "" && !validKind(kind) {
		http.Error(w, "unknown event kind", http.StatusBadRequest)
		return
	}

	views := []eventView{}
	switch {
	case s.DB != nil:
		stored, err := s.DB.RecentEvents(r.Context(), kind, limit)
		if err != nil {
			slog.Error("reading events", "error", err)
			http.Error(w, "event store unavailable", http.StatusInternalServerError)
			return
		}
		// Newest first from the store; respond oldest first.
		for i := len(stored) - 1; i >= 0; i-- {
			views = append(views, eventView{Event: stored[i].Event(), Description: stored[i].Description})
		}
	case s.Hub != nil:
		for _, e := range s.Hub.Recent(0) {
			if kind == "" || string(e.Kind) == kind {
				views = append(views, eventView{Event: e, Description: e.Description()})
			}
		}
		if len(views) > limit {
			views = views[len(views)-limit:]
		}
	default:
		http.Error(w, "no event source configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, views)
}

func validKind(kind string) bool {
	for _, k := range engine.EventKinds {
		if string(k) == kind {
			return true
		}
	}
	return false
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	var p config.SimulationParameters
	s.Eng.Do(func(sim *engine.Simulation) { p = sim.Params })
	writeJSON(w, p)
}

// handleSetParams applies a partial update: fields absent from the body keep
// their current values. The whole set is validated before it replaces the
// running parameters.
func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var (
		applied  config.SimulationParameters
		applyErr error
	)
	s.Eng.Do(func(sim *engine.Simulation) {
		p := sim.Params
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			applyErr = fmt.Errorf("%w: %v", errBadJSON, err)
			return
		}
		applyErr = sim.SetParams(p)
		applied = sim.Params
	})

	switch {
	case errors.Is(applyErr, errBadJSON):
		http.Error(w, applyErr.Error(), http.StatusBadRequest)
	case errors.Is(applyErr, config.ErrInvalidParameter):
		http.Error(w, applyErr.Error(), http.StatusUnprocessableEntity)
	case applyErr != nil:
		http.Error(w, applyErr.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, applied)
	}
}

var errBadJSON = errors.New("invalid json")

// handleSpawn adds one individual. The age defaults to the configured spawn
// age. The Birth event goes out with the next step's batch.
func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Age *float64 `json:"age"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Age != nil && (math.IsNaN(*req.Age) || math.IsInf(*req.Age, 0) || *req.Age < 0) {
		http.Error(w, "age must be a finite non-negative number", http.StatusUnprocessableEntity)
		return
	}

	var id agents.IndividualID
	s.Eng.Do(func(sim *engine.Simulation) {
		age := sim.Params.SpawnIndividualAge
		if req.Age != nil {
			age = *req.Age
		}
		id = sim.SpawnIndividual(age, nil)
	})
	slog.Info("individual spawned via api", "id", id)
	writeJSONStatus(w, http.StatusCreated, map[string]any{"id": id})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Debug("writing response", "error", err)
	}
}
