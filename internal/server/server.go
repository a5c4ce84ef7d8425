package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/pingsantohq/sdnharness/internal/store"
	"github.com/pingsantohq/sdnharness/pkg/types"
)

// Config controls HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Logger *log.Logger
	Store  store.Store
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	cfg  Config
	deps Dependencies
}

// New constructs the read-only results API.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/runs", listRunsHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runs/{run_id}", getRunHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runs/{run_id}/comparisons", comparisonsHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}

	s := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return &Server{Server: s, cfg: cfg, deps: deps}
}

func writeJSON(w http.ResponseWriter, deps Dependencies, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		deps.Logger.Printf("encode response failed: %v", err)
	}
}

func listRunsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				limit = v
			}
		}
		runs, err := deps.Store.ListRuns(r.Context(), limit)
		if err != nil {
			deps.Logger.Printf("list runs failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []store.RunRecord{}
		}
		writeJSON(w, deps, struct {
			Items []store.RunRecord `json:"items"`
		}{Items: runs})
	}
}

func fetchRun(w http.ResponseWriter, r *http.Request, deps Dependencies) (store.RunRecord, bool) {
	runID := mux.Vars(r)["run_id"]
	if runID == "" {
		http.Error(w, "run_id required", http.StatusBadRequest)
		return store.RunRecord{}, false
	}
	run, err := deps.Store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
		} else {
			deps.Logger.Printf("get run %s failed: %v", runID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return store.RunRecord{}, false
	}
	return run, true
}

func getRunHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := fetchRun(w, r, deps)
		if !ok {
			return
		}
		writeJSON(w, deps, run)
	}
}

// comparisonsHandler supports ?phase= and ?degraded=true filters.
func comparisonsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := fetchRun(w, r, deps)
		if !ok {
			return
		}
		phase := r.URL.Query().Get("phase")
		degradedOnly, _ := strconv.ParseBool(r.URL.Query().Get("degraded"))
		items := make([]types.Comparison, 0, len(run.Comparisons))
		for _, c := range run.Comparisons {
			if phase != "" && c.Phase != phase {
				continue
			}
			if degradedOnly && !c.Degraded {
				continue
			}
			items = append(items, c)
		}
		writeJSON(w, deps, struct {
			RunID    string             `json:"run_id"`
			Baseline string             `json:"baseline"`
			Items    []types.Comparison `json:"items"`
		}{RunID: run.RunID, Baseline: run.Baseline, Items: items})
	}
}
