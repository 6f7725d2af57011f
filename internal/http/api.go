package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type snapshotReader interface {
	Snapshot() (model.PollState, bool)
	Ready() bool
}

type historyReader interface {
	Recent(ctx context.Context, nodeKey string, limit int) ([]model.HistorySample, error)
}

// Options configures the optional parts of the API. Zero values disable
// history, metrics and the static directory.
type Options struct {
	PageTitle    string
	PollInterval time.Duration
	History      historyReader
	Metrics      http.Handler
	WebDir       string
	Logger       logging.Logger
}

// API hosts the read-only fleet endpoints.
type API struct {
	reader       snapshotReader
	history      historyReader
	pageTitle    string
	pollInterval time.Duration
	logger       logging.Logger
	mux          *http.ServeMux
}

func New(reader snapshotReader, opts Options) *API {
	api := &API{
		reader:       reader,
		history:      opts.History,
		pageTitle:    opts.PageTitle,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		mux:          http.NewServeMux(),
	}
	if api.logger == nil {
		api.logger = logging.Noop()
	}

	api.mux.HandleFunc("/api/v1/stats", api.handleStats)
	api.mux.HandleFunc("/api/v1/nodes", api.handleNodes)
	api.mux.HandleFunc("/api/v1/history", api.handleHistory)
	api.mux.HandleFunc("/healthz", api.handleHealthz)
	api.mux.HandleFunc("/readyz", api.handleReadyz)
	if opts.Metrics != nil {
		api.mux.Handle("/metrics", opts.Metrics)
	}
	if opts.WebDir != "" {
		api.mux.Handle("/", http.FileServer(http.Dir(opts.WebDir)))
	}

	return api
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	state, ok := a.reader.Snapshot()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "snapshot unavailable"})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, statsResponse{
		PollState:      state,
		Online:         state.Online(),
		Total:          len(state.Nodes),
		PageTitle:      a.pageTitle,
		PollIntervalMS: a.pollInterval.Milliseconds(),
	})
}

func (a *API) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	state, ok := a.reader.Snapshot()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "snapshot unavailable"})
		return
	}

	nodes := state.Nodes
	if nodes == nil {
		nodes = []model.NodeSnapshot{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, nodesResponse{
		Nodes:      nodes,
		LastUpdate: state.LastUpdate,
		Error:      state.Error,
		Stale:      state.Stale,
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if a.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
		return
	}

	query := r.URL.Query()
	node := strings.TrimSpace(query.Get("node"))
	if node == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "node parameter is required"})
		return
	}

	limit := defaultHistoryLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	samples, err := a.history.Recent(r.Context(), node, limit)
	if err != nil {
		a.logger.Error(r.Context(), "history query failed", logging.String("node", node), logging.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, historyResponse{Node: node, Samples: samples})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !a.reader.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statsResponse struct {
	model.PollState
	Online         int    `json:"online"`
	Total          int    `json:"total"`
	PageTitle      string `json:"page_title"`
	PollIntervalMS int64  `json:"poll_interval_ms"`
}

type nodesResponse struct {
	Nodes      []model.NodeSnapshot `json:"nodes"`
	LastUpdate *time.Time           `json:"last_update"`
	Error      *string              `json:"error"`
	Stale      bool                 `json:"stale"`
}

type historyResponse struct {
	Node    string                `json:"node"`
	Samples []model.HistorySample `json:"samples"`
}
