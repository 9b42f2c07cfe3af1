// Package api serves the tagtrack query boundary over HTTP: tag
// registration, tag state lookups, health and stats.
//
// Handlers only read from the store or call its registration methods; tag
// state is never mutated here directly.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/tagtrack/internal/frame"
	"github.com/dreamware/tagtrack/internal/ingest"
	"github.com/dreamware/tagtrack/internal/state"
	"github.com/dreamware/tagtrack/internal/stats"
)

// DefaultEventsLimit is used by GET /events when no limit is given.
const DefaultEventsLimit = 100

// maxBodyBytes bounds registration request bodies.
const maxBodyBytes = 64 << 10

// Store is the part of state.Store the API needs.
type Store interface {
	List() []state.TagState
	Lookup(tagID string) (state.TagState, error)
	RegisterDescription(tagID, description string) (bool, error)
	ResetBaseline(tagID string) error
	Recent(limit int) []frame.TagEvent
	Stats() state.StoreStats
}

// SnapshotSource supplies stats snapshots, normally a *stats.Reporter.
type SnapshotSource interface {
	Snapshot() stats.Snapshot
}

// ConnectionSource lists live producer connections, normally an
// *ingest.Server.
type ConnectionSource interface {
	Connections() []ingest.ConnInfo
}

// Handler routes query API requests.
type Handler struct {
	store     Store
	snapshots SnapshotSource
	conns     ConnectionSource
	metrics   http.Handler
	logger    *slog.Logger
	now       func() time.Time
	startedAt time.Time
	mux       *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithConnections includes live connections in GET /stats.
func WithConnections(src ConnectionSource) Option {
	return func(h *Handler) {
		h.conns = src
	}
}

// WithMetrics serves h at GET /metrics.
func WithMetrics(metrics http.Handler) Option {
	return func(h *Handler) {
		h.metrics = metrics
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates the API handler.
func NewHandler(store Store, snapshots SnapshotSource, opts ...Option) *Handler {
	h := &Handler{
		store:     store,
		snapshots: snapshots,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "api")
	h.startedAt = h.now()

	mux := http.NewServeMux()
	mux.HandleFunc("/tags", h.handleTags)
	mux.HandleFunc("/tag/", h.handleTag)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/stats", h.handleStats)
	mux.HandleFunc("/events", h.handleEvents)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	h.mux = mux
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleTags serves POST /tags (register) and GET /tags (get_all).
func (h *Handler) handleTags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.store.List())
	case http.MethodPost:
		h.register(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	req.ID = strings.TrimSpace(req.ID)

	isNew, err := h.store.RegisterDescription(req.ID, req.Description)
	if errors.Is(err, state.ErrEmptyTagID) {
		writeError(w, http.StatusBadRequest, "tag id is required")
		return
	}
	if err != nil {
		h.logger.Error("register tag", "tag_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msg := "tag description updated"
	if isNew {
		msg = "tag registered"
	}
	h.logger.Info(msg, "tag_id", req.ID)
	writeJSON(w, http.StatusCreated, RegisterResponse{
		Message:     msg,
		TagID:       req.ID,
		Description: req.Description,
		IsNew:       isNew,
	})
}

// handleTag serves GET /tag/{id} (get_one) and POST /tag/{id}/reset.
//
// Routing works on the escaped path so that an id containing "/" (sent as
// %2F) is never mistaken for the reset action.
func (h *Handler) handleTag(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), "/tag/")
	escaped, isReset := strings.CutSuffix(rest, "/reset")
	tagID, err := url.PathUnescape(escaped)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tag id")
		return
	}
	if isReset {
		h.reset(w, r, tagID)
		return
	}
	if tagID == "" {
		writeError(w, http.StatusBadRequest, "tag id is required")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ts, err := h.store.Lookup(tagID)
	if errors.Is(err, state.ErrTagNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("tag %s not found", tagID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request, tagID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if tagID == "" {
		writeError(w, http.StatusBadRequest, "tag id is required")
		return
	}

	if err := h.store.ResetBaseline(tagID); err != nil {
		if errors.Is(err, state.ErrTagNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("tag %s not found", tagID))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("tag baseline reset", "tag_id", tagID)
	writeJSON(w, http.StatusOK, ResetResponse{Message: "baseline reset", TagID: tagID})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: now,
		Uptime:    now.Sub(h.startedAt).Truncate(time.Second).String(),
		Stats:     h.snapshots.Snapshot(),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := StatsResponse{
		Stats:       h.snapshots.Snapshot(),
		Store:       h.store.Stats(),
		Tags:        h.store.List(),
		Connections: []ingest.ConnInfo{},
	}
	if h.conns != nil {
		resp.Connections = h.conns.Connections()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := DefaultEventsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events := h.store.Recent(limit)
	writeJSON(w, http.StatusOK, EventsResponse{Events: events, Count: len(events)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}
