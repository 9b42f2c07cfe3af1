package api

import (
	"time"

	"github.com/dreamware/tagtrack/internal/frame"
	"github.com/dreamware/tagtrack/internal/ingest"
	"github.com/dreamware/tagtrack/internal/state"
	"github.com/dreamware/tagtrack/internal/stats"
)

// RegisterRequest is the body of POST /tags.
type RegisterRequest struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// RegisterResponse is returned by POST /tags.
type RegisterResponse struct {
	Message     string `json:"message"`
	TagID       string `json:"tag_id"`
	Description string `json:"description"`
	IsNew       bool   `json:"is_new"`
}

// ResetResponse is returned by POST /tag/{id}/reset.
type ResetResponse struct {
	Message string `json:"message"`
	TagID   string `json:"tag_id"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Stats     stats.Snapshot `json:"stats"`
	Timestamp time.Time      `json:"timestamp"`
	Status    string         `json:"status"`
	Uptime    string         `json:"uptime"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	Tags        []state.TagState  `json:"tags"`
	Connections []ingest.ConnInfo `json:"connections"`
	Stats       stats.Snapshot    `json:"stats"`
	Store       state.StoreStats  `json:"store"`
}

// EventsResponse is returned by GET /events.
type EventsResponse struct {
	Events []frame.TagEvent `json:"events"`
	Count  int              `json:"count"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
