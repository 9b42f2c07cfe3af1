package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tagtrack/internal/api"
	"github.com/dreamware/tagtrack/internal/frame"
	"github.com/dreamware/tagtrack/internal/state"
	"github.com/dreamware/tagtrack/internal/stats"
)

func newAPIServer(t *testing.T) (*httptest.Server, *state.Store) {
	t.Helper()
	store := state.New(state.Options{})
	reporter := stats.NewReporter(time.Minute, stats.NewCounters(), store)
	srv := httptest.NewServer(api.NewHandler(store, reporter))
	t.Cleanup(srv.Close)
	return srv, store
}

func TestPostJSON(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":"yes"}`))
	}))
	defer srv.Close()

	var out map[string]string
	err := PostJSON(context.Background(), srv.URL, map[string]string{"id": "a"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "a", got["id"])
	assert.Equal(t, "yes", out["ok"])

	// nil out discards the body.
	require.NoError(t, PostJSON(context.Background(), srv.URL, map[string]string{}, nil))
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"detail":"short and stout"}`))
	}))
	defer srv.Close()

	err := GetJSON(context.Background(), srv.URL, &struct{}{})
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusTeapot, serr.StatusCode)
	assert.Equal(t, "short and stout", serr.Detail)
	assert.Contains(t, err.Error(), "418")
}

func TestGetJSONCancelled(t *testing.T) {
	srv, _ := newAPIServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := GetJSON(ctx, srv.URL+"/health", &api.HealthResponse{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClientRoundTrip(t *testing.T) {
	srv, store := newAPIServer(t)
	c := New(srv.URL + "/")
	ctx := context.Background()

	reg, err := c.Register(ctx, "fa451f0755d8", "Helmet Tag for worker A")
	require.NoError(t, err)
	assert.True(t, reg.IsNew)

	store.Upsert(frame.TagEvent{TagID: "fa451f0755d8", Counter: 7, Timestamp: "20250616110501.456"})

	ts, err := c.Tag(ctx, "fa451f0755d8")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ts.LastCounter)
	assert.Equal(t, "Helmet Tag for worker A", ts.Description)

	tags, err := c.Tags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 1)

	_, err = c.Tag(ctx, "nope")
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
	assert.Equal(t, "tag nope not found", serr.Detail)

	require.NoError(t, c.ResetBaseline(ctx, "fa451f0755d8"))
	res := store.Upsert(frame.TagEvent{TagID: "fa451f0755d8", Counter: 1, Timestamp: "20250616110502.000"})
	assert.True(t, res.Applied)

	events, err := c.Events(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, events.Count)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, uint64(2), health.Stats.PerTag["fa451f0755d8"])
}

func TestClientEscapesTagID(t *testing.T) {
	srv, store := newAPIServer(t)
	c := New(srv.URL)
	ctx := context.Background()

	store.Upsert(frame.TagEvent{TagID: "x/reset", Counter: 4, Timestamp: "20250616110501.456"})

	ts, err := c.Tag(ctx, "x/reset")
	require.NoError(t, err)
	assert.Equal(t, "x/reset", ts.TagID)
	assert.Equal(t, uint64(4), ts.LastCounter)

	require.NoError(t, c.ResetBaseline(ctx, "x/reset"))
	res := store.Upsert(frame.TagEvent{TagID: "x/reset", Counter: 1, Timestamp: "20250616110502.000"})
	assert.True(t, res.Applied)
}
