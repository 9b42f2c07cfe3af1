// Package client talks to the tagtrack query API over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dreamware/tagtrack/internal/api"
	"github.com/dreamware/tagtrack/internal/state"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned for any reply with a status of 300 or above.
type StatusError struct {
	URL        string
	Detail     string // "detail" field of the error body, if any
	StatusCode int
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
}

// PostJSON posts body as JSON to url and decodes the reply into out,
// which may be nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the JSON reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		serr := &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
		var body api.ErrorResponse
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && json.Unmarshal(data, &body) == nil {
			serr.Detail = body.Detail
		}
		return serr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Client calls one tagtrack API server.
type Client struct {
	base string
}

// New returns a client for the server at baseURL, e.g. "http://localhost:8000".
func New(baseURL string) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/")}
}

// Register attaches a description to a tag.
func (c *Client) Register(ctx context.Context, tagID, description string) (api.RegisterResponse, error) {
	var out api.RegisterResponse
	err := PostJSON(ctx, c.base+"/tags", api.RegisterRequest{ID: tagID, Description: description}, &out)
	return out, err
}

// Tags returns every known tag ordered by id.
func (c *Client) Tags(ctx context.Context) ([]state.TagState, error) {
	var out []state.TagState
	err := GetJSON(ctx, c.base+"/tags", &out)
	return out, err
}

// Tag returns one tag's state. Unknown tags yield a *StatusError with
// StatusCode 404.
func (c *Client) Tag(ctx context.Context, tagID string) (state.TagState, error) {
	var out state.TagState
	err := GetJSON(ctx, c.base+"/tag/"+url.PathEscape(tagID), &out)
	return out, err
}

// ResetBaseline makes the tag's next event start a new counter baseline.
func (c *Client) ResetBaseline(ctx context.Context, tagID string) error {
	return PostJSON(ctx, c.base+"/tag/"+url.PathEscape(tagID)+"/reset", struct{}{}, nil)
}

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := GetJSON(ctx, c.base+"/health", &out)
	return out, err
}

// Events returns up to limit of the most recent accepted events.
func (c *Client) Events(ctx context.Context, limit int) (api.EventsResponse, error) {
	var out api.EventsResponse
	err := GetJSON(ctx, fmt.Sprintf("%s/events?limit=%d", c.base, limit), &out)
	return out, err
}
