// Package supabase implements the backend boundary against a Supabase
// project: PostgREST for rows, Realtime for change streams and the
// S3-compatible Storage endpoint for photos.
package supabase

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

	"github.com/kimhsiao/fieldops/internal/backend"
	"github.com/kimhsiao/fieldops/internal/logging"
	"github.com/kimhsiao/fieldops/internal/models"
)

// Config holds Supabase connection settings.
type Config struct {
	URL         string // project URL, e.g. https://abc.supabase.co
	AnonKey     string
	AccessToken string // user JWT; falls back to AnonKey
	Timeout     time.Duration
	HealthPath  string // default /auth/v1/health
}

// Client is a PostgREST client.
type Client struct {
	config     Config
	base       *url.URL
	httpClient *http.Client
	logger     *logging.Logger
}

// New creates a PostgREST client.
func New(config Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(config.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid supabase url %q", config.URL)
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.HealthPath == "" {
		config.HealthPath = "/auth/v1/health"
	}
	return &Client{
		config: config,
		base:   base,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		logger: logging.Get().Named("supabase"),
	}, nil
}

// Select implements backend.Backend.
func (c *Client) Select(ctx context.Context, coll models.Collection, filter backend.Filter) ([]backend.Row, error) {
	q := url.Values{"select": {"*"}}
	for _, k := range filter.Keys() {
		q.Set(k, "eq."+filter[k])
	}
	var rows []backend.Row
	if err := c.do(ctx, "select", coll, http.MethodGet, q, nil, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []backend.Row{}
	}
	return rows, nil
}

// Insert implements backend.Backend.
func (c *Client) Insert(ctx context.Context, coll models.Collection, row backend.Row) (backend.Row, error) {
	var rows []backend.Row
	if err := c.do(ctx, "insert", coll, http.MethodPost, nil, row, &rows); err != nil {
		return nil, err
	}
	return first("insert", coll, rows)
}

// Update implements backend.Backend.
func (c *Client) Update(ctx context.Context, coll models.Collection, id string, patch backend.Row) (backend.Row, error) {
	q := url.Values{"id": {"eq." + id}}
	var rows []backend.Row
	if err := c.do(ctx, "update", coll, http.MethodPatch, q, patch, &rows); err != nil {
		return nil, err
	}
	return first("update", coll, rows)
}

// Delete implements backend.Backend.
func (c *Client) Delete(ctx context.Context, coll models.Collection, id string) error {
	q := url.Values{"id": {"eq." + id}}
	return c.do(ctx, "delete", coll, http.MethodDelete, q, nil, nil)
}

// Ping implements backend.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+c.config.HealthPath, nil)
	if err != nil {
		return backend.Permanent("ping", "", 0, "", err.Error())
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return backend.Transient("ping", "", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return &backend.Error{Kind: backend.KindTransient, Op: "ping", Status: resp.StatusCode, Message: resp.Status}
	}
	return nil
}

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (c *Client) do(ctx context.Context, op string, coll models.Collection, method string, q url.Values, body any, out any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rest/v1/" + string(coll)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return backend.Permanent(op, string(coll), 0, "", fmt.Sprintf("failed to encode body: %v", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return backend.Permanent(op, string(coll), 0, "", err.Error())
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return backend.Transient(op, string(coll), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.Transient(op, string(coll), err)
	}

	c.logger.Debug("postgrest request", map[string]interface{}{
		"op":          op,
		"collection":  coll,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if kind := backend.StatusKind(resp.StatusCode); kind != backend.KindNone {
		var ae apiError
		_ = json.Unmarshal(data, &ae)
		msg := ae.Message
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		if msg == "" {
			msg = resp.Status
		}
		return &backend.Error{
			Kind:       kind,
			Op:         op,
			Collection: string(coll),
			Status:     resp.StatusCode,
			Code:       ae.Code,
			Message:    msg,
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return backend.Permanent(op, string(coll), resp.StatusCode, "", fmt.Sprintf("failed to decode response: %v", err))
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	token := c.config.AccessToken
	if token == "" {
		token = c.config.AnonKey
	}
	req.Header.Set("apikey", c.config.AnonKey)
	req.Header.Set("Authorization", "Bearer "+token)
}

func first(op string, coll models.Collection, rows []backend.Row) (backend.Row, error) {
	if len(rows) == 0 {
		return nil, backend.Permanent(op, string(coll), http.StatusNotFound, "PGRST116", "no row returned")
	}
	return rows[0], nil
}
