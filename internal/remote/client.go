// Package remote is the client for the hosted backend: a REST interface over
// named tables, a binary object store and the auth endpoints.
//
// Table requests follow PostgREST conventions:
//
//	GET    /rest/v1/{table}?owner_id=eq.{uid}       list rows
//	POST   /rest/v1/{table}?on_conflict=id          create or upsert rows
//	PATCH  /rest/v1/{table}?id=eq.{id}              update one row
//	DELETE /rest/v1/{table}?id=eq.{id}              delete one row
//
// Every request carries the static API key header. When a TokenSource is
// set, requests also carry its bearer token; a 401 response triggers one
// token refresh and exactly one retry of the request before the error is
// returned to the caller.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultTimeout bounds a single HTTP request.
const DefaultTimeout = 30 * time.Second

const maxErrorBody = 64 << 10

var (
	// ErrNotConfigured is returned by every request of a client without a
	// base URL.
	ErrNotConfigured = errors.New("remote base URL is not configured")

	// ErrUnreachable wraps transport failures: DNS, refused connections,
	// timeouts.
	ErrUnreachable = errors.New("remote unreachable")
)

// TokenSource supplies bearer tokens.
type TokenSource interface {
	// Token returns the current access token, refreshing it first if it has
	// expired. An empty token means the request is sent with the API key
	// only.
	Token(ctx context.Context) (string, error)

	// Refresh forces a new access token after the server rejected the
	// current one.
	Refresh(ctx context.Context) (string, error)
}

// Config holds client settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client talks to the hosted backend.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	logger  *log.Logger
	tokens  TokenSource
}

// New creates a client. BaseURL may be empty for a client that is only used
// offline; every request then fails.
func New(cfg Config) (*Client, error) {
	c := &Client{
		apiKey: cfg.APIKey,
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("invalid remote URL %q: %w", cfg.BaseURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("invalid remote URL %q: scheme must be http or https", cfg.BaseURL)
		}
		c.baseURL = u
	}
	return c, nil
}

// SetTokenSource attaches the bearer token provider.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// Configured reports whether the client has a base URL.
func (c *Client) Configured() bool {
	return c.baseURL != nil
}

// Select fetches the rows of table matching q and decodes them into out,
// which must be a pointer to a slice.
func (c *Client) Select(ctx context.Context, table string, q *Query, out any) error {
	params := q.Values()
	if params.Get("select") == "" {
		params.Set("select", "*")
	}
	return c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/" + table,
		query:  params,
		auth:   true,
		out:    out,
	})
}

// Insert creates rows. rows may be a single value or a slice.
func (c *Client) Insert(ctx context.Context, table string, rows any) error {
	return c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/rest/v1/" + table,
		body:    rows,
		auth:    true,
		headers: map[string]string{"Prefer": "return=minimal"},
	})
}

// Upsert creates rows or replaces the existing rows with the same id.
func (c *Client) Upsert(ctx context.Context, table string, rows any) error {
	return c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/rest/v1/" + table,
		query:   url.Values{"on_conflict": {"id"}},
		body:    rows,
		auth:    true,
		headers: map[string]string{"Prefer": "resolution=merge-duplicates,return=minimal"},
	})
}

// Update patches the row with the given id.
func (c *Client) Update(ctx context.Context, table, id string, fields any) error {
	return c.do(ctx, request{
		method:  http.MethodPatch,
		path:    "/rest/v1/" + table,
		query:   NewQuery().Eq("id", id).Values(),
		body:    fields,
		auth:    true,
		headers: map[string]string{"Prefer": "return=minimal"},
	})
}

// Delete removes the row with the given id.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	return c.do(ctx, request{
		method: http.MethodDelete,
		path:   "/rest/v1/" + table,
		query:  NewQuery().Eq("id", id).Values(),
		auth:   true,
	})
}

// UploadObject stores data under bucket/key, replacing any previous object,
// and returns its public URL.
func (c *Client) UploadObject(ctx context.Context, bucket, key, contentType string, data []byte) (string, error) {
	err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/storage/v1/object/" + bucket + "/" + key,
		raw:     data,
		auth:    true,
		headers: map[string]string{"Content-Type": contentType, "x-upsert": "true"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s/%s: %w", bucket, key, err)
	}
	return c.PublicURL(bucket, key), nil
}

// PublicURL returns the public address of an object.
func (c *Client) PublicURL(bucket, key string) string {
	if c.baseURL == nil {
		return ""
	}
	return c.baseURL.String() + "/storage/v1/object/public/" + bucket + "/" + key
}

// AvatarKey is the object key of an owner's avatar image.
func AvatarKey(ownerID string) string {
	return "avatars/" + ownerID + ".jpg"
}

// GroupIconKey is the object key of a group's icon image.
func GroupIconKey(groupID string) string {
	return "groups/" + groupID + ".jpg"
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	raw     []byte
	headers map[string]string
	auth    bool
	out     any
}

func (c *Client) do(ctx context.Context, r request) error {
	if c.baseURL == nil {
		return ErrNotConfigured
	}

	payload := r.raw
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = data
	}

	token := ""
	if r.auth && c.tokens != nil {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		token = t
	}

	err := c.send(ctx, r, payload, token)
	if !IsUnauthorized(err) || !r.auth || c.tokens == nil {
		return err
	}

	c.logger.Printf("%s %s unauthorized, refreshing token", r.method, r.path)
	token, rerr := c.tokens.Refresh(ctx)
	if rerr != nil {
		return rerr
	}
	return c.send(ctx, r, payload, token)
}

func (c *Client) send(ctx context.Context, r request, payload []byte, token string) error {
	u := *c.baseURL
	u.Path += r.path
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{
			Method:     r.method,
			Path:       r.path,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}

	if r.out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(r.out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", r.path, err)
	}
	return nil
}
