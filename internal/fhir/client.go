// Package fhir is a small JSON REST client for FHIR servers used by job handlers.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	contentType = "application/fhir+json"

	// maxSearchPages bounds how many "next" links a search follows
	maxSearchPages = 50
)

// ErrInvalidBaseURL is returned when the configured server URL cannot be used
var ErrInvalidBaseURL = errors.New("invalid FHIR base URL")

// Config holds FHIR client configuration
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int
}

// Resource is a decoded FHIR resource
type Resource map[string]any

// ID returns the logical id of the resource
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}

// ResourceType returns the resourceType of the resource
func (r Resource) ResourceType() string {
	rt, _ := r["resourceType"].(string)
	return rt
}

// LastUpdated returns meta.lastUpdated when present
func (r Resource) LastUpdated() (time.Time, bool) {
	meta, ok := r["meta"].(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	raw, ok := meta["lastUpdated"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("FHIR %s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 response
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// Client talks to a single FHIR server
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a new FHIR client
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// BaseURL returns the server base URL without a trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Read fetches a resource by type and id
func (c *Client) Read(ctx context.Context, resourceType, id string) (Resource, error) {
	return c.do(ctx, http.MethodGet, c.resourceURL(resourceType, id), nil)
}

// Search returns every resource matching params, following "next" links
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) ([]Resource, error) {
	next := c.baseURL + "/" + url.PathEscape(resourceType)
	if encoded := params.Encode(); encoded != "" {
		next += "?" + encoded
	}

	var resources []Resource
	for page := 0; next != "" && page < maxSearchPages; page++ {
		bundle, err := c.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}

		resources = append(resources, bundleResources(bundle)...)
		next = nextLink(bundle)
	}

	return resources, nil
}

// Create posts a new resource
func (c *Client) Create(ctx context.Context, resourceType string, resource Resource) (Resource, error) {
	return c.do(ctx, http.MethodPost, c.baseURL+"/"+url.PathEscape(resourceType), resource)
}

// Update puts a resource under the given id, creating it when the server allows
func (c *Client) Update(ctx context.Context, resourceType, id string, resource Resource) (Resource, error) {
	return c.do(ctx, http.MethodPut, c.resourceURL(resourceType, id), resource)
}

func (c *Client) resourceURL(resourceType, id string) string {
	return c.baseURL + "/" + url.PathEscape(resourceType) + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, target string, body Resource) (Resource, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("FHIR rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode FHIR resource: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build FHIR request: %w", err)
	}
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("FHIR %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read FHIR response: %w", err)
	}

	c.logger.Debug("FHIR request completed",
		slog.String("method", method),
		slog.String("url", target),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       string(payload),
		}
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return Resource{}, nil
	}

	var resource Resource
	if err := json.Unmarshal(payload, &resource); err != nil {
		return nil, fmt.Errorf("failed to decode FHIR response: %w", err)
	}
	return resource, nil
}

func bundleResources(bundle Resource) []Resource {
	entries, _ := bundle["entry"].([]any)

	resources := make([]Resource, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if res, ok := entry["resource"].(map[string]any); ok {
			resources = append(resources, Resource(res))
		}
	}
	return resources
}

func nextLink(bundle Resource) string {
	links, _ := bundle["link"].([]any)
	for _, l := range links {
		link, ok := l.(map[string]any)
		if !ok {
			continue
		}
		if rel, _ := link["relation"].(string); rel == "next" {
			href, _ := link["url"].(string)
			return href
		}
	}
	return ""
}

// NewBundle wraps resources in a collection bundle
func NewBundle(resources []Resource) Resource {
	entries := make([]any, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]any{"resource": map[string]any(r)})
	}
	return Resource{
		"resourceType": "Bundle",
		"type":         "collection",
		"total":        len(resources),
		"entry":        entries,
	}
}

// BundleResources returns the resources carried by a bundle
func BundleResources(bundle Resource) []Resource {
	return bundleResources(bundle)
}

// Pool hands out one client per base URL so each server keeps its own rate limit
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a pool whose clients share cfg except for the base URL
func NewPool(cfg Config, logger *slog.Logger) *Pool {
	return &Pool{cfg: cfg, logger: logger, clients: make(map[string]*Client)}
}

// Get returns the client for baseURL, creating it on first use
func (p *Pool) Get(baseURL string) (*Client, error) {
	key := strings.TrimRight(baseURL, "/")

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	cfg := p.cfg
	cfg.BaseURL = key
	c, err := NewClient(cfg, p.logger)
	if err != nil {
		return nil, err
	}
	p.clients[key] = c
	return c, nil
}
