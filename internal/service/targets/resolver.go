// Package targets resolves which object classes each camera should detect.
//
// The mapping is fetched from a remote configuration endpoint and cached with a TTL.
// A refresh attempt always moves the expiry forward, so a failing endpoint is retried at
// most once per TTL and never blocks the capture pipeline.
package targets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"edgecam/internal/logger"
	"edgecam/internal/models"
)

var (
	// ErrNoEndpoint is returned by Refresh when no config URL is configured.
	ErrNoEndpoint = errors.New("target config endpoint not configured")
	// ErrUnexpectedStatus is returned when the endpoint answers with a non-200 status.
	ErrUnexpectedStatus = errors.New("unexpected target config status")
)

// Resolver holds the process-wide target cache.
// The fetch runs outside mu; concurrent refreshes share one request.
type Resolver struct {
	url     string
	ttl     time.Duration
	timeout time.Duration
	client  *http.Client
	logger  *logger.Logger
	now     func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache models.TargetConfig
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithTimeout sets the per-fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// NewResolver creates a resolver with the initial fallback cache (default ["person"], expired).
func NewResolver(url string, ttl time.Duration, client *http.Client, log *logger.Logger, opts ...Option) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.NewNop()
	}
	r := &Resolver{
		url:     strings.TrimSpace(url),
		ttl:     ttl,
		timeout: 30 * time.Second,
		client:  client,
		logger:  log.Named("targets"),
		now:     time.Now,
		cache: models.TargetConfig{
			Default:  []string{"person"},
			ByCamera: map[string][]string{},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the lowercase target class names for a camera key,
// refreshing the cache first when it has expired.
func (r *Resolver) Resolve(ctx context.Context, cameraKey string) []string {
	if r.expired() {
		_, err, _ := r.group.Do("expired", func() (any, error) {
			// another flight may have refreshed while this caller queued
			if !r.expired() {
				return nil, nil
			}
			return nil, r.refresh(ctx)
		})
		if err != nil {
			r.logger.Warn("target refresh failed, keeping cached targets",
				logger.Err(err),
				logger.Time("next_refresh", r.Snapshot().ExpiresAt))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return clone(r.cache.Lookup(cameraKey))
}

// Snapshot returns a copy of the current cache.
func (r *Resolver) Snapshot() models.TargetConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := models.TargetConfig{
		Default:   clone(r.cache.Default),
		ByCamera:  make(map[string][]string, len(r.cache.ByCamera)),
		ExpiresAt: r.cache.ExpiresAt,
	}
	for k, v := range r.cache.ByCamera {
		out.ByCamera[k] = clone(v)
	}
	return out
}

// Refresh forces a fetch regardless of expiry.
func (r *Resolver) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("forced", func() (any, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

func (r *Resolver) expired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.now().Before(r.cache.ExpiresAt)
}

// refresh fetches the document without holding mu and swaps the cache in on success.
// The expiry is advanced by the TTL on every path.
func (r *Resolver) refresh(ctx context.Context) error {
	var (
		def      []string
		byCamera map[string][]string
		err      error
	)
	if r.url == "" {
		err = ErrNoEndpoint
	} else {
		var doc document
		if doc, err = r.fetch(ctx); err == nil {
			def, byCamera = parseDocument(doc)
		}
	}

	r.mu.Lock()
	r.cache.ExpiresAt = r.now().Add(r.ttl)
	if err == nil {
		r.cache.Default = def
		r.cache.ByCamera = byCamera
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.logger.Info("targets refreshed",
		logger.Strings("default", def),
		logger.Int("cameras", len(byCamera)))
	return nil
}

func (r *Resolver) fetch(ctx context.Context) (document, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return document{}, fmt.Errorf("failed to build target request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return document{}, fmt.Errorf("failed to fetch targets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return document{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return document{}, fmt.Errorf("failed to read targets: %w", err)
	}
	return decodeDocument(body)
}

// document is the target config payload, either direct or wrapped once in {"data": ...}.
// List elements are decoded one by one so a stray number or bool does not reject the document.
type document struct {
	Default []json.RawMessage `json:"default"`
	Targets []json.RawMessage `json:"targets"`
	Cameras []cameraEntry     `json:"cameras"`
}

type cameraEntry struct {
	ID      json.RawMessage   `json:"id"`
	Key     json.RawMessage   `json:"key"`
	Targets []json.RawMessage `json:"targets"`
}

func decodeDocument(body []byte) (document, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return document{}, fmt.Errorf("failed to decode targets: %w", err)
	}
	if data, ok := envelope["data"]; ok {
		trimmed := strings.TrimSpace(string(data))
		if !strings.HasPrefix(trimmed, "{") {
			return document{}, errors.New("target config data envelope is not an object")
		}
		body = data
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return document{}, fmt.Errorf("failed to decode targets: %w", err)
	}
	return doc, nil
}

func parseDocument(doc document) ([]string, map[string][]string) {
	def := names(doc.Default)
	if len(def) == 0 {
		def = names(doc.Targets)
	}
	if len(def) == 0 {
		def = []string{"all"}
	}
	def = lower(def)

	byCamera := make(map[string][]string, len(doc.Cameras))
	for _, c := range doc.Cameras {
		id := identity(c.ID)
		if id == "" {
			id = identity(c.Key)
		}
		if id == "" {
			continue
		}
		t := names(c.Targets)
		if len(t) == 0 {
			t = def
		}
		byCamera[id] = lower(t)
	}
	return def, byCamera
}

// names converts a JSON list to strings element by element, skipping nulls and blanks.
func names(raws []json.RawMessage) []string {
	var out []string
	for _, raw := range raws {
		if v := identity(raw); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// identity accepts string or numeric camera ids; any other scalar keeps its JSON text.
func identity(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func clone(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
