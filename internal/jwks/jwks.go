// Package jwks caches the upstream JSON Web Key Set used to verify signed
// access tokens.
//
// A Cache serves the last fetched KeySet while it is younger than the
// configured TTL and refetches on the first request after it goes stale.
// Concurrent stale callers share one upstream request. Entries are replaced
// by swapping an immutable *KeySet, so readers never block on a refresh.
// Refresh refetches early, at most once per minimum refresh interval, when
// a token names a kid the cached set lacks.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a fetched key set is served before refetching.
	DefaultTTL = time.Hour
	// DefaultTimeout bounds a single upstream fetch.
	DefaultTimeout = 10 * time.Second
	// DefaultMinRefreshInterval is the minimum age of a key set before
	// Refresh contacts the upstream again.
	DefaultMinRefreshInterval = 30 * time.Second

	maxBodyBytes = 1 << 20
)

// ErrNoUsableKeys is wrapped by FetchError when a document parsed but held
// no key that could be used for verification.
var ErrNoUsableKeys = errors.New("jwks: no usable keys")

// FetchError reports a failed key set retrieval: transport failure, non-2xx
// status, an unparseable body or a set with no usable keys.
type FetchError struct {
	URI    string
	Status int // 0 when no response was received
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("jwks: fetch %s: status %d: %v", e.URI, e.Status, e.Err)
	}
	return fmt.Sprintf("jwks: fetch %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FetchObserver is notified after every upstream fetch attempt.
type FetchObserver func(err error, elapsed time.Duration)

// Option configures a Cache.
type Option func(*newConfig)

type newConfig struct {
	ttl        time.Duration
	timeout    time.Duration
	minRefresh time.Duration
	client   *http.Client
	log      *slog.Logger
	now      func() time.Time
	observer FetchObserver
}

// WithTTL sets the freshness window of a fetched key set.
func WithTTL(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithTimeout bounds each upstream fetch.
func WithTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMinRefreshInterval bounds how often Refresh may refetch. Zero allows
// a refetch on every call.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(c *newConfig) {
		if d >= 0 {
			c.minRefresh = d
		}
	}
}

// WithHTTPClient sets the client used for fetching.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *newConfig) { c.client = hc }
}

// WithLogger sets the logger used for fetch diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.log = l }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *newConfig) { c.now = now }
}

// WithFetchObserver registers a callback invoked after each fetch attempt.
func WithFetchObserver(o FetchObserver) Option {
	return func(c *newConfig) { c.observer = o }
}

// Cache is a TTL cache in front of a single JWKS endpoint. It is safe for
// concurrent use.
type Cache struct {
	uri   string
	cfg   newConfig
	entry atomic.Pointer[KeySet]
	group singleflight.Group
}

// New constructs a Cache for the given jwks_uri. No request is made until
// the first call to Keys.
func New(uri string, opts ...Option) (*Cache, error) {
	if uri == "" {
		return nil, errors.New("jwks: uri required")
	}
	cfg := newConfig{
		ttl:        DefaultTTL,
		timeout:    DefaultTimeout,
		minRefresh: DefaultMinRefreshInterval,
		client:     http.DefaultClient,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = http.DefaultClient
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	return &Cache{uri: uri, cfg: cfg}, nil
}

// URI returns the endpoint this cache fetches from.
func (c *Cache) URI() string { return c.uri }

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration { return c.cfg.ttl }

// Keys returns a fresh key set, fetching one if the cached entry is absent
// or older than the TTL. On fetch failure the error is a *FetchError and the
// previous entry, if any, is left in place.
func (c *Cache) Keys(ctx context.Context) (*KeySet, error) {
	if ks := c.fresh(); ks != nil {
		return ks, nil
	}
	return c.load(ctx, nil)
}

// Refresh replaces stale, a set the caller found lacking (typically an
// unknown kid after key rotation). The upstream is contacted only while
// stale is still the cached entry and is at least the minimum refresh
// interval old; otherwise the current entry is returned. A failed refetch
// leaves the cached entry in place.
func (c *Cache) Refresh(ctx context.Context, stale *KeySet) (*KeySet, error) {
	if stale == nil || c.entry.Load() != stale {
		return c.Keys(ctx)
	}
	if c.cfg.now().Sub(stale.fetchedAt) < c.cfg.minRefresh {
		return stale, nil
	}
	c.cfg.log.DebugContext(ctx, "jwks.refresh", slog.Time("fetched_at", stale.fetchedAt))
	return c.load(ctx, stale)
}

// load fetches a new set unless a fresh entry other than skip is cached.
func (c *Cache) load(ctx context.Context, skip *KeySet) (*KeySet, error) {
	// The fetch is detached from the caller so one canceled request does not
	// fail every caller sharing the flight.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("keys", func() (any, error) {
		if ks := c.fresh(); ks != nil && ks != skip {
			return ks, nil
		}
		ks, err := c.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.entry.Store(ks)
		return ks, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	}
}

func (c *Cache) fresh() *KeySet {
	ks := c.entry.Load()
	if ks == nil {
		return nil
	}
	if c.cfg.now().Sub(ks.fetchedAt) >= c.cfg.ttl {
		return nil
	}
	return ks
}

func (c *Cache) fetch(ctx context.Context) (ks *KeySet, err error) {
	start := time.Now()
	defer func() {
		if c.cfg.observer != nil {
			c.cfg.observer(err, time.Since(start))
		}
		if err != nil {
			c.cfg.log.WarnContext(ctx, "jwks.fetch.fail", slog.String("uri", c.uri), slog.String("err", err.Error()))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, nil)
	if err != nil {
		return nil, &FetchError{URI: c.uri, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.cfg.client.Do(req)
	if err != nil {
		return nil, &FetchError{URI: c.uri, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &FetchError{URI: c.uri, Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{URI: c.uri, Status: resp.StatusCode, Err: err}
	}
	ks, err = Parse(body, c.cfg.now(), c.cfg.log)
	if err != nil {
		return nil, &FetchError{URI: c.uri, Status: resp.StatusCode, Err: err}
	}
	c.cfg.log.DebugContext(ctx, "jwks.fetch.ok", slog.String("uri", c.uri), slog.Int("keys", ks.Len()))
	return ks, nil
}

// KeySet is an immutable, parsed JSON Web Key Set.
type KeySet struct {
	keys      []jose.JSONWebKey
	kf        keyfunc.Keyfunc
	fetchedAt time.Time
}

// Parse decodes a JWKS document. Keys that cannot be parsed are skipped
// with a warning; at least one usable key must remain.
func Parse(doc []byte, fetchedAt time.Time, log *slog.Logger) (*KeySet, error) {
	if log == nil {
		log = slog.Default()
	}
	var envelope struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(doc, &envelope); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}

	keys := make([]jose.JSONWebKey, 0, len(envelope.Keys))
	kept := make([]json.RawMessage, 0, len(envelope.Keys))
	for i, raw := range envelope.Keys {
		var k jose.JSONWebKey
		if err := k.UnmarshalJSON(raw); err != nil {
			log.Warn("jwks.key.skip", slog.Int("index", i), slog.String("err", err.Error()))
			continue
		}
		if !k.Valid() || !k.IsPublic() || k.Use == "enc" {
			log.Warn("jwks.key.skip", slog.Int("index", i), slog.String("kid", k.KeyID), slog.String("err", "not a public signing key"))
			continue
		}
		keys = append(keys, k)
		kept = append(kept, raw)
	}
	if len(keys) == 0 {
		return nil, ErrNoUsableKeys
	}

	filtered, err := json.Marshal(struct {
		Keys []json.RawMessage `json:"keys"`
	}{Keys: kept})
	if err != nil {
		return nil, err
	}
	kf, err := keyfunc.NewJWKSetJSON(filtered)
	if err != nil {
		return nil, fmt.Errorf("load key set: %w", err)
	}
	return &KeySet{keys: keys, kf: kf, fetchedAt: fetchedAt}, nil
}

// Keyfunc resolves the verification key for a parsed token by its kid
// header. A token without a kid is accepted only when the set holds exactly
// one key.
func (k *KeySet) Keyfunc(t *jwt.Token) (any, error) {
	if _, ok := t.Header["kid"]; !ok {
		if len(k.keys) == 1 {
			return k.keys[0].Key, nil
		}
		return nil, errors.New("jwks: token has no kid and key set is ambiguous")
	}
	return k.kf.Keyfunc(t)
}

// Has reports whether the set holds a key with the given kid.
func (k *KeySet) Has(kid string) bool {
	for _, key := range k.keys {
		if key.KeyID == kid {
			return true
		}
	}
	return false
}

// KeyIDs returns the kid of every usable key, in document order.
func (k *KeySet) KeyIDs() []string {
	out := make([]string, 0, len(k.keys))
	for _, key := range k.keys {
		out = append(out, key.KeyID)
	}
	return out
}

// Len returns the number of usable keys.
func (k *KeySet) Len() int { return len(k.keys) }

// FetchedAt returns when the set was retrieved.
func (k *KeySet) FetchedAt() time.Time { return k.fetchedAt }
