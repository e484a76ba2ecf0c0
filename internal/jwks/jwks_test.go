package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func genKeys(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen rsa: %v", err)
	}
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("gen ec: %v", err)
	}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{
		{Key: &pk.PublicKey, KeyID: "rsa-1", Algorithm: "RS256", Use: "sig"},
		{Key: &ec.PublicKey, KeyID: "ec-1", Algorithm: "ES256", Use: "sig"},
	}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, b
}

func newServer(t *testing.T, body []byte, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestCache_ServesFreshEntryWithoutRefetch(t *testing.T) {
	_, doc := genKeys(t)
	srv, hits := newServer(t, doc, http.StatusOK)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c, err := New(srv.URL, WithClock(clock.Now), WithTTL(time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	first, err := c.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if first.Len() != 2 {
		t.Fatalf("want 2 keys, got %d", first.Len())
	}
	clock.Advance(59 * time.Second)
	second, err := c.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached key set to be reused")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("want 1 upstream fetch, got %d", got)
	}

	clock.Advance(time.Second)
	third, err := c.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if third == first {
		t.Fatalf("expected refetch after ttl")
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("want 2 upstream fetches, got %d", got)
	}
	if !third.FetchedAt().Equal(clock.Now()) {
		t.Fatalf("fetchedAt = %v, want %v", third.FetchedAt(), clock.Now())
	}
}

func rsaSet(t *testing.T, kids ...string) []byte {
	t.Helper()
	var set struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}
	for _, kid := range kids {
		pk, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("gen rsa: %v", err)
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"})
	}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

func TestCache_RefetchReflectsRotatedKeys(t *testing.T) {
	docs := [][]byte{rsaSet(t, "old-1"), rsaSet(t, "new-1", "new-2")}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(docs[min(n, len(docs))-1])
	}))
	t.Cleanup(srv.Close)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c, err := New(srv.URL, WithClock(clock.Now), WithTTL(time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	before, err := c.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if got := before.KeyIDs(); len(got) != 1 || got[0] != "old-1" {
		t.Fatalf("initial kids = %v", got)
	}

	clock.Advance(time.Minute)
	after, err := c.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if got := after.KeyIDs(); len(got) != 2 || got[0] != "new-1" || got[1] != "new-2" {
		t.Fatalf("rotated kids = %v", got)
	}
	if hits.Load() != 2 {
		t.Fatalf("want 2 upstream fetches, got %d", hits.Load())
	}
}

func TestCache_Refresh(t *testing.T) {
	docs := [][]byte{rsaSet(t, "old-1"), rsaSet(t, "new-1")}
	var hits atomic.Int32
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		n := int(hits.Add(1))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(docs[min(n, len(docs))-1])
	}))
	t.Cleanup(srv.Close)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c, err := New(srv.URL, WithClock(clock.Now), WithMinRefreshInterval(30*time.Second))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	old, err := c.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}

	// Too soon after the last fetch.
	got, err := c.Refresh(ctx, old)
	if err != nil || got != old || hits.Load() != 1 {
		t.Fatalf("early refresh: same=%v hits=%d err=%v", got == old, hits.Load(), err)
	}

	clock.Advance(30 * time.Second)
	fail.Store(true)
	if _, err := c.Refresh(ctx, old); err == nil {
		t.Fatalf("expected refresh error while upstream is down")
	}
	if cur, err := c.Keys(ctx); err != nil || cur != old {
		t.Fatalf("failed refresh must keep the cached set: same=%v err=%v", cur == old, err)
	}

	fail.Store(false)
	fresh, err := c.Refresh(ctx, old)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !fresh.Has("new-1") || fresh.Has("old-1") {
		t.Fatalf("refreshed kids = %v", fresh.KeyIDs())
	}

	// A caller holding the replaced set gets the current one without a fetch.
	again, err := c.Refresh(ctx, old)
	if err != nil || again != fresh || hits.Load() != 2 {
		t.Fatalf("second refresh: same=%v hits=%d err=%v", again == fresh, hits.Load(), err)
	}
}

func TestCache_ConcurrentCallersShareFetch(t *testing.T) {
	_, doc := genKeys(t)
	srv, hits := newServer(t, doc, http.StatusOK)
	c, _ := New(srv.URL)

	var wg sync.WaitGroup
	results := make([]*KeySet, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ks, err := c.Keys(context.Background())
			if err != nil {
				t.Errorf("keys: %v", err)
				return
			}
			results[i] = ks
		}(i)
	}
	wg.Wait()
	for _, ks := range results[1:] {
		if ks != results[0] {
			t.Fatalf("callers observed different key sets")
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("want a single upstream fetch, got %d", hits.Load())
	}
}

func TestCache_FetchErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		noKeys bool
	}{
		{name: "status", body: `{}`, status: http.StatusInternalServerError},
		{name: "garbage", body: `not json`, status: http.StatusOK},
		{name: "empty", body: `{"keys":[]}`, status: http.StatusOK, noKeys: true},
		{name: "only bad keys", body: `{"keys":[{"kty":"bogus"}]}`, status: http.StatusOK, noKeys: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newServer(t, []byte(tc.body), tc.status)
			var observed error
			c, _ := New(srv.URL, WithFetchObserver(func(err error, _ time.Duration) { observed = err }))
			_, err := c.Keys(context.Background())
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("want *FetchError, got %v", err)
			}
			if tc.status != http.StatusOK && fe.Status != tc.status {
				t.Fatalf("status = %d", fe.Status)
			}
			if tc.noKeys && !errors.Is(err, ErrNoUsableKeys) {
				t.Fatalf("want ErrNoUsableKeys, got %v", err)
			}
			if observed == nil {
				t.Fatalf("observer not notified")
			}
		})
	}
}

func TestCache_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, _ := New(url, WithTimeout(time.Second))
	_, err := c.Keys(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Status != 0 {
		t.Fatalf("want transport *FetchError, got %v", err)
	}
}

func TestParse_SkipsUnusableKeys(t *testing.T) {
	_, doc := genKeys(t)
	var env struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(doc, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	env.Keys = append(env.Keys, json.RawMessage(`{"kty":"RSA","kid":"broken","n":"!!"}`))
	mixed, _ := json.Marshal(env)

	ks, err := Parse(mixed, time.Now(), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ids := ks.KeyIDs()
	if len(ids) != 2 || ids[0] != "rsa-1" || ids[1] != "ec-1" {
		t.Fatalf("unexpected kids %v", ids)
	}
}

func TestKeySet_Keyfunc(t *testing.T) {
	pk, doc := genKeys(t)
	ks, err := Parse(doc, time.Now(), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "x"})
	tok.Header["kid"] = "rsa-1"
	signed, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := jwt.Parse(signed, ks.Keyfunc, jwt.WithValidMethods([]string{"RS256"})); err != nil {
		t.Fatalf("verify with kid: %v", err)
	}

	noKid := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "x"})
	signed, _ = noKid.SignedString(pk)
	if _, err := jwt.Parse(signed, ks.Keyfunc); err == nil {
		t.Fatalf("expected ambiguous key set error for token without kid")
	}
}

func TestNew_RequiresURI(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty uri")
	}
}
