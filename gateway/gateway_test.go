package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/auth/authtest"
	"github.com/ggoodman/mcp-gateway/internal/metrics"
)

// echoHandler reports the authenticated subject, if any.
var echoHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	ui, ok := auth.UserInfoFromContext(r.Context())
	if !ok {
		_, _ = io.WriteString(w, "anonymous")
		return
	}
	_, _ = io.WriteString(w, "hello "+ui.UserID())
})

func testProvider() auth.ProviderConfig {
	return auth.ProviderConfig{Issuer: "https://idp.example", Audience: "api://mcp"}
}

func newTestGateway(t *testing.T, p auth.ProviderConfig, a auth.Authenticator, opts ...Option) *Gateway {
	t.Helper()
	if a == nil {
		a = authtest.NewStatic(map[string]auth.Claims{
			"good": {"sub": "alice", "iss": "https://idp.example"},
		})
	}
	g, err := New(p, a, echoHandler, opts...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(testProvider(), nil, echoHandler); err == nil {
		t.Fatalf("expected error without authenticator")
	}
	if _, err := New(testProvider(), authtest.NewStatic(nil), nil); err == nil {
		t.Fatalf("expected error without protected handler")
	}
	if _, err := New(auth.ProviderConfig{Issuer: "https://idp.example"}, authtest.NewStatic(nil), echoHandler); err == nil {
		t.Fatalf("expected error without audience")
	}
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t, testProvider(), nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	var fail error
	g := newTestGateway(t, testProvider(), nil, WithReadinessCheck(func(context.Context) error { return fail }))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}

	fail = errors.New("jwks unreachable")
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unready status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "jwks unreachable") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestRegisterRouteAbsentWithoutEndpoint(t *testing.T) {
	g := newTestGateway(t, testProvider(), nil)
	if g.RegistrationEnabled() {
		t.Fatalf("registration should be disabled")
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	g.ServeHTTP(rec, req)
	// Falls through to the protected handler, which requires a token.
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	g := newTestGateway(t, testProvider(), nil, WithMetrics(m))

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer good")
	g.ServeHTTP(httptest.NewRecorder(), req)
	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/mcp", nil))

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`mcp_gateway_http_requests_total{route="/",status="200"} 1`,
		`mcp_gateway_http_requests_total{route="/",status="401"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestExcludedPrefixesNeverReachProtected(t *testing.T) {
	g := newTestGateway(t, testProvider(), nil, WithMetrics(metrics.New()))

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/healthz"},
		{http.MethodGet, "/healthzz"},
		{http.MethodGet, "/.well-known/anything"},
		{http.MethodDelete, "/.well-known/oauth-protected-resource"},
		{http.MethodGet, "/metrics-admin"},
		{http.MethodPost, "/readyz/x"},
	}
	for _, tc := range cases {
		for _, authz := range []string{"", "Bearer good"} {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if authz != "" {
				req.Header.Set("Authorization", authz)
			}
			rec := httptest.NewRecorder()
			g.ServeHTTP(rec, req)
			if rec.Code != http.StatusNotFound {
				t.Fatalf("%s %s (auth=%q): status = %d body = %q", tc.method, tc.path, authz, rec.Code, rec.Body.String())
			}
			body := rec.Body.String()
			if strings.Contains(body, "anonymous") || strings.Contains(body, "hello") {
				t.Fatalf("%s %s forwarded to protected handler: %q", tc.method, tc.path, body)
			}
		}
	}

	// Gateway routes under the same prefixes still work.
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}
