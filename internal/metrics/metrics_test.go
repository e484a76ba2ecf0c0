package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ggoodman/mcp-gateway/auth"
)

func TestObservers(t *testing.T) {
	m := New()
	m.ObserveVerification(auth.MethodSignature, "", time.Millisecond)
	m.ObserveVerification(auth.MethodSignature, auth.KindExpired, time.Millisecond)
	m.ObserveVerification(auth.MethodDecryption, "", time.Millisecond)
	m.ObserveKeyFetch(nil, time.Millisecond)
	m.ObserveKeyFetch(errors.New("boom"), time.Millisecond)
	m.ObserveRegistration(RegistrationOK)
	m.ObservePersist(true, nil)
	m.ObservePersist(false, nil)
	m.ObservePersist(false, errors.New("disk full"))

	if got := testutil.ToFloat64(m.verifications.WithLabelValues("jws", "expired")); got != 1 {
		t.Fatalf("expired verifications = %v", got)
	}
	if got := testutil.ToFloat64(m.keyFetches.WithLabelValues("error")); got != 1 {
		t.Fatalf("failed fetches = %v", got)
	}
	if got := testutil.ToFloat64(m.persists.WithLabelValues("exists")); got != 1 {
		t.Fatalf("exists persists = %v", got)
	}
}

func TestHandlerExposesGauge(t *testing.T) {
	m := New()
	m.TrackSecrets(func() int { return 3 })
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "mcp_gateway_client_secrets 3") {
		t.Fatalf("gauge missing from exposition:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveVerification(auth.MethodSignature, "", 0)
	m.ObserveKeyFetch(nil, 0)
	m.ObserveRegistration(RegistrationOK)
	m.ObservePersist(true, nil)
	m.ObserveRequest("/", 200)
	m.TrackSecrets(func() int { return 0 })
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("nil metrics handler should 404, got %d", rec.Code)
	}
}
