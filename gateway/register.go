package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/mcp-gateway/internal/metrics"
	"github.com/ggoodman/mcp-gateway/secrets"
)

const (
	// DefaultRegistrationTimeout bounds the upstream registration call.
	DefaultRegistrationTimeout = 30 * time.Second
	// MaxRegistrationBody limits client metadata documents.
	MaxRegistrationBody = 1 << 20
)

// Headers that are connection-specific and must not be forwarded. The
// Accept-Encoding header is dropped so the response can be inspected.
// ErrResponseTooLarge is wrapped by a RegistrationError when the upstream
// response exceeds MaxRegistrationBody.
var ErrResponseTooLarge = errors.New("registration response too large")

var strippedHeaders = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Content-Length",
	"Accept-Encoding",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Upgrade",
}

// RegistrationError is returned by Register when the call did not produce
// a successful upstream registration.
type RegistrationError struct {
	// Status is the upstream HTTP status, or 0 if the upstream was not reached.
	Status int
	// Body is the upstream response body.
	Body []byte
	Err  error
}

func (e *RegistrationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("registration: upstream status %d", e.Status)
	}
	return fmt.Sprintf("registration: %v", e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Upstream reports whether the upstream answered with a rejection.
func (e *RegistrationError) Upstream() bool { return e.Status != 0 }

// RegistrationResponse is a successful upstream registration.
type RegistrationResponse struct {
	Status     int
	Header     http.Header
	Body       []byte
	ClientID   string
	ClientName string
	// Captured reports whether a new client secret entered the secret set.
	Captured bool
}

type registrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	ClientName   string `json:"client_name"`
}

// RegistrationProxy forwards RFC 7591 registration requests upstream and
// captures issued client secrets.
type RegistrationProxy struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	store    *secrets.Store
	metrics  *metrics.Metrics
	log      *slog.Logger

	wg sync.WaitGroup
}

// NewRegistrationProxy builds a proxy for the given upstream endpoint.
// store and m may be nil.
func NewRegistrationProxy(endpoint string, client *http.Client, store *secrets.Store, m *metrics.Metrics, log *slog.Logger) *RegistrationProxy {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &RegistrationProxy{
		endpoint: endpoint,
		client:   client,
		timeout:  DefaultRegistrationTimeout,
		store:    store,
		metrics:  m,
		log:      log,
	}
}

// Register posts body upstream. On 200 or 201 the issued client secret
// joins the in-memory set before Register returns, and is persisted in the
// background.
func (p *RegistrationProxy) Register(ctx context.Context, body []byte, header http.Header) (*RegistrationResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	req.Header = forwardHeaders(header)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxRegistrationBody+1))
	if err != nil {
		return nil, &RegistrationError{Err: fmt.Errorf("read response: %w", err)}
	}
	if len(respBody) > MaxRegistrationBody {
		return nil, &RegistrationError{Err: fmt.Errorf("%w: status %d", ErrResponseTooLarge, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &RegistrationError{Status: resp.StatusCode, Body: respBody}
	}

	var parsed registrationResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &RegistrationError{Err: fmt.Errorf("decode response: %w", err)}
	}

	out := &RegistrationResponse{
		Status:     resp.StatusCode,
		Header:     forwardHeaders(resp.Header),
		Body:       respBody,
		ClientID:   parsed.ClientID,
		ClientName: parsed.ClientName,
	}
	if parsed.ClientSecret != "" && p.store != nil {
		out.Captured = p.store.Add(parsed.ClientSecret)
		p.persist(ctx, parsed.ClientSecret, parsed.ClientID)
	}
	p.log.InfoContext(ctx, "registration.ok",
		slog.String("client_id", parsed.ClientID),
		slog.String("client_name", parsed.ClientName),
		slog.Bool("secret_captured", out.Captured),
	)
	return out, nil
}

func (p *RegistrationProxy) persist(ctx context.Context, secret, clientID string) {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.store.Persist(ctx, secret, clientID)
	}()
}

// Wait blocks until background persistence has finished.
func (p *RegistrationProxy) Wait() { p.wg.Wait() }

func (p *RegistrationProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if ctype, err := contenttype.GetMediaType(r); err != nil || !ctype.Matches(jsonMediaType) {
		p.metrics.ObserveRegistration(metrics.RegistrationInvalid)
		writeJSONError(w, http.StatusBadRequest, errInvalidClientMetadata, "content type must be application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRegistrationBody))
	if err != nil {
		p.metrics.ObserveRegistration(metrics.RegistrationInvalid)
		writeJSONError(w, http.StatusBadRequest, errInvalidClientMetadata, "unable to read client metadata")
		return
	}

	reg, err := p.Register(ctx, body, r.Header)
	if err != nil {
		var re *RegistrationError
		if errors.As(err, &re) && re.Upstream() {
			p.metrics.ObserveRegistration(metrics.RegistrationUpstreamError)
			p.log.WarnContext(ctx, "registration.upstream.fail", slog.Int("status", re.Status))
			writeJSONError(w, re.Status, errRegistrationFailed, string(re.Body))
			return
		}
		p.metrics.ObserveRegistration(metrics.RegistrationProxyError)
		p.log.ErrorContext(ctx, "registration.proxy.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, errServerError, "registration proxy failure")
		return
	}

	p.metrics.ObserveRegistration(metrics.RegistrationOK)
	for k, vs := range reg.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(reg.Status)
	_, _ = w.Write(reg.Body)
}

func forwardHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, k := range strippedHeaders {
		out.Del(k)
	}
	return out
}
