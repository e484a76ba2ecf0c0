// Package protected provides the handlers that sit behind the
// authentication gate: a reverse proxy to an upstream MCP server and a
// built-in MCP endpoint.
package protected

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/ggoodman/mcp-gateway/auth"
)

// ForwardedUserHeader carries the verified subject to the upstream server.
const ForwardedUserHeader = "X-Forwarded-User"

// ForwardedAuthMethodHeader names the verification path (jws or jwe).
const ForwardedAuthMethodHeader = "X-Forwarded-Auth-Method"

// ReverseProxy forwards authenticated requests to target. Identity headers
// supplied by the client are replaced with the verified ones.
func ReverseProxy(target string, log *slog.Logger) (http.Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			pr.Out.Header.Del(ForwardedUserHeader)
			pr.Out.Header.Del(ForwardedAuthMethodHeader)
			ui, ok := auth.UserInfoFromContext(pr.In.Context())
			if !ok {
				return
			}
			pr.Out.Header.Set(ForwardedUserHeader, ui.UserID())
			if vu, ok := ui.(*auth.VerifiedUser); ok {
				pr.Out.Header.Set(ForwardedAuthMethodHeader, string(vu.Method()))
			}
		},
		// Streamable HTTP responses are event streams.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, r.Context().Err()) {
				return
			}
			log.ErrorContext(r.Context(), "upstream.proxy.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return rp, nil
}
