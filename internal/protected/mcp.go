package protected

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	sdkauth "github.com/modelcontextprotocol/go-sdk/auth"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
)

// MCPPath is where the built-in MCP endpoint is mounted.
const MCPPath = "/mcp"

// Identity is the structured result of the whoami tool.
type Identity struct {
	Subject  string   `json:"subject"`
	Method   string   `json:"method,omitempty"`
	Issuer   string   `json:"issuer,omitempty"`
	Audience []string `json:"audience,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

type whoamiArgs struct{}

// MCPServer returns the built-in MCP endpoint. It exposes a single
// "whoami" tool reporting the verified caller and expects to run behind
// the authentication gate.
func MCPServer(name, version string, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	srv := sdk.NewServer(&sdk.Implementation{Name: name, Version: version}, nil)
	sdk.AddTool(srv, &sdk.Tool{
		Name:        "whoami",
		Description: "Report the identity established by the gateway for this caller",
	}, func(ctx context.Context, req *sdk.CallToolRequest, _ whoamiArgs) (*sdk.CallToolResult, Identity, error) {
		ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: "whoami"})
		id := identityFrom(req)
		log.InfoContext(ctx, "tool.call", slog.String("sub", id.Subject))
		return nil, id, nil
	})

	stream := sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server { return srv }, nil)
	mux := http.NewServeMux()
	mux.Handle(MCPPath, sdkauth.RequireBearerToken(bridgeVerifier, nil)(stream))
	return mux
}

// bridgeVerifier hands the identity established by the gate to the SDK,
// which copies it into every request it dispatches.
func bridgeVerifier(ctx context.Context, _ string, _ *http.Request) (*sdkauth.TokenInfo, error) {
	ui, ok := auth.UserInfoFromContext(ctx)
	if !ok {
		return nil, sdkauth.ErrInvalidToken
	}
	return tokenInfo(ui, time.Now()), nil
}

func tokenInfo(ui auth.UserInfo, now time.Time) *sdkauth.TokenInfo {
	ti := &sdkauth.TokenInfo{
		// Tokens without exp are accepted upstream; the SDK insists on one.
		Expiration: now.Add(time.Minute),
		Extra:      map[string]any{"sub": ui.UserID()},
	}
	vu, ok := ui.(*auth.VerifiedUser)
	if !ok {
		return ti
	}
	claims := vu.RawClaims()
	ti.Scopes = claims.Scopes()
	if exp, ok := claims.ExpiresAt(); ok && exp.After(now) {
		ti.Expiration = exp
	}
	ti.Extra["method"] = string(vu.Method())
	ti.Extra["iss"] = claims.Issuer()
	ti.Extra["aud"] = claims.Audience()
	return ti
}

func identityFrom(req *sdk.CallToolRequest) Identity {
	if req == nil || req.Extra == nil || req.Extra.TokenInfo == nil {
		return Identity{}
	}
	ti := req.Extra.TokenInfo
	id := Identity{Scopes: ti.Scopes}
	id.Subject, _ = ti.Extra["sub"].(string)
	id.Method, _ = ti.Extra["method"].(string)
	id.Issuer, _ = ti.Extra["iss"].(string)
	id.Audience, _ = ti.Extra["aud"].([]string)
	return id
}
