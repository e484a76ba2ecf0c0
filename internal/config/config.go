// Package config loads gateway configuration from, in increasing
// precedence, built-in defaults, environment variables, a YAML file and
// explicit overrides (command-line flags).
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/invopop/jsonschema"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/secrets"
)

// DefaultSearchPaths are tried in order when no file is named explicitly.
var DefaultSearchPaths = []string{"/etc/mcp/oidc.yaml", "/config/oidc.yaml", "./oidc.yaml"}

// Defaults.
const (
	DefaultListen         = ":3000"
	DefaultRealm          = "MCP API"
	DefaultJWKSCacheTTL   = time.Hour
	DefaultDCRSecretsFile = "/etc/mcp/secrets/dcr-captured-secrets.yaml"
)

// DefaultExcludePaths bypass authentication.
var DefaultExcludePaths = []string{"/healthz", "/readyz", "/.well-known/", "/metrics"}

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full gateway configuration. Field names in the YAML file
// match the yaml tags; environment variables match the env tags.
type Config struct {
	Issuer        string `yaml:"issuer,omitempty" env:"OIDC_ISSUER" json:"issuer,omitempty" jsonschema:"description=Upstream OIDC issuer URL"`
	Audience      string `yaml:"audience,omitempty" env:"OIDC_AUDIENCE" json:"audience,omitempty" jsonschema:"description=Expected aud claim (this gateway's resource identifier)"`
	JWKSURI       string `yaml:"jwks_uri,omitempty" env:"OIDC_JWKS_URI" json:"jwks_uri,omitempty" jsonschema:"description=Override for the discovered jwks_uri"`
	DCRProxyURL   string `yaml:"dcr_proxy_url,omitempty" env:"DCR_PROXY_URL" json:"dcr_proxy_url,omitempty" jsonschema:"description=Registration endpoint used when the issuer does not advertise one"`
	RequiredScope string `yaml:"scope,omitempty" env:"OIDC_SCOPE" json:"scope,omitempty" jsonschema:"description=Scope every token must carry; empty disables the check"`

	ClientSecrets     secrets.List `yaml:"client_secrets,omitempty" json:"client_secrets,omitempty" jsonschema:"description=Inline client secrets for JWE decryption"`
	ClientSecretsFile string       `yaml:"client_secrets_file,omitempty" env:"OIDC_CLIENT_SECRETS_FILE" json:"client_secrets_file,omitempty" jsonschema:"description=YAML file with client_secrets; also the persistence target for captured secrets"`
	DCRSecretsFile    string       `yaml:"dcr_secrets_file,omitempty" env:"DCR_SECRETS_FILE" json:"dcr_secrets_file,omitempty" jsonschema:"description=Where captured secrets are persisted when client_secrets_file is unset"`
	WatchSecrets      bool         `yaml:"watch_secrets,omitempty" env:"MCP_WATCH_SECRETS" json:"watch_secrets,omitempty" jsonschema:"description=Reload secret files when they change"`

	Leeway       time.Duration `yaml:"leeway,omitempty" env:"OIDC_LEEWAY" json:"leeway,omitempty" jsonschema:"description=Clock skew tolerance for exp/nbf"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl,omitempty" env:"OIDC_JWKS_CACHE_TTL" json:"jwks_cache_ttl,omitempty" jsonschema:"description=How long fetched keys are served before refetching"`

	Listen         string   `yaml:"listen,omitempty" env:"MCP_LISTEN_ADDR" json:"listen,omitempty"`
	PublicURL      string   `yaml:"public_url,omitempty" env:"MCP_PUBLIC_URL" json:"public_url,omitempty" jsonschema:"description=Externally visible base URL of the gateway"`
	Realm          string   `yaml:"realm,omitempty" env:"MCP_AUTH_REALM" json:"realm,omitempty"`
	ExcludePaths   []string `yaml:"exclude_paths,omitempty" env:"MCP_AUTH_EXCLUDE_PATHS" json:"exclude_paths,omitempty" jsonschema:"description=Gateway-owned path prefixes served without authentication; never forwarded upstream"`
	UpstreamMCPURL string   `yaml:"upstream_mcp_url,omitempty" env:"MCP_UPSTREAM_URL" json:"upstream_mcp_url,omitempty" jsonschema:"description=MCP server that authenticated requests are proxied to; empty serves the built-in endpoint"`

	RedisAddr      string `yaml:"redis_addr,omitempty" env:"REDIS_ADDR" json:"redis_addr,omitempty" jsonschema:"description=Persist captured secrets in Redis instead of a file"`
	RedisKeyPrefix string `yaml:"redis_key_prefix,omitempty" env:"SECRETS_KEY_PREFIX" json:"redis_key_prefix,omitempty"`
}

// Defaults returns the built-in configuration layer.
func Defaults() Config {
	return Config{
		DCRSecretsFile: DefaultDCRSecretsFile,
		JWKSCacheTTL:   DefaultJWKSCacheTTL,
		Listen:         DefaultListen,
		Realm:          DefaultRealm,
		ExcludePaths:   append([]string(nil), DefaultExcludePaths...),
	}
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Path names the YAML file. When set it must exist.
	Path string
	// SearchPaths replaces DefaultSearchPaths when Path is empty.
	SearchPaths []string
	// Overrides is the highest-precedence layer; zero fields are ignored.
	Overrides Config
	// SkipEnv disables the environment layer.
	SkipEnv bool
}

// Load resolves the layered configuration. It returns the file actually
// read, or "" if none was found.
func Load(opts LoadOptions) (*Config, string, error) {
	var cfg Config
	if !opts.SkipEnv {
		if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil, "", fmt.Errorf("config: env: %w", err)
		}
	}

	file, path, err := readFile(opts)
	if err != nil {
		return nil, "", err
	}
	if file != nil {
		if err := mergo.Merge(&cfg, *file, mergo.WithOverride); err != nil {
			return nil, "", fmt.Errorf("config: merge file: %w", err)
		}
	}
	if err := mergo.Merge(&cfg, opts.Overrides, mergo.WithOverride); err != nil {
		return nil, "", fmt.Errorf("config: merge overrides: %w", err)
	}
	if err := mergo.Merge(&cfg, Defaults()); err != nil {
		return nil, "", fmt.Errorf("config: merge defaults: %w", err)
	}
	cfg.RequiredScope = strings.TrimSpace(cfg.RequiredScope)
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return &cfg, path, nil
}

func readFile(opts LoadOptions) (*Config, string, error) {
	if opts.Path != "" {
		c, err := Parse(opts.Path)
		if err != nil {
			return nil, "", err
		}
		return c, opts.Path, nil
	}
	search := opts.SearchPaths
	if search == nil {
		search = DefaultSearchPaths
	}
	for _, p := range search {
		c, err := Parse(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return c, p, nil
	}
	return nil, "", nil
}

// Parse reads one YAML configuration file. Unknown keys are rejected.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var c Config
	if len(bytes.TrimSpace(b)) == 0 {
		return &c, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	var missing []string
	if c.Issuer == "" {
		missing = append(missing, "issuer (OIDC_ISSUER)")
	}
	if c.Audience == "" {
		missing = append(missing, "audience (OIDC_AUDIENCE)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	if c.Leeway < 0 || c.JWKSCacheTTL < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	return nil
}

// ProviderConfig derives the immutable provider description.
func (c *Config) ProviderConfig() auth.ProviderConfig {
	p := auth.ProviderConfig{
		Issuer:        c.Issuer,
		Audience:      c.Audience,
		JWKSURI:       c.JWKSURI,
		DCRProxyURL:   c.DCRProxyURL,
		RequiredScope: c.RequiredScope,
		Leeway:        c.Leeway,
	}
	p.Normalize()
	return p
}

// SecretSources lists the YAML files secrets are loaded from, in order.
func (c *Config) SecretSources() []string {
	var out []string
	if c.ClientSecretsFile != "" {
		out = append(out, c.ClientSecretsFile)
	}
	if c.DCRSecretsFile != "" && c.DCRSecretsFile != c.ClientSecretsFile {
		out = append(out, c.DCRSecretsFile)
	}
	return out
}

// PersistPath is the file captured secrets are written to.
func (c *Config) PersistPath() string {
	if c.ClientSecretsFile != "" {
		return c.ClientSecretsFile
	}
	return c.DCRSecretsFile
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if len(c.ClientSecrets) > 0 {
		masked := make(secrets.List, len(c.ClientSecrets))
		for i := range masked {
			masked[i] = "<redacted>"
		}
		c.ClientSecrets = masked
	}
	c.ExcludePaths = append([]string(nil), c.ExcludePaths...)
	return c
}

// Schema returns the JSON Schema of the configuration file.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  false,
	}
	s := r.Reflect(&Config{})
	s.Title = "mcp-gateway configuration"
	return json.MarshalIndent(s, "", "  ")
}
