package jwe

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/ggoodman/mcp-gateway/auth"
)

var (
	keyAlgorithms      = []jose.KeyAlgorithm{jose.DIRECT}
	contentEncryptions = []jose.ContentEncryption{jose.A256GCM, jose.A192GCM, jose.A128GCM}
)

// ErrNoSecrets is the cause of a DecryptionError when no secrets were offered.
var ErrNoSecrets = errors.New("jwe: no client secrets configured")

// DecryptionError reports that every (secret, derivation) pair failed.
type DecryptionError struct {
	Attempts int
	Last     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("jwe: decryption failed after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *DecryptionError) Unwrap() error { return e.Last }

// Option configures a Decryptor.
type Option func(*Decryptor)

// WithLogger sets the logger used for per-attempt diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decryptor) { d.log = l }
}

// Decryptor decrypts compact JWE tokens with candidate keys derived from
// client secrets. It is stateless and safe for concurrent use.
type Decryptor struct {
	log *slog.Logger
}

// NewDecryptor constructs a Decryptor.
func NewDecryptor(opts ...Option) *Decryptor {
	d := &Decryptor{log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Decrypt tries each secret, in order, with each of its derived keys, in
// order. The first authenticated decryption wins and its payload is returned
// as claims. A payload that is itself a compact JWS has its claims segment
// decoded without further verification.
func (d *Decryptor) Decrypt(token string, secrets []string) (auth.Claims, error) {
	if len(secrets) == 0 {
		return nil, &DecryptionError{Last: ErrNoSecrets}
	}
	obj, err := jose.ParseEncryptedCompact(token, keyAlgorithms, contentEncryptions)
	if err != nil {
		return nil, &DecryptionError{Last: fmt.Errorf("parse: %w", err)}
	}

	attempts := 0
	var last error
	for i, secret := range secrets {
		for _, c := range DeriveKeys(secret) {
			attempts++
			plaintext, err := obj.Decrypt(c.Key)
			if err != nil {
				last = err
				d.log.Debug("jwe.decrypt.attempt",
					slog.Int("secret_index", i),
					slog.String("method", string(c.Method)),
					slog.Int("key_len", len(c.Key)),
					slog.String("err", err.Error()),
				)
				continue
			}
			claims, err := decodePayload(plaintext)
			if err != nil {
				// Authenticated decryption succeeded so no other key will do better.
				return nil, &DecryptionError{Attempts: attempts, Last: err}
			}
			d.log.Debug("jwe.decrypt.ok", slog.Int("secret_index", i), slog.String("method", string(c.Method)))
			return claims, nil
		}
	}
	return nil, &DecryptionError{Attempts: attempts, Last: last}
}

func decodePayload(plaintext []byte) (auth.Claims, error) {
	trimmed := bytes.TrimSpace(plaintext)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		parts := strings.Split(string(trimmed), ".")
		if len(parts) != 3 {
			return nil, errors.New("jwe: payload is neither a JSON object nor a compact JWS")
		}
		seg, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("jwe: nested token payload: %w", err)
		}
		trimmed = seg
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var claims auth.Claims
	if err := dec.Decode(&claims); err != nil {
		return nil, fmt.Errorf("jwe: payload: %w", err)
	}
	if claims == nil {
		return nil, errors.New("jwe: payload is not a JSON object")
	}
	return claims, nil
}
