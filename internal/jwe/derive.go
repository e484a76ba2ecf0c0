// Package jwe decrypts compact JWE tokens that an identity provider
// encrypted directly with a client secret ("alg":"dir").
//
// Providers disagree on how a client secret becomes a content-encryption
// key, so every secret is expanded into an ordered list of candidate keys
// and each candidate is tried until one authenticates.
package jwe

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// KeySize is the key length required by A256GCM.
const KeySize = 32

// Derivation names the rule that produced a candidate key. The names are
// stable and appear in logs.
type Derivation string

const (
	DerivationBase64URL Derivation = "base64url-decoded"
	DerivationSHA256    Derivation = "sha256-hash"
	DerivationDirect    Derivation = "utf8-direct"
	DerivationTruncated Derivation = "utf8-truncated"
	DerivationRaw       Derivation = "raw"
)

// Candidate is one key derived from a client secret.
type Candidate struct {
	Method Derivation
	Key    []byte
}

// DeriveKeys expands a secret into candidate keys, in this order:
//
//	base64url-decoded  only when the decoded secret is exactly 32 bytes
//	sha256-hash        always
//	utf8-direct        only when the secret is exactly 32 bytes
//	utf8-truncated     the first 32 bytes, when the secret is at least 32 bytes
//	raw                always
//
// Candidates are not de-duplicated: a 32-byte secret yields identical
// utf8-direct, utf8-truncated and raw keys.
func DeriveKeys(secret string) []Candidate {
	raw := []byte(secret)
	out := make([]Candidate, 0, 5)

	if decoded, ok := decodeBase64URL(secret); ok && len(decoded) == KeySize {
		out = append(out, Candidate{Method: DerivationBase64URL, Key: decoded})
	}

	sum := sha256.Sum256(raw)
	out = append(out, Candidate{Method: DerivationSHA256, Key: sum[:]})

	if len(raw) == KeySize {
		out = append(out, Candidate{Method: DerivationDirect, Key: clone(raw)})
	}
	if len(raw) >= KeySize {
		out = append(out, Candidate{Method: DerivationTruncated, Key: clone(raw[:KeySize])})
	}
	out = append(out, Candidate{Method: DerivationRaw, Key: clone(raw)})
	return out
}

// stdToURL maps the standard base64 alphabet onto the URL-safe one.
var stdToURL = strings.NewReplacer("+", "-", "/", "_")

// decodeBase64URL accepts padded or unpadded input in either the URL-safe
// or the standard alphabet, so secrets from `openssl rand -base64 32`
// decode too.
func decodeBase64URL(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	b, err := base64.RawURLEncoding.DecodeString(stdToURL.Replace(strings.TrimRight(s, "=")))
	if err != nil {
		return nil, false
	}
	return b, true
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }
