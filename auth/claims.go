package auth

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Claims is a decoded token payload. Values keep their JSON shapes
// (string, float64, bool, []any, map[string]any) since identity providers
// add arbitrary members.
type Claims map[string]any

// Clone returns a shallow copy of the claim set.
func (c Claims) Clone() Claims {
	if c == nil {
		return nil
	}
	dup := make(Claims, len(c))
	for k, v := range c {
		dup[k] = v
	}
	return dup
}

func (c Claims) str(name string) string {
	s, _ := c[name].(string)
	return s
}

// Subject returns the "sub" claim or "".
func (c Claims) Subject() string { return c.str("sub") }

// Issuer returns the "iss" claim or "".
func (c Claims) Issuer() string { return c.str("iss") }

// Audience returns the "aud" claim normalized to a list. A single string
// audience yields a one-element list.
func (c Claims) Audience() []string { return stringOrList(c["aud"], false) }

// Scopes returns the "scope" claim normalized to a list. A string scope is
// split on whitespace.
func (c Claims) Scopes() []string { return stringOrList(c["scope"], true) }

// ExpiresAt returns the "exp" claim. ok is false when absent or not numeric.
func (c Claims) ExpiresAt() (t time.Time, ok bool) { return numericDate(c["exp"]) }

// NotBefore returns the "nbf" claim. ok is false when absent or not numeric.
func (c Claims) NotBefore() (t time.Time, ok bool) { return numericDate(c["nbf"]) }

func stringOrList(v any, split bool) []string {
	switch vv := v.(type) {
	case string:
		if split {
			return strings.Fields(vv)
		}
		if vv == "" {
			return nil
		}
		return []string{vv}
	case []string:
		return append([]string(nil), vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func numericDate(v any) (time.Time, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return time.Time{}, false
		}
		f = parsed
	default:
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}
