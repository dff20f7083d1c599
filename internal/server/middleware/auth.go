// Package middleware holds the ops server's request chain: key auth, per-key
// rate limiting and access logging.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// requestInfo is shared by the chain of one request. Logging installs it
// before routing so it can report what the inner layers learned.
type requestInfo struct {
	keyID string
}

type infoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(infoKey{}).(*requestInfo)
	return info
}

// withInfo returns r carrying a requestInfo, reusing one already installed.
func withInfo(r *http.Request) (*http.Request, *requestInfo) {
	if info := infoFrom(r.Context()); info != nil {
		return r, info
	}
	info := &requestInfo{}
	return r.WithContext(context.WithValue(r.Context(), infoKey{}, info)), info
}

// KeyID returns the fingerprint of the API key that authenticated the
// request, or "" when auth is off or has not run.
func KeyID(ctx context.Context) string {
	if info := infoFrom(ctx); info != nil {
		return info.keyID
	}
	return ""
}

// Fingerprint is the short public id of an API key used in logs and rate
// limit buckets.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}

type apiKey struct {
	secret []byte
	id     string
}

// Auth accepts a request when its Bearer token or X-API-Key header matches
// any of keys, so an old and a new key can both be live during rotation.
// Blank keys are ignored; with no keys left every request passes.
func Auth(keys []string) func(http.Handler) http.Handler {
	var accepted []apiKey
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			accepted = append(accepted, apiKey{secret: []byte(k), id: Fingerprint(k)})
		}
	}
	return func(next http.Handler) http.Handler {
		if len(accepted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerOrHeader(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			// Every key is compared so the match position does not leak.
			matched := ""
			for _, k := range accepted {
				if subtle.ConstantTimeCompare([]byte(token), k.secret) == 1 {
					matched = k.id
				}
			}
			if matched == "" {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			r, info := withInfo(r)
			info.keyID = matched
			next.ServeHTTP(w, r)
		})
	}
}

func bearerOrHeader(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
