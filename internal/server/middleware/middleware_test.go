package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLimiter struct {
	keys []string
	err  error
}

func (l *recordingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return true, l.err
}

func (l *recordingLimiter) Wait(context.Context, string, int, time.Duration) error { return nil }

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", clientIP(r))

	r.Header.Set("X-Real-IP", "172.16.0.2")
	assert.Equal(t, "172.16.0.2", clientIP(r))

	r.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(r))
}

func TestRateLimitBuckets(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lim := &recordingLimiter{}
	h := Auth([]string{"k1"})(RateLimit(lim, 10, time.Minute, logger)(http.HandlerFunc(ok)))
	open := RateLimit(lim, 10, time.Minute, logger)(http.HandlerFunc(ok))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer k1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusNoContent, rec.Code)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	open.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, []string{"ratelimit:api:key:" + Fingerprint("k1"), "ratelimit:api:ip:192.0.2.1"}, lim.keys)

	t.Run("limiter errors fail open", func(t *testing.T) {
		lim.err = errors.New("redis down")
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestAuthWithoutKeysPassesThrough(t *testing.T) {
	var seen string
	h := Auth([]string{"", "  "})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = KeyID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, seen)
	assert.Len(t, Fingerprint("k1"), 8)
	assert.NotEqual(t, Fingerprint("k1"), Fingerprint("k2"))
}
