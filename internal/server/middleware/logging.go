package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// Observer receives one call per finished request. route is the matched
// ServeMux pattern, or "unmatched".
type Observer func(route string, status int, elapsed time.Duration)

// Logging logs every request by its route pattern rather than its raw path,
// so trader addresses and asset ids do not fan out log cardinality. Routes in
// quiet (health checks, scrapes) are logged at debug. observe may be nil.
func Logging(logger *slog.Logger, observe Observer, quiet ...string) func(http.Handler) http.Handler {
	debug := make(map[string]bool, len(quiet))
	for _, q := range quiet {
		debug[q] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			r, info := withInfo(r)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			if observe != nil {
				observe(route, rec.status, elapsed)
			}

			level := slog.LevelInfo
			switch {
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case debug[route]:
				level = slog.LevelDebug
			}
			attrs := []slog.Attr{
				slog.String("route", route),
				slog.Int("status", rec.status),
				slog.Int64("bytes", rec.bytes),
				slog.Duration("elapsed", elapsed),
			}
			if info.keyID != "" {
				attrs = append(attrs, slog.String("key_id", info.keyID))
			}
			logger.LogAttrs(r.Context(), level, "http request", attrs...)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.wroteHeader {
		rec.status = code
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.wroteHeader = true
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *statusRecorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }
