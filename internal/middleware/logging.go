package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/loyaltywallet/internal/auth"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController and the
// websocket upgrader.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// RequestCounter receives one call per finished request.
type RequestCounter interface {
	Request(method string, status int)
}

// RequestLogger returns middleware that logs each HTTP request with method,
// path, status code, duration, remote IP and, once authenticated, the caller.
// counter may be nil.
func RequestLogger(logger *slog.Logger, counter RequestCounter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// Inner middleware stores the caller on a derived request, so
			// collect it through a holder placed on this one.
			holder := &callerHolder{}
			next.ServeHTTP(rec, r.WithContext(withHolder(r.Context(), holder)))

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", RealIP(r)),
			}
			if holder.caller.ID != "" {
				attrs = append(attrs, slog.String("caller", string(holder.caller.Role)+":"+holder.caller.ID))
			}
			if counter != nil {
				counter.Request(r.Method, rec.status)
			}

			switch {
			case rec.status >= 500:
				logger.LogAttrs(r.Context(), slog.LevelError, "request", attrs...)
			case rec.status >= 400:
				logger.LogAttrs(r.Context(), slog.LevelWarn, "request", attrs...)
			default:
				logger.LogAttrs(r.Context(), slog.LevelInfo, "request", attrs...)
			}
		})
	}
}

type callerHolder struct {
	caller auth.Caller
}

type holderKey struct{}

func withHolder(ctx context.Context, h *callerHolder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

// noteCaller records the authenticated caller for the request logger.
func noteCaller(r *http.Request, c auth.Caller) {
	if h, ok := r.Context().Value(holderKey{}).(*callerHolder); ok {
		h.caller = c
	}
}
