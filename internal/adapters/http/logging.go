package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const serviceName = "cue-passport-service"

func httpLogger() *slog.Logger {
	return slog.Default().With(
		"service", serviceName,
		"module", "http",
		"layer", "adapter",
	)
}

// requestTrail collects what inner handlers learn about a request, such as the authenticated
// user, so the access log written on the way out can carry it.
type requestTrail struct {
	userID string
}

func trailFromContext(ctx context.Context) *requestTrail {
	trail, _ := ctx.Value(ctxKeyTrail).(*requestTrail)
	return trail
}

// requestAttrs are the fields every log line about a request shares.
func requestAttrs(ctx context.Context) []any {
	attrs := []any{"request_id", requestIDFromContext(ctx)}
	if trail := trailFromContext(ctx); trail != nil && trail.userID != "" {
		attrs = append(attrs, "user_id", trail.userID)
	}
	return attrs
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return "unmatched"
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := context.WithValue(r.Context(), ctxKeyTrail, &requestTrail{})
		r = r.WithContext(ctx)
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.status()
		fields := append(requestAttrs(ctx),
			"operation", "http_request",
			"outcome", outcomeFor(statusCode),
			"method", r.Method,
			"route", routePattern(r),
			"path", r.URL.Path,
			"status_code", statusCode,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", readIP(r),
		)
		httpLogger().Log(ctx, levelFor(statusCode), "http request completed", fields...)
	})
}

func outcomeFor(statusCode int) string {
	if statusCode >= 400 {
		return "failure"
	}
	return "success"
}

func levelFor(statusCode int) slog.Level {
	switch {
	case statusCode >= 500:
		return slog.LevelError
	case statusCode >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func logHTTPOperationError(ctx context.Context, operation string, statusCode int, code, message string, err error) {
	fields := append(requestAttrs(ctx),
		"operation", operation,
		"outcome", "failure",
		"status_code", statusCode,
		"error_code", code,
		"message", message,
	)
	if err != nil {
		fields = append(fields, "error", err.Error())
	}
	httpLogger().Log(ctx, levelFor(statusCode), "http operation failed", fields...)
}
