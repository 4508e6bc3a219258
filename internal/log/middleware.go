package log

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ContextKey type for context keys
type ContextKey string

const (
	// LoggerContextKey is the context key for the logger
	LoggerContextKey ContextKey = "logger"
)

// Middleware logs the start and completion of every request and stores a
// request-scoped logger in the context. requestID and clientIP may be nil.
func Middleware(logger *Logger, requestID, clientIP func(*http.Request) string) func(http.Handler) http.Handler {
	base := logger.WithComponent(ComponentHTTP)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqLogger := base
			var id, ip string
			if requestID != nil {
				id = requestID(r)
				reqLogger = reqLogger.With(FieldRequestID, id)
			}
			if clientIP != nil {
				ip = clientIP(r)
			}

			ctx := context.WithValue(r.Context(), LoggerContextKey, reqLogger)
			r = r.WithContext(ctx)

			reqLogger.DebugContext(ctx, "HTTP request started",
				NewFields().
					WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("User-Agent")).
					ToSlice()...)

			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			level := slog.LevelInfo
			if rw.statusCode >= 400 && rw.statusCode < 500 {
				level = slog.LevelWarn
			} else if rw.statusCode >= 500 {
				level = slog.LevelError
			}

			fields := NewFields().
				WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, "").
				WithHTTPResponse(rw.statusCode, time.Since(start).Milliseconds())
			if ip != "" {
				fields[FieldClientIP] = ip
			}
			reqLogger.Logger.Log(ctx, level, "HTTP request completed",
				reqLogger.attrs(fields.ToSlice())...)
		})
	}
}

// FromContext extracts a logger from the request context
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return logger
	}
	return Default()
}

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}
