package httpadapter

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
)

const requestIDHeader = "X-Request-Id"

// maxRequestIDLen bounds client-supplied IDs before they reach the logs.
const maxRequestIDLen = 128

// requestIDMiddleware accepts a caller's X-Request-Id or mints one, echoes
// it back and binds it to the request logger.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithAttrs(r.Context(), "request_id", id)))
	})
}

func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		obs := &responseObserver{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(obs, r)

		level := slog.LevelInfo
		switch {
		case obs.status >= http.StatusInternalServerError:
			level = slog.LevelError
		case obs.status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case isProbePath(r.URL.Path):
			level = slog.LevelDebug
		}
		logging.FromContext(r.Context()).Log(r.Context(), level, "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", obs.status,
			"duration_ms", time.Since(started).Milliseconds(),
			"bytes", obs.written,
			"remote_addr", clientHost(r.RemoteAddr),
		)
	})
}

func isProbePath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}

func clientHost(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// responseObserver records the status and body size of a response.
type responseObserver struct {
	http.ResponseWriter
	status  int
	written int64
}

func (o *responseObserver) WriteHeader(status int) {
	o.status = status
	o.ResponseWriter.WriteHeader(status)
}

func (o *responseObserver) Write(b []byte) (int, error) {
	n, err := o.ResponseWriter.Write(b)
	o.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (o *responseObserver) Unwrap() http.ResponseWriter {
	return o.ResponseWriter
}
