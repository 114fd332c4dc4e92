package httpapi

import (
	"net/http"

	"github.com/coordinatord/coordinatord/internal/model"
)

// securityHeadersWriter wraps http.ResponseWriter to strip
// version-exposing headers, adapted from the teacher's
// server.headerRemovalWriter (internal/server/middleware.go).
type securityHeadersWriter struct {
	http.ResponseWriter
	written bool
}

func (w *securityHeadersWriter) apply() {
	if w.written {
		return
	}
	w.written = true
	h := w.ResponseWriter.Header()
	h.Del("Server")
	h.Del("X-Powered-By")
	h.Set("Server", "coordinatord")
}

func (w *securityHeadersWriter) WriteHeader(status int) {
	w.apply()
	w.ResponseWriter.WriteHeader(status)
}

func (w *securityHeadersWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.apply()
	}
	return w.ResponseWriter.Write(b)
}

func (w *securityHeadersWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// SecurityHeaders strips the default Go net/http Server header and
// replaces it with a generic value.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapper := &securityHeadersWriter{ResponseWriter: w}
		next.ServeHTTP(wrapper, r)
		wrapper.apply()
	})
}

// RateLimit rejects requests from a caller whose bucket is empty with
// a RATE_LIMITED envelope, keyed by the X-Agent-ID header (falling
// back to the remote address for unauthenticated callers).
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || s.limiter.ExcludedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-Agent-ID")
		if key == "" {
			key = r.RemoteAddr
		}
		if !s.limiter.Allow(key) {
			respond(w, http.StatusTooManyRequests, model.Fail(model.ErrRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
