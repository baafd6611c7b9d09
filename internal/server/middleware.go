package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// SecurityHeadersMiddleware strips version-revealing response headers
// and sets a generic Server header, so a port scan can't fingerprint
// the Go runtime or this daemon's version from an HTTP response.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapper := &headerRemovalWriter{ResponseWriter: w}
		next.ServeHTTP(wrapper, r)
		wrapper.writeSecurityHeaders()
	})
}

// headerRemovalWriter lazily applies writeSecurityHeaders before the
// first byte or status code leaves the handler.
type headerRemovalWriter struct {
	http.ResponseWriter
	headerWritten bool
}

func (w *headerRemovalWriter) WriteHeader(statusCode int) {
	w.writeSecurityHeaders()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *headerRemovalWriter) Write(b []byte) (int, error) {
	w.writeSecurityHeaders()
	return w.ResponseWriter.Write(b)
}

func (w *headerRemovalWriter) writeSecurityHeaders() {
	if w.headerWritten {
		return
	}
	w.headerWritten = true
	h := w.ResponseWriter.Header()
	h.Del("X-Powered-By")
	h.Set("Server", "space")
}

// Flush implements http.Flusher so SSE-style streaming still works
// through this wrapper.
func (w *headerRemovalWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker: the live-tail WebSocket upgrade type-
// asserts for this, and would otherwise fail through the wrapper.
func (w *headerRemovalWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("server: underlying ResponseWriter does not support hijacking")
	}
	return hijacker.Hijack()
}
