package agent

import (
	"bufio"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/exotun/exotun/internal/mixedchannel"
)

// InternalHandlers is the agent-local registry of named in-process HTTP
// handlers reachable as Internal(name) connect targets (spec.md §4.4's
// "internal handler sink").
type InternalHandlers struct {
	mu       sync.RWMutex
	handlers map[string]http.Handler
	logger   *zap.Logger
}

// NewInternalHandlers creates an empty registry.
func NewInternalHandlers(logger *zap.Logger) *InternalHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InternalHandlers{handlers: make(map[string]http.Handler), logger: logger}
}

// Register binds name to handler. Safe to call before or after Run starts.
func (h *InternalHandlers) Register(name string, handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = handler
}

// Names returns the currently-registered handler names, for advertising in
// TunnelHello.Internals.
func (h *InternalHandlers) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.handlers))
	for n := range h.handlers {
		names = append(names, n)
	}
	return names
}

// Dispatch reads one HTTP request off conn, serves it against the named
// handler, writes the response back, and closes conn. It matches the
// agenttun.InternalSink signature.
func (h *InternalHandlers) Dispatch(name string, conn *mixedchannel.End) {
	defer conn.Close()

	h.mu.RLock()
	handler, ok := h.handlers[name]
	h.mu.RUnlock()
	if !ok {
		fmt.Fprint(conn, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
		return
	}

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		h.logger.Warn("reading internal handler request failed", zap.Error(err), zap.String("name", name))
		return
	}

	rw := newStreamResponseWriter(conn)
	handler.ServeHTTP(rw, req)
	rw.finish()
}

// streamResponseWriter is a minimal http.ResponseWriter that streams
// directly onto an io.Writer instead of buffering the whole response, since
// an internal handler's target is a one-shot request/response duplex, not a
// keep-alive connection.
type streamResponseWriter struct {
	w           *bufio.Writer
	header      http.Header
	wroteHeader bool
	status      int
}

func newStreamResponseWriter(w *mixedchannel.End) *streamResponseWriter {
	return &streamResponseWriter{w: bufio.NewWriter(w), header: make(http.Header)}
}

func (s *streamResponseWriter) Header() http.Header { return s.header }

func (s *streamResponseWriter) Write(p []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.w.Write(p)
}

func (s *streamResponseWriter) WriteHeader(status int) {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	s.status = status
	s.header.Set("Connection", "close")
	fmt.Fprintf(s.w, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	s.header.Write(s.w)
	fmt.Fprint(s.w, "\r\n")
}

func (s *streamResponseWriter) finish() {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	s.w.Flush()
}
