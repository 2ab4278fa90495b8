package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/exotun/exotun/internal/wire"
)

// Handler forwards incoming HTTP requests to a connected agent by dialing a
// virtual stream through the tunnel and writing the request directly onto
// it, the way httputil.ReverseProxy writes onto a real backend connection —
// replacing the teacher's JSON-envelope-over-chunked-frames scheme now that
// the tunnel itself is a raw byte-oriented multiplexer.
type Handler struct {
	pool    *Pool
	timeout time.Duration
	logger  *zap.Logger
}

// NewHandler creates a new forwarding handler.
func NewHandler(pool *Pool, timeout time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pool: pool, timeout: timeout, logger: logger}
}

// ServeHTTP handles incoming requests by forwarding them through the tunnel
// to the upstream named by the request's Host header.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := wire.ParseConnectTarget(r.Host)
	if err != nil {
		http.Error(w, fmt.Sprintf("unrecognised target host %q", r.Host), http.StatusBadGateway)
		return
	}

	connector, err := h.pool.Get(target)
	if err != nil {
		h.logger.Warn("no agent available", zap.Error(err), zap.String("target", target.Host()))
		http.Error(w, "no backend agents connected", http.StatusBadGateway)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stream, err := connector.Connect(ctx, target, wire.CompressionZstd)
	if err != nil {
		h.logger.Warn("tunnel connect failed", zap.Error(err), zap.String("target", target.Host()))
		if reason, ok := err.(wire.RejectionReason); ok && reason.IsUpstreamNotFound() {
			http.Error(w, "unknown upstream", http.StatusNotFound)
			return
		}
		http.Error(w, "tunnel error", http.StatusBadGateway)
		return
	}
	defer stream.Close()

	outReq := r.Clone(ctx)
	outReq.RequestURI = ""
	if err := outReq.Write(stream); err != nil {
		h.logger.Error("writing request onto tunnel stream failed", zap.Error(err))
		http.Error(w, "tunnel error", http.StatusBadGateway)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(stream), r)
	if err != nil {
		h.logger.Error("reading response from tunnel stream failed", zap.Error(err))
		http.Error(w, "invalid response from backend", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Warn("copying response body failed", zap.Error(err))
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
