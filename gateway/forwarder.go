// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/credgate/credgate/lib/store"
)

// Forwarder relays an allowed request to its upstream with the real
// credential headers injected, and streams the response back to the
// sandboxed caller. It never buffers responses: SSE streams from LLM
// APIs are long-lived and must flush chunk by chunk.
type Forwarder struct {
	client *http.Client
	logger *slog.Logger
}

// NewForwarder builds a forwarder with a shared upstream client.
// The client has no overall timeout (SSE streams are long-lived;
// per-request cancellation comes from the caller's context) and does
// not follow redirects, so upstream Location headers pass through to
// the caller untouched.
func NewForwarder(logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Forwarder{
		client: &http.Client{
			Timeout:   0,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Forward sends the request to cfg.Target with forwardPath appended
// and relays the response. body is the already-buffered request body
// when the pipeline consumed it for policy evaluation; when body is
// nil the original r.Body streams through untouched.
//
// A transport-level failure returns an error wrapping ErrUpstream and
// writes nothing, so the caller can map it to a 502. Once response
// headers are written, errors are only logged.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, cfg *store.UpstreamConfig, forwardPath string, body []byte) error {
	start := time.Now()

	target, err := url.Parse(cfg.Target)
	if err != nil {
		return fmt.Errorf("parsing target for upstream %q: %w", cfg.Name, err)
	}
	upstreamURL := *target
	upstreamURL.Path = singleJoiningSlash(target.Path, forwardPath)
	upstreamURL.RawQuery = r.URL.RawQuery

	var reqBody io.Reader = r.Body
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("building upstream request: %w", err)
	}
	if body != nil {
		upstreamReq.ContentLength = int64(len(body))
	}

	// Copy caller headers, minus hop-by-hop headers and any
	// caller-supplied credentials. The proxy token must never reach
	// the upstream; if the upstream needs auth, cfg.Headers carries
	// the real credential.
	for key, values := range r.Header {
		if isHopByHopHeader(key) || isCallerAuthHeader(key) {
			continue
		}
		for _, value := range values {
			upstreamReq.Header.Add(key, value)
		}
	}

	// Injected headers win over anything the caller sent.
	for name, value := range cfg.Headers {
		upstreamReq.Header.Set(name, value)
	}

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		f.logger.Error("upstream request failed",
			"upstream", cfg.Name,
			"method", r.Method,
			"path", forwardPath,
			"error", err,
			"duration", time.Since(start),
		)
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if cfg.ResponseTransform != nil {
		if err := cfg.ResponseTransform(resp); err != nil {
			f.logger.Error("response transform failed",
				"upstream", cfg.Name,
				"error", err,
			)
			return fmt.Errorf("%w: response transform: %v", ErrUpstream, err)
		}
	}

	for key, values := range resp.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		f.streamSSE(w, resp, cfg.Name, start)
		return nil
	}

	w.WriteHeader(resp.StatusCode)
	copied, _ := io.Copy(w, resp.Body)
	f.logger.Info("proxy complete",
		"upstream", cfg.Name,
		"method", r.Method,
		"path", forwardPath,
		"status", resp.StatusCode,
		"bytes", copied,
		"duration", time.Since(start),
	)
	return nil
}

// streamSSE relays a Server-Sent Events response, flushing after each
// chunk so the sandboxed caller sees tokens as the upstream emits
// them rather than after the stream buffers.
func (f *Forwarder) streamSSE(w http.ResponseWriter, resp *http.Response, upstream string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		f.logger.Error("response writer does not support streaming", "upstream", upstream)
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()

	buffer := make([]byte, 4096)
	var total int64
	for {
		n, err := resp.Body.Read(buffer)
		if n > 0 {
			written, writeErr := w.Write(buffer[:n])
			if writeErr != nil {
				f.logger.Warn("client disconnected during SSE stream",
					"upstream", upstream,
					"bytes_sent", total,
					"duration", time.Since(start),
				)
				return
			}
			total += int64(written)
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				f.logger.Warn("upstream error during SSE stream",
					"upstream", upstream,
					"error", err,
					"bytes_sent", total,
				)
			}
			break
		}
	}

	f.logger.Info("proxy SSE complete",
		"upstream", upstream,
		"status", resp.StatusCode,
		"bytes", total,
		"duration", time.Since(start),
	)
}

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// isCallerAuthHeader reports whether the header carries the caller's
// credentials to the proxy itself. These never forward upstream.
func isCallerAuthHeader(name string) bool {
	return strings.EqualFold(name, "Authorization")
}

// singleJoiningSlash joins two URL paths with a single slash.
func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}
