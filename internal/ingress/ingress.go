// Package ingress validates and forwards the server-push event stream.
//
// A raw stream reader cannot distinguish "no data yet" from "the server
// rejected us and sent an error page": both look like a connection with no
// event framing. The proxy in this package confirms the upstream response
// really is an event stream before forwarding a single byte; anything else
// is converted into a structured JSON diagnostic the client can surface
// immediately instead of waiting forever.
package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/inercia/tether/internal/logging"
)

const (
	// DefaultMaxSnippetBytes bounds how much of a rejected upstream body is
	// captured for diagnostics.
	DefaultMaxSnippetBytes = 2048

	// eventStreamContentType is the content type of a genuine event stream.
	eventStreamContentType = "text/event-stream"
)

// Options configures the ingress proxy.
type Options struct {
	// MaxSnippetBytes limits the diagnostic body snippet captured from a
	// rejected upstream response. Default: DefaultMaxSnippetBytes.
	MaxSnippetBytes int

	// EnableLogging enables diagnostic logging of rejected upstream
	// responses. Log volume is rate limited so a flapping upstream cannot
	// flood the log.
	EnableLogging bool

	// Client is the HTTP client used to reach the upstream.
	// Default: a client with no overall timeout (the stream is long-lived).
	Client *http.Client
}

// StreamError is the JSON diagnostic returned when the upstream response is
// not a valid event stream.
type StreamError struct {
	Status      int     `json:"status"`
	UpstreamURL string  `json:"upstreamUrl"`
	ContentType *string `json:"contentType"`
	BodySnippet string  `json:"bodySnippet"`
	Timestamp   string  `json:"timestamp"`
}

// errorEnvelope wraps a StreamError for the wire.
type errorEnvelope struct {
	Error StreamError `json:"error"`
}

// Proxy forwards a validated upstream event stream to the client.
// It implements http.Handler.
type Proxy struct {
	upstreamURL string
	opts        Options
	logger      *slog.Logger
	logLimiter  *rate.Limiter
}

// NewProxy creates a proxy for the given upstream event endpoint.
func NewProxy(upstreamURL string, opts Options) *Proxy {
	if opts.MaxSnippetBytes <= 0 {
		opts.MaxSnippetBytes = DefaultMaxSnippetBytes
	}
	if opts.Client == nil {
		// No overall timeout: a healthy event stream stays open indefinitely.
		opts.Client = &http.Client{}
	}
	return &Proxy{
		upstreamURL: upstreamURL,
		opts:        opts,
		logger:      logging.Ingress(),
		logLimiter:  rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// BuildEventURL returns the event stream endpoint for the given server,
// appending a directory query parameter only when a non-empty value is
// supplied.
func BuildEventURL(serverURL, directory string) string {
	eventURL := strings.TrimRight(serverURL, "/") + "/event"
	if directory != "" {
		eventURL += "?directory=" + url.QueryEscape(directory)
	}
	return eventURL
}

// ServeHTTP requests the upstream endpoint and either re-streams a genuine
// event stream verbatim or answers with a JSON diagnostic envelope.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, p.upstreamURL, nil)
	if err != nil {
		p.writeError(w, StreamError{
			Status:      http.StatusBadGateway,
			UpstreamURL: p.upstreamURL,
			BodySnippet: err.Error(),
		}, http.StatusBadGateway)
		return
	}
	req.Header.Set("Accept", eventStreamContentType)

	resp, err := p.opts.Client.Do(req)
	if err != nil {
		// Network-level failure: no upstream status to mirror.
		p.writeError(w, StreamError{
			Status:      http.StatusBadGateway,
			UpstreamURL: p.upstreamURL,
			BodySnippet: err.Error(),
		}, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if isSuccess(resp.StatusCode) && isEventStream(contentType) {
		p.forward(w, resp)
		return
	}

	// Wrong content-type (e.g. an HTML auth page) or a non-2xx status.
	// Capture a bounded snippet and release the upstream connection.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, int64(p.opts.MaxSnippetBytes)))
	resp.Body.Close()

	streamErr := StreamError{
		Status:      resp.StatusCode,
		UpstreamURL: p.upstreamURL,
		BodySnippet: string(snippet),
	}
	if contentType != "" {
		streamErr.ContentType = &contentType
	}

	// Mirror the upstream status, including 200 for the "wrong content-type
	// but otherwise OK" case.
	p.writeError(w, streamErr, resp.StatusCode)
}

// forward re-streams the upstream body verbatim, flushing after every chunk
// so intermediaries cannot buffer and backpressure is preserved.
func (p *Proxy) forward(w http.ResponseWriter, resp *http.Response) {
	h := w.Header()
	h.Set("Content-Type", eventStreamContentType)
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && p.opts.EnableLogging && p.logLimiter.Allow() {
				p.logger.Debug("upstream stream ended",
					"upstream_url", p.upstreamURL, "error", err)
			}
			return
		}
	}
}

// writeError answers with the JSON diagnostic envelope.
func (p *Proxy) writeError(w http.ResponseWriter, streamErr StreamError, status int) {
	streamErr.Timestamp = time.Now().UTC().Format(time.RFC3339)

	if p.opts.EnableLogging && p.logLimiter.Allow() {
		contentType := ""
		if streamErr.ContentType != nil {
			contentType = *streamErr.ContentType
		}
		p.logger.Warn("upstream is not an event stream",
			"upstream_url", streamErr.UpstreamURL,
			"status", streamErr.Status,
			"content_type", contentType)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: streamErr})
}

// isSuccess reports whether the status code is 2xx.
func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

// isEventStream reports whether the content type indicates an event stream,
// ignoring parameters such as charset.
func isEventStream(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == eventStreamContentType
}
