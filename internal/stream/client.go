// Package stream maintains the single long-lived event stream connection to
// the remote server and dispatches decoded events in arrival order.
//
// The client owns the connection state machine; it performs no business
// interpretation beyond envelope decoding. Reconnection after a drop is
// automatic with capped exponential backoff.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/inercia/tether/internal/event"
	"github.com/inercia/tether/internal/logging"
)

// State is the connection state of the stream client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status pairs a connection state with an optional failure reason.
// Reason is only set for StateError and StateReconnecting.
type Status struct {
	State  State
	Reason string
}

// Handler receives decoded events and connection state changes.
// Both methods are invoked from the client's single read goroutine, so
// events for one target are never delivered concurrently.
type Handler interface {
	// HandleEvent is called for each decoded event, in arrival order.
	HandleEvent(ev event.Event)

	// HandleConnectionChange is called whenever the connection state moves.
	HandleConnectionChange(status Status)
}

// Config tunes the stream client's reconnect behavior.
type Config struct {
	// Client is the HTTP client used to dial the event endpoint.
	// Default: a client with no overall timeout.
	Client *http.Client

	// InitialBackoff is the delay before the first reconnect attempt.
	// Default: 500ms. Doubles after each consecutive failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Default: 15s.
	MaxBackoff time.Duration

	// MaxAttempts is the number of consecutive connection failures after
	// which the client gives up and enters StateError. Default: 10.
	MaxAttempts int
}

// applyDefaults fills unset config fields.
func (c *Config) applyDefaults() {
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// Client maintains exactly one live event stream connection per target.
// Switching targets tears down the previous connection before dialing the
// new one. It is safe for concurrent use.
type Client struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	target  string
	cancel  context.CancelFunc
	runDone chan struct{}
	status  Status
}

// New creates a stream client that dispatches to the given handler.
func New(handler Handler, cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logging.Stream(),
		status:  Status{State: StateDisconnected},
	}
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetTarget switches the client to a new event endpoint URL.
// Any previous connection is fully torn down first; two connections are
// never simultaneously live.
func (c *Client) SetTarget(eventURL string) {
	c.mu.Lock()
	if c.target == eventURL && c.cancel != nil {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.runDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	ctx, newCancel := context.WithCancel(context.Background())
	newDone := make(chan struct{})

	c.mu.Lock()
	c.target = eventURL
	c.cancel = newCancel
	c.runDone = newDone
	c.mu.Unlock()

	go c.run(ctx, eventURL, newDone)
}

// Close tears down the active connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.runDone
	c.cancel = nil
	c.runDone = nil
	c.target = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setStatus(Status{State: StateDisconnected})
}

// setStatus records and publishes a state change. No-op when unchanged.
func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()

	c.logger.Debug("connection state changed", "state", status.State.String(), "reason", status.Reason)
	if c.handler != nil {
		c.handler.HandleConnectionChange(status)
	}
}

// run is the connection loop for one target. It reconnects with capped
// exponential backoff until the context is cancelled or MaxAttempts
// consecutive failures occur.
func (c *Client) run(ctx context.Context, eventURL string, done chan struct{}) {
	defer close(done)

	attempts := 0
	backoff := c.cfg.InitialBackoff
	everConnected := false

	for {
		if ctx.Err() != nil {
			return
		}

		if everConnected || attempts > 0 {
			c.setStatus(Status{State: StateReconnecting})
		} else {
			c.setStatus(Status{State: StateConnecting})
		}

		err := c.consume(ctx, eventURL, func() {
			// Connection established and validated.
			attempts = 0
			backoff = c.cfg.InitialBackoff
			everConnected = true
			c.setStatus(Status{State: StateConnected})
		})
		if ctx.Err() != nil {
			return
		}

		attempts++
		if attempts >= c.cfg.MaxAttempts {
			c.setStatus(Status{State: StateError, Reason: err.Error()})
			return
		}

		c.logger.Debug("stream dropped, retrying",
			"target", eventURL, "attempt", attempts, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// consume dials the event endpoint and reads events until the stream ends.
// onConnected is invoked once the response is validated as an event stream.
// Always returns a non-nil error describing why the stream ended.
func (c *Client) consume(ctx context.Context, eventURL string, onConnected func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, eventURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("event endpoint returned status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("event endpoint returned content type %q", ct)
	}

	onConnected()
	return c.readEvents(resp.Body)
}

// readEvents parses server-sent event framing and dispatches each data
// payload. A decode failure on one event is logged and skipped; later
// events are still delivered.
func (c *Client) readEvents(body io.Reader) error {
	reader := bufio.NewReader(body)
	var data []string

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if len(data) > 0 {
					c.dispatch(strings.Join(data, "\n"))
					data = data[:0]
				}
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			case strings.HasPrefix(line, ":"):
				// Comment / keepalive, ignore.
			default:
				// Other SSE fields (event, id, retry) are unused by this
				// protocol; each data payload is a self-describing envelope.
			}
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("stream closed by server")
			}
			return err
		}
	}
}

// dispatch decodes one event payload and hands it to the handler.
func (c *Client) dispatch(payload string) {
	ev, err := event.Decode([]byte(payload))
	if err != nil {
		c.logger.Warn("failed to decode event, skipping", "error", err)
		return
	}
	if c.handler != nil {
		c.handler.HandleEvent(ev)
	}
}
