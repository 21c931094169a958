package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/tether/internal/api"
	"github.com/inercia/tether/internal/event"
	"github.com/inercia/tether/internal/logging"
	"github.com/inercia/tether/internal/stream"
)

const (
	// DefaultAbortTimeout bounds the wait for a server abort acknowledgment
	// before local state is forced to idle.
	DefaultAbortTimeout = 5 * time.Second

	// DefaultRequestTimeout bounds collaborator API calls made internally
	// (queue drain submissions).
	DefaultRequestTimeout = 30 * time.Second
)

// ControllerConfig tunes a session controller.
type ControllerConfig struct {
	// ReconcileTimeout is passed to the reducer.
	ReconcileTimeout time.Duration

	// AbortTimeout is how long to wait for a server abort acknowledgment.
	// Default: DefaultAbortTimeout.
	AbortTimeout time.Duration

	// RequestTimeout bounds internally initiated API calls.
	// Default: DefaultRequestTimeout.
	RequestTimeout time.Duration

	// OnChange, when set, is invoked after every observable state change.
	OnChange func()
}

// Controller is the explicit per-session context object: it owns the
// reducer, the message queue, the permission queue and the abort latch for
// exactly one session, and implements stream.Handler so the stream client
// can feed it events. Queues are mutated only through their owning
// controller, so cross-session mutation is structurally impossible.
type Controller struct {
	cfg    ControllerConfig
	client *api.Client
	logger *slog.Logger

	queueLog *slog.Logger
	permLog  *slog.Logger
	abortLog *slog.Logger

	sessionID   string
	reducer     *Reducer
	queue       *Queue
	permissions *Permissions

	// abort latch: collapses rapid double-invocation to one request and
	// lets a late acknowledgment cancel the force-idle timer.
	abortMu       sync.Mutex
	abortInFlight bool
	abortTimer    *time.Timer

	connMu sync.Mutex
	conn   stream.Status
}

// Snapshot is an immutable copy of everything the presentation layer needs.
type Snapshot struct {
	Session     Session
	State       string
	Streaming   bool
	Connection  string
	ConnError   string
	Messages    []Message
	Queue       []QueueEntry
	Permissions []Permission
}

// NewController creates the sync core for one session.
func NewController(client *api.Client, sess Session, cfg ControllerConfig) *Controller {
	if cfg.AbortTimeout <= 0 {
		cfg.AbortTimeout = DefaultAbortTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	c := &Controller{
		cfg:         cfg,
		client:      client,
		logger:      logging.WithSession(logging.Session(), sess.ID, sess.Directory),
		queueLog:    logging.WithSession(logging.Queue(), sess.ID, sess.Directory),
		permLog:     logging.WithSession(logging.Permission(), sess.ID, sess.Directory),
		abortLog:    logging.WithSession(logging.Abort(), sess.ID, sess.Directory),
		sessionID:   sess.ID,
		queue:       NewQueue(),
		permissions: NewPermissions(),
	}
	c.reducer = NewReducer(sess, ReducerConfig{
		ReconcileTimeout: cfg.ReconcileTimeout,
		OnChange:         cfg.OnChange,
	})
	return c
}

// SessionID returns the id of the owned session.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Reducer exposes the session reducer.
func (c *Controller) Reducer() *Reducer {
	return c.reducer
}

// Queue exposes the deferred-message queue.
func (c *Controller) Queue() *Queue {
	return c.queue
}

// Permissions exposes the permission queue.
func (c *Controller) Permissions() *Permissions {
	return c.permissions
}

// Close tears down the controller on session switch or unmount: pending
// permission requests expire, the queue is cleared and timers stop.
func (c *Controller) Close() {
	c.permissions.ExpirePending()
	c.queue.Clear()
	c.reducer.Close()

	c.abortMu.Lock()
	if c.abortTimer != nil {
		c.abortTimer.Stop()
		c.abortTimer = nil
	}
	c.abortInFlight = false
	c.abortMu.Unlock()
}

// --- message submission ---

// Submit sends a user message, or defers it to the queue when a turn is
// already in flight. Queued entries are submitted automatically, in order,
// as turns complete.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if c.reducer.Busy() {
		entry := c.queue.Enqueue(text)
		c.queueLog.Debug("session busy, message queued",
			"entry_id", entry.ID, "position", entry.Position)
		c.notify()
		return nil
	}

	key := uuid.NewString()
	c.reducer.SubmitLocal(key, text)
	return c.submitRemote(ctx, key, text)
}

// submitRemote performs the network submission for an already-appended
// optimistic message. On failure the optimistic entry is marked errored;
// it is never duplicated into the queue.
func (c *Controller) submitRemote(ctx context.Context, key, text string) error {
	result, err := c.client.SubmitMessage(ctx, c.sessionID, text, key)
	if err != nil {
		c.logger.Warn("message submission failed", "key", key, "error", err)
		c.reducer.MarkSubmitError(key, err.Error())
		return err
	}
	if result.Key != "" && result.Key != key {
		c.logger.Warn("server echoed unexpected correlation key",
			"sent", key, "received", result.Key)
	}
	return nil
}

// drainQueue submits the next deferred entry, if any. Invoked only on the
// busy-to-idle transition.
func (c *Controller) drainQueue() {
	entry, err := c.queue.DequeueNext()
	if err != nil {
		return
	}
	c.queueLog.Debug("draining queued message", "entry_id", entry.ID)
	c.notify()

	key := uuid.NewString()
	c.reducer.SubmitLocal(key, entry.Text)

	// Off the event-dispatch goroutine: a slow submission must not stall
	// delivery of later events.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		_ = c.submitRemote(ctx, key, entry.Text)
	}()
}

// RemoveQueued cancels a not-yet-sent queue entry.
func (c *Controller) RemoveQueued(id string) error {
	err := c.queue.Remove(id)
	if err == nil {
		c.notify()
	}
	return err
}

// --- permissions ---

// Respond answers a pending permission request. On network failure the
// request stays pending for retry; a late response against an entry that
// expired meanwhile is a no-op.
func (c *Controller) Respond(ctx context.Context, requestID string, decision api.Decision) error {
	if err := c.permissions.BeginRespond(requestID); err != nil {
		return err
	}

	if err := c.client.RespondPermission(ctx, c.sessionID, requestID, decision); err != nil {
		c.permLog.Warn("permission response failed, request stays pending",
			"request_id", requestID, "error", err)
		return err
	}

	if err := c.permissions.Resolve(requestID); err != nil {
		// Expired while the response was in flight (e.g. the turn aborted).
		c.permLog.Debug("permission settled while responding", "request_id", requestID)
	}
	c.notify()
	return nil
}

// DismissPermission removes an expired permission entry from the list.
func (c *Controller) DismissPermission(id string) error {
	err := c.permissions.Dismiss(id)
	if err == nil {
		c.notify()
	}
	return err
}

// --- abort ---

// Abort cancels the in-flight turn. It is a no-op when no turn is busy or
// a cancellation is already outstanding. Local state is forced to idle if
// the server does not acknowledge within AbortTimeout.
func (c *Controller) Abort(ctx context.Context) error {
	c.abortMu.Lock()
	if c.abortInFlight {
		c.abortMu.Unlock()
		return nil
	}
	if !c.reducer.BeginAbort() {
		c.abortMu.Unlock()
		return nil
	}
	c.abortInFlight = true
	c.abortTimer = time.AfterFunc(c.cfg.AbortTimeout, c.abortTimedOut)
	c.abortMu.Unlock()

	c.notify()

	if err := c.client.AbortTurn(ctx, c.sessionID); err != nil {
		// Non-fatal: the timeout path still forces idle.
		c.abortLog.Warn("abort request failed, waiting for timeout", "error", err)
		return err
	}
	return nil
}

// abortTimedOut forces the session idle after the acknowledgment window.
func (c *Controller) abortTimedOut() {
	c.abortMu.Lock()
	if !c.abortInFlight {
		c.abortMu.Unlock()
		return
	}
	c.abortInFlight = false
	c.abortTimer = nil
	c.abortMu.Unlock()

	c.abortLog.Warn("no abort acknowledgment from server, forcing idle")
	c.reducer.ForceIdle()
	if expired := c.permissions.ExpirePending(); len(expired) > 0 {
		c.permLog.Debug("expired permission requests after abort", "count", len(expired))
	}
	c.notify()
	c.drainQueue()
}

// settleAbortOnAck clears the latch when the server confirmed the turn
// ended. Returns true when an abort was outstanding.
func (c *Controller) settleAbortOnAck() bool {
	c.abortMu.Lock()
	wasAborting := c.abortInFlight
	if c.abortTimer != nil {
		c.abortTimer.Stop()
		c.abortTimer = nil
	}
	c.abortInFlight = false
	c.abortMu.Unlock()
	return wasAborting
}

// --- revert / unrevert ---

// Revert discards server-side changes made after the given message and
// reloads the canonical transcript: file-level revert has no pure
// in-memory representation, so the state must come from the server.
func (c *Controller) Revert(ctx context.Context, messageID string) error {
	if err := c.client.RevertMessage(ctx, c.sessionID, messageID); err != nil {
		return err
	}
	return c.reload(ctx)
}

// Unrevert restores the most recently reverted state and reloads.
func (c *Controller) Unrevert(ctx context.Context) error {
	if err := c.client.UnrevertSession(ctx, c.sessionID); err != nil {
		return err
	}
	return c.reload(ctx)
}

// reload replaces the reducer's transcript with the server's.
func (c *Controller) reload(ctx context.Context) error {
	remote, err := c.client.Messages(ctx, c.sessionID)
	if err != nil {
		return err
	}

	msgs := make([]Message, 0, len(remote))
	for _, rm := range remote {
		msgs = append(msgs, Message{
			Ident:     Confirmed{ServerID: rm.Info.ID, Key: rm.Info.Key},
			Role:      rm.Info.Role,
			Parts:     rm.Parts,
			Err:       rm.Info.Error,
			Created:   millisToTime(rm.Info.Time.Created),
			Completed: millisToTime(rm.Info.Time.Completed),
		})
	}
	c.reducer.ReplaceMessages(msgs)
	return nil
}

// --- stream.Handler ---

// HandleEvent folds one decoded server event into session state.
// Called sequentially from the stream client's read goroutine, so event
// order is preserved end to end.
func (c *Controller) HandleEvent(ev event.Event) {
	switch e := ev.(type) {
	case event.PermissionUpdated:
		if e.Request.SessionID != c.sessionID {
			return
		}
		c.permissions.Add(e.Request)
		c.notify()

	case event.PermissionReplied:
		if e.SessionID != c.sessionID {
			return
		}
		// Possibly answered by another client of the same session.
		if err := c.permissions.Resolve(e.PermissionID); err != nil {
			return
		}
		c.notify()

	default:
		result := c.reducer.Apply(ev)
		if result.TurnFinished {
			c.turnFinished()
		}
	}
}

// turnFinished runs the busy-to-idle transition work: settle any outstanding
// abort, expire its permission requests, then drain the deferred queue.
func (c *Controller) turnFinished() {
	if c.settleAbortOnAck() {
		if expired := c.permissions.ExpirePending(); len(expired) > 0 {
			c.permLog.Debug("expired permission requests after abort", "count", len(expired))
		}
		c.notify()
	}
	c.drainQueue()
}

// HandleConnectionChange reacts to stream state transitions. A reconnecting
// stream keeps the turn alive; only terminal failure forces the session
// back to idle. The transcript is never destroyed.
func (c *Controller) HandleConnectionChange(status stream.Status) {
	c.connMu.Lock()
	c.conn = status
	c.connMu.Unlock()

	switch status.State {
	case stream.StateConnected:
		c.reducer.ClearLastError()
	case stream.StateReconnecting:
		c.reducer.NoteTransportError("connection lost, reconnecting")
	case stream.StateError:
		c.logger.Warn("event stream failed permanently", "reason", status.Reason)
		c.reducer.ConnectionError("connection to server lost: " + status.Reason)
		if expired := c.permissions.ExpirePending(); len(expired) > 0 {
			c.permLog.Debug("expired permission requests after disconnect", "count", len(expired))
		}
		// Deferred entries stay queued: the server is presumed unreachable,
		// so they drain on the first turn completion after recovery.
	default:
		c.notify()
	}
}

// Connection returns the last observed stream status.
func (c *Controller) Connection() stream.Status {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// Snapshot assembles a consistent copy of the full session view.
func (c *Controller) Snapshot() Snapshot {
	conn := c.Connection()
	sess := c.reducer.Session()
	return Snapshot{
		Session:     sess,
		State:       c.reducer.State().String(),
		Streaming:   c.reducer.Streaming(),
		Connection:  conn.State.String(),
		ConnError:   conn.Reason,
		Messages:    c.reducer.Messages(),
		Queue:       c.queue.List(),
		Permissions: c.permissions.List(),
	}
}

// notify mirrors the reducer's change notification for mutations that do not
// pass through the reducer (queue and permission changes).
func (c *Controller) notify() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange()
	}
}
