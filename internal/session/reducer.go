package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/tether/internal/event"
	"github.com/inercia/tether/internal/logging"
)

// DefaultReconcileTimeout bounds how long an optimistic message may wait
// for server confirmation before being marked as errored.
const DefaultReconcileTimeout = 10 * time.Second

// ReducerConfig tunes the reducer.
type ReducerConfig struct {
	// ReconcileTimeout is how long an optimistic message may stay
	// unconfirmed before it is marked errored for manual retry.
	// Default: DefaultReconcileTimeout.
	ReconcileTimeout time.Duration

	// OnChange, when set, is invoked after every state mutation.
	// It is called without internal locks held and must not call back
	// into the reducer synchronously from another goroutine's mutation.
	OnChange func()
}

// ApplyResult reports side effects the caller must act on after an event
// is folded into the state.
type ApplyResult struct {
	// TurnFinished is true when the event completed the in-flight turn.
	// The caller drains the message queue on this signal.
	TurnFinished bool
}

// Reducer folds inbound server events and local optimistic actions into the
// canonical message list and session status. All methods are safe for
// concurrent use; transitions for the session are strictly sequential.
type Reducer struct {
	cfg    ReducerConfig
	logger *slog.Logger

	mu        sync.Mutex
	session   Session
	state     TurnState
	streaming bool
	messages  []*Message
	timers    map[string]*time.Timer
}

// NewReducer creates a reducer for the given session.
func NewReducer(sess Session, cfg ReducerConfig) *Reducer {
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = DefaultReconcileTimeout
	}
	return &Reducer{
		cfg:     cfg,
		logger:  logging.WithSession(logging.Session(), sess.ID, sess.Directory),
		session: sess,
		timers:  make(map[string]*time.Timer),
	}
}

// Session returns a copy of the session metadata.
func (r *Reducer) Session() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// State returns the current turn state.
func (r *Reducer) State() TurnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Busy reports whether a turn is in flight (busy or aborting).
func (r *Reducer) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != StateIdle
}

// Streaming reports whether content deltas have arrived for the turn.
func (r *Reducer) Streaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streaming
}

// Messages returns a copy of the transcript in canonical order.
func (r *Reducer) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Message, 0, len(r.messages))
	for _, m := range r.messages {
		result = append(result, *m)
	}
	return result
}

// SubmitLocal appends an optimistic user message for the given correlation
// key and moves the session to busy. A reconcile timer marks the message
// errored if no confirmation arrives in time.
func (r *Reducer) SubmitLocal(key, text string) {
	r.mu.Lock()
	msg := &Message{
		Ident:   Pending{Key: key},
		Role:    "user",
		Parts:   []event.Part{event.NewTextPart(r.session.ID, "", "prt-"+uuid.NewString(), text)},
		Created: time.Now(),
	}
	r.messages = append(r.messages, msg)
	r.state = StateBusy

	timeout := r.cfg.ReconcileTimeout
	r.timers[key] = time.AfterFunc(timeout, func() {
		r.reconcileTimedOut(key)
	})
	r.mu.Unlock()

	r.notify()
}

// MarkSubmitError flags the optimistic message for the given key as failed.
// The entry stays in place for manual retry; no queued copy is created.
func (r *Reducer) MarkSubmitError(key, reason string) {
	r.mu.Lock()
	if msg := r.findByKey(key); msg != nil && msg.IsOptimistic() {
		msg.Err = reason
	}
	r.cancelTimer(key)
	// The turn never started.
	if r.state == StateBusy && !r.streaming {
		r.state = StateIdle
	}
	r.mu.Unlock()

	r.notify()
}

// reconcileTimedOut marks a still-unconfirmed optimistic message errored.
func (r *Reducer) reconcileTimedOut(key string) {
	r.mu.Lock()
	changed := false
	if msg := r.findByKey(key); msg != nil && msg.IsOptimistic() && msg.Err == "" {
		msg.Err = "message was not confirmed by the server"
		changed = true
	}
	delete(r.timers, key)
	r.mu.Unlock()

	if changed {
		r.logger.Warn("optimistic message not confirmed in time", "key", key)
		r.notify()
	}
}

// Apply folds one server event into the state.
// Events for other sessions are ignored.
func (r *Reducer) Apply(ev event.Event) ApplyResult {
	r.mu.Lock()
	var result ApplyResult

	switch e := ev.(type) {
	case event.SessionUpdated:
		if e.Info.ID != r.session.ID {
			r.mu.Unlock()
			return result
		}
		r.session.Title = e.Info.Title
		r.session.Directory = e.Info.Directory
		r.session.Updated = millisToTime(e.Info.Time.Updated)

	case event.MessageUpdated:
		if e.Info.SessionID != r.session.ID {
			r.mu.Unlock()
			return result
		}
		r.applyMessageInfo(e.Info)

	case event.PartUpdated:
		sessionID, messageID := e.Part.Message()
		if sessionID != r.session.ID {
			r.mu.Unlock()
			return result
		}
		r.applyPart(messageID, e.Part)

	case event.MessageRemoved:
		if e.SessionID != r.session.ID {
			r.mu.Unlock()
			return result
		}
		r.removeByServerID(e.MessageID)

	case event.SessionIdle:
		if e.SessionID != r.session.ID {
			r.mu.Unlock()
			return result
		}
		if r.state != StateIdle {
			result.TurnFinished = true
		}
		r.finishTurnLocked()

	case event.SessionError:
		if e.SessionID != r.session.ID {
			r.mu.Unlock()
			return result
		}
		// A server-side failure still ends the turn; deferred messages
		// may send once the session is idle again.
		if r.state != StateIdle {
			result.TurnFinished = true
		}
		r.session.LastError = e.Message
		r.finishTurnLocked()

	default:
		// Unknown events carry no state for this reducer.
		r.mu.Unlock()
		return result
	}

	r.mu.Unlock()
	r.notify()
	return result
}

// ConnectionError records a transport failure. The session returns to idle
// with lastError set; the transcript is preserved, never destroyed.
func (r *Reducer) ConnectionError(reason string) {
	r.mu.Lock()
	r.session.LastError = reason
	r.finishTurnLocked()
	r.mu.Unlock()

	r.notify()
}

// NoteTransportError records a recoverable transport problem (the stream is
// reconnecting) without ending the turn: after reconnection, events keep
// applying to the same session state.
func (r *Reducer) NoteTransportError(reason string) {
	r.mu.Lock()
	r.session.LastError = reason
	r.mu.Unlock()

	r.notify()
}

// ClearLastError resets the recorded error, e.g. after a reconnect.
func (r *Reducer) ClearLastError() {
	r.mu.Lock()
	r.session.LastError = ""
	r.mu.Unlock()

	r.notify()
}

// BeginAbort moves a busy session to aborting.
// Returns false when there is nothing to abort or an abort is already in
// progress, collapsing rapid double-invocation to one request.
func (r *Reducer) BeginAbort() bool {
	r.mu.Lock()
	if r.state != StateBusy {
		r.mu.Unlock()
		return false
	}
	r.state = StateAborting
	r.mu.Unlock()

	r.notify()
	return true
}

// ForceIdle ends the turn locally after an abort ack timeout. The partial
// in-progress message is finalized with whatever content exists.
func (r *Reducer) ForceIdle() {
	r.mu.Lock()
	r.finishTurnLocked()
	r.mu.Unlock()

	r.notify()
}

// ReplaceMessages swaps in a transcript reloaded from the server.
// Used after revert/unrevert, which have no pure in-memory representation.
func (r *Reducer) ReplaceMessages(msgs []Message) {
	r.mu.Lock()
	r.messages = make([]*Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		r.messages = append(r.messages, &m)
	}
	r.mu.Unlock()

	r.notify()
}

// --- internals (caller holds r.mu) ---

// applyMessageInfo reconciles or appends canonical message metadata.
// Replayed confirmations for an already-reconciled message are no-ops,
// required because reconnection may replay recent events.
func (r *Reducer) applyMessageInfo(info event.MessageInfo) {
	// Match an optimistic entry by correlation key first: replace in place,
	// preserving list position and clearing the optimistic/error flags.
	if info.Key != "" {
		if msg := r.findByKey(info.Key); msg != nil {
			// A part delta may arrive before this confirmation and create a
			// placeholder keyed by server id. Fold it into the entry being
			// confirmed so each server id appears once in the transcript;
			// its server parts supersede the locally built ones.
			if placeholder := r.findByServerID(info.ID); placeholder != nil && placeholder != msg {
				if len(placeholder.Parts) > 0 {
					msg.Parts = placeholder.Parts
				}
				r.removeByServerID(info.ID)
			}
			msg.Ident = Confirmed{ServerID: info.ID, Key: info.Key}
			msg.Err = info.Error
			msg.Role = info.Role
			msg.Created = millisToTime(info.Time.Created)
			msg.Completed = millisToTime(info.Time.Completed)
			r.cancelTimer(info.Key)
			return
		}
	}

	if msg := r.findByServerID(info.ID); msg != nil {
		msg.Err = info.Error
		msg.Completed = millisToTime(info.Time.Completed)
		return
	}

	// A canonical message with no local counterpart: append.
	r.messages = append(r.messages, &Message{
		Ident:     Confirmed{ServerID: info.ID, Key: info.Key},
		Role:      info.Role,
		Created:   millisToTime(info.Time.Created),
		Completed: millisToTime(info.Time.Completed),
	})
	if info.Role == "assistant" && info.Time.Completed == 0 && r.state == StateIdle {
		// A turn started elsewhere (another client of the same session).
		r.state = StateBusy
	}
}

// applyPart appends or mutates one part of a message. Parts are append-only
// per message; an existing part id is updated in place (tool status moves
// through pending -> running -> complete/error this way).
func (r *Reducer) applyPart(messageID string, part event.Part) {
	msg := r.findByServerID(messageID)
	if msg == nil {
		// Delta for a message whose metadata event has not arrived yet.
		msg = &Message{
			Ident: Confirmed{ServerID: messageID},
			Role:  "assistant",
		}
		r.messages = append(r.messages, msg)
	}

	replaced := false
	for i, existing := range msg.Parts {
		if existing.PartID() == part.PartID() {
			msg.Parts[i] = part
			replaced = true
			break
		}
	}
	if !replaced {
		msg.Parts = append(msg.Parts, part)
	}

	if r.state == StateIdle {
		r.state = StateBusy
	}
	if r.state == StateBusy {
		r.streaming = true
	}
}

// finishTurnLocked returns the session to idle, finalizing the in-progress
// message with whatever partial content exists.
func (r *Reducer) finishTurnLocked() {
	r.state = StateIdle
	r.streaming = false

	for i := len(r.messages) - 1; i >= 0; i-- {
		msg := r.messages[i]
		if msg.Role == "assistant" && msg.Completed.IsZero() {
			msg.Completed = time.Now()
			break
		}
	}
}

func (r *Reducer) findByKey(key string) *Message {
	for _, msg := range r.messages {
		if msg.CorrelationKey() == key {
			return msg
		}
	}
	return nil
}

func (r *Reducer) findByServerID(id string) *Message {
	if id == "" {
		return nil
	}
	for _, msg := range r.messages {
		if msg.ServerID() == id {
			return msg
		}
	}
	return nil
}

func (r *Reducer) removeByServerID(id string) {
	for i, msg := range r.messages {
		if msg.ServerID() == id {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return
		}
	}
}

func (r *Reducer) cancelTimer(key string) {
	if timer, ok := r.timers[key]; ok {
		timer.Stop()
		delete(r.timers, key)
	}
}

// Close stops outstanding reconcile timers.
func (r *Reducer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, timer := range r.timers {
		timer.Stop()
		delete(r.timers, key)
	}
}

func (r *Reducer) notify() {
	if r.cfg.OnChange != nil {
		r.cfg.OnChange()
	}
}
