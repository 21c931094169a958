package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inercia/tether/internal/api"
	"github.com/inercia/tether/internal/event"
	"github.com/inercia/tether/internal/stream"
)

// fakeServer records API calls made by the controller and echoes correlation
// keys back the way the real server does.
type fakeServer struct {
	mu       sync.Mutex
	submits  []string // correlation keys, in order
	aborts   int
	responds []string // permission ids
	failNext bool

	srv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		fail := f.failNext
		f.failNext = false
		f.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}

		switch {
		case strings.HasSuffix(r.URL.Path, "/message") && r.Method == http.MethodPost:
			var req struct {
				Key string `json:"key"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			f.mu.Lock()
			f.submits = append(f.submits, req.Key)
			n := len(f.submits)
			f.mu.Unlock()
			json.NewEncoder(w).Encode(api.SubmitResult{MessageID: "msg-" + strconv.Itoa(n), Key: req.Key})

		case strings.HasSuffix(r.URL.Path, "/abort"):
			f.mu.Lock()
			f.aborts++
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)

		case strings.Contains(r.URL.Path, "/permissions/"):
			parts := strings.Split(r.URL.Path, "/")
			f.mu.Lock()
			f.responds = append(f.responds, parts[len(parts)-1])
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)

		case strings.HasSuffix(r.URL.Path, "/message") && r.Method == http.MethodGet:
			w.Write([]byte("[]"))

		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func newTestController(t *testing.T, f *fakeServer) *Controller {
	t.Helper()
	c := NewController(api.New(f.srv.URL), Session{ID: "ses-1", Directory: "/work"}, ControllerConfig{})
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestControllerSubmitIdle(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	if err := c.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if f.submitCount() != 1 {
		t.Errorf("server received %d submissions, want 1", f.submitCount())
	}
	snap := c.Snapshot()
	if snap.State != "busy" {
		t.Errorf("State = %q, want busy", snap.State)
	}
	if len(snap.Messages) != 1 {
		t.Fatalf("Messages = %d, want 1", len(snap.Messages))
	}

	// Server confirmation reconciles the optimistic entry in place.
	key := snap.Messages[0].CorrelationKey()
	c.HandleEvent(event.MessageUpdated{Info: event.MessageInfo{
		ID: "msg-1", SessionID: "ses-1", Role: "user", Key: key,
		Time: event.MessageTime{Created: 1000},
	}})

	snap = c.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("Messages = %d after confirmation, want 1", len(snap.Messages))
	}
	if snap.Messages[0].IsOptimistic() {
		t.Error("message still optimistic after confirmation")
	}
}

func TestControllerSubmitBusyQueues(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	if err := c.Submit(context.Background(), "first"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := c.Submit(context.Background(), "second"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if f.submitCount() != 1 {
		t.Errorf("server received %d submissions, want 1: second must be deferred", f.submitCount())
	}
	snap := c.Snapshot()
	if len(snap.Queue) != 1 || snap.Queue[0].Text != "second" {
		t.Fatalf("Queue = %v, want one entry %q", snap.Queue, "second")
	}

	// Turn finishes: the queued entry is submitted automatically.
	c.HandleEvent(event.SessionIdle{SessionID: "ses-1"})

	waitFor(t, "queued submission", func() bool { return f.submitCount() == 2 })
	if got := c.Snapshot(); len(got.Queue) != 0 {
		t.Errorf("Queue = %v after drain, want empty", got.Queue)
	}
	if c.Snapshot().State != "busy" {
		t.Errorf("State = %q after drain, want busy", c.Snapshot().State)
	}
}

func TestControllerSessionErrorDrainsQueue(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	c.Submit(context.Background(), "first")
	c.Submit(context.Background(), "second")

	// A server-side failure ends the turn like idle does, so the deferred
	// entry gets its chance to send.
	c.HandleEvent(event.SessionError{SessionID: "ses-1", Message: "provider overloaded"})

	waitFor(t, "queued submission", func() bool { return f.submitCount() == 2 })
	if got := c.Snapshot(); len(got.Queue) != 0 {
		t.Errorf("Queue = %v after drain, want empty", got.Queue)
	}
}

func TestControllerTerminalFailureHoldsQueue(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	c.Submit(context.Background(), "first")
	c.Submit(context.Background(), "second")

	c.HandleConnectionChange(stream.Status{State: stream.StateError, Reason: "gave up"})

	// The server is unreachable: draining now would burn the entry into a
	// failed submission. It stays queued until a turn completes.
	time.Sleep(50 * time.Millisecond)
	if f.submitCount() != 1 {
		t.Errorf("server received %d submissions, want 1: queue must hold while disconnected", f.submitCount())
	}
	if got := c.Snapshot(); len(got.Queue) != 1 {
		t.Fatalf("Queue = %v, want the deferred entry held", got.Queue)
	}
}

func TestControllerSubmitFailureMarksMessage(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()

	if err := c.Submit(context.Background(), "hello"); err == nil {
		t.Fatal("Submit() error = nil, want failure")
	}

	snap := c.Snapshot()
	if snap.State != "idle" {
		t.Errorf("State = %q, want idle: the turn never started", snap.State)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Err == "" {
		t.Error("failed message should stay in transcript with its error set")
	}
	if len(snap.Queue) != 0 {
		t.Error("failed submission must not be duplicated into the queue")
	}
}

func TestControllerRemoveQueued(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	c.Submit(context.Background(), "first")
	c.Submit(context.Background(), "second")

	id := c.Snapshot().Queue[0].ID
	if err := c.RemoveQueued(id); err != nil {
		t.Fatalf("RemoveQueued() error = %v", err)
	}

	c.HandleEvent(event.SessionIdle{SessionID: "ses-1"})
	time.Sleep(50 * time.Millisecond)
	if f.submitCount() != 1 {
		t.Errorf("server received %d submissions, want 1: removed entry must never send", f.submitCount())
	}
}

func TestControllerAbort(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	c.Submit(context.Background(), "hello")
	c.HandleEvent(event.PermissionUpdated{Request: event.PermissionInfo{
		ID: "perm-1", SessionID: "ses-1", Title: "run command",
	}})

	if err := c.Abort(context.Background()); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if c.Snapshot().State != "aborting" {
		t.Errorf("State = %q, want aborting", c.Snapshot().State)
	}

	// Rapid second invocation collapses to one server request.
	c.Abort(context.Background())
	f.mu.Lock()
	aborts := f.aborts
	f.mu.Unlock()
	if aborts != 1 {
		t.Errorf("server received %d aborts, want 1", aborts)
	}

	// Server acknowledges: turn ends, pending permissions expire.
	c.HandleEvent(event.SessionIdle{SessionID: "ses-1"})

	snap := c.Snapshot()
	if snap.State != "idle" {
		t.Errorf("State = %q, want idle", snap.State)
	}
	if len(snap.Permissions) != 1 || snap.Permissions[0].Status != PermissionExpired {
		t.Errorf("Permissions = %v, want one expired entry", snap.Permissions)
	}
}

func TestControllerAbortTimeout(t *testing.T) {
	f := newFakeServer(t)
	c := NewController(api.New(f.srv.URL), Session{ID: "ses-1"}, ControllerConfig{
		AbortTimeout: 30 * time.Millisecond,
	})
	t.Cleanup(c.Close)

	c.Submit(context.Background(), "hello")
	if err := c.Abort(context.Background()); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	// No acknowledgment arrives: local state is forced idle.
	waitFor(t, "forced idle", func() bool { return c.Snapshot().State == "idle" })
}

func TestControllerAbortIdleNoop(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	if err := c.Abort(context.Background()); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	f.mu.Lock()
	aborts := f.aborts
	f.mu.Unlock()
	if aborts != 0 {
		t.Errorf("server received %d aborts for idle session, want 0", aborts)
	}
}

func TestControllerRespond(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	c.HandleEvent(event.PermissionUpdated{Request: event.PermissionInfo{
		ID: "perm-1", SessionID: "ses-1", Title: "run command",
	}})

	if err := c.Respond(context.Background(), "perm-1", api.DecisionOnce); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	f.mu.Lock()
	responds := len(f.responds)
	f.mu.Unlock()
	if responds != 1 {
		t.Errorf("server received %d permission responses, want 1", responds)
	}
	if len(c.Snapshot().Permissions) != 0 {
		t.Error("responded permission still listed")
	}
}

func TestControllerRespondFailureKeepsPending(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	c.HandleEvent(event.PermissionUpdated{Request: event.PermissionInfo{
		ID: "perm-1", SessionID: "ses-1", Title: "run command",
	}})
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()

	if err := c.Respond(context.Background(), "perm-1", api.DecisionOnce); err == nil {
		t.Fatal("Respond() error = nil, want failure")
	}

	perm, ok := c.Permissions().Get("perm-1")
	if !ok || perm.Status != PermissionPending {
		t.Error("permission must stay pending after a failed response for retry")
	}
}

func TestControllerPermissionRepliedByOtherClient(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	c.HandleEvent(event.PermissionUpdated{Request: event.PermissionInfo{
		ID: "perm-1", SessionID: "ses-1", Title: "run command",
	}})
	c.HandleEvent(event.PermissionReplied{
		SessionID: "ses-1", PermissionID: "perm-1", Response: "once",
	})

	if len(c.Snapshot().Permissions) != 0 {
		t.Error("permission answered elsewhere still listed")
	}
}

func TestControllerIgnoresOtherSessionPermissions(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	c.HandleEvent(event.PermissionUpdated{Request: event.PermissionInfo{
		ID: "perm-1", SessionID: "ses-other", Title: "run command",
	}})

	if len(c.Snapshot().Permissions) != 0 {
		t.Error("permission for another session was recorded")
	}
}

func TestControllerConnectionChanges(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	c.Submit(context.Background(), "hello")
	c.HandleEvent(event.PermissionUpdated{Request: event.PermissionInfo{
		ID: "perm-1", SessionID: "ses-1", Title: "run command",
	}})

	// Transient drop keeps the turn alive.
	c.HandleConnectionChange(stream.Status{State: stream.StateReconnecting, Reason: "read: EOF"})
	snap := c.Snapshot()
	if snap.State != "busy" {
		t.Errorf("State = %q while reconnecting, want busy", snap.State)
	}
	if snap.Session.LastError == "" {
		t.Error("LastError empty while reconnecting")
	}

	c.HandleConnectionChange(stream.Status{State: stream.StateConnected})
	if c.Snapshot().Session.LastError != "" {
		t.Error("LastError not cleared on reconnect")
	}

	// Terminal failure forces idle and expires pending permissions.
	c.HandleConnectionChange(stream.Status{State: stream.StateError, Reason: "gave up"})
	snap = c.Snapshot()
	if snap.State != "idle" {
		t.Errorf("State = %q after terminal failure, want idle", snap.State)
	}
	if len(snap.Messages) == 0 {
		t.Error("transcript destroyed on terminal failure")
	}
	if snap.Permissions[0].Status != PermissionExpired {
		t.Errorf("permission status = %q, want expired", snap.Permissions[0].Status)
	}
	if snap.Connection != "error" || snap.ConnError != "gave up" {
		t.Errorf("Connection = %q/%q, want error/gave up", snap.Connection, snap.ConnError)
	}
}

func TestControllerSnapshot(t *testing.T) {
	f := newFakeServer(t)
	c := newTestController(t, f)

	snap := c.Snapshot()
	if snap.Session.ID != "ses-1" {
		t.Errorf("Session.ID = %q, want ses-1", snap.Session.ID)
	}
	if snap.State != "idle" {
		t.Errorf("State = %q, want idle", snap.State)
	}
	if snap.Connection != "disconnected" {
		t.Errorf("Connection = %q, want disconnected", snap.Connection)
	}
}
