package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"messageID": "msg-42",
			"key":       gotBody["key"].(string),
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.SubmitMessage(context.Background(), "ses-1", "hello", "c1")
	if err != nil {
		t.Fatalf("SubmitMessage() error = %v", err)
	}

	if gotPath != "/session/ses-1/message" {
		t.Errorf("path = %q, want %q", gotPath, "/session/ses-1/message")
	}
	if result.Key != "c1" {
		t.Errorf("echoed key = %q, want %q", result.Key, "c1")
	}
	if result.MessageID != "msg-42" {
		t.Errorf("messageID = %q, want %q", result.MessageID, "msg-42")
	}

	parts, ok := gotBody["parts"].([]any)
	if !ok || len(parts) != 1 {
		t.Fatalf("request parts = %v, want one text part", gotBody["parts"])
	}
}

func TestSubmitMessageServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent is busy", http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.SubmitMessage(context.Background(), "ses-1", "hello", "c1"); err == nil {
		t.Error("SubmitMessage() expected error on 409, got nil")
	}
}

func TestRespondPermission(t *testing.T) {
	var gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.RespondPermission(context.Background(), "ses-1", "perm-7", DecisionAlways); err != nil {
		t.Fatalf("RespondPermission() error = %v", err)
	}

	if gotPath != "/session/ses-1/permissions/perm-7" {
		t.Errorf("path = %q, want %q", gotPath, "/session/ses-1/permissions/perm-7")
	}
	if gotBody["response"] != "always" {
		t.Errorf("response = %q, want %q", gotBody["response"], "always")
	}
}

func TestAbortTurn(t *testing.T) {
	var gotMethod, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.AbortTurn(context.Background(), "ses-1"); err != nil {
		t.Fatalf("AbortTurn() error = %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/session/ses-1/abort" {
		t.Errorf("request = %s %s, want POST /session/ses-1/abort", gotMethod, gotPath)
	}
}

func TestMessagesDecodesParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/ses-1/message" {
			t.Errorf("path = %q, want /session/ses-1/message", r.URL.Path)
		}
		w.Write([]byte(`[
			{"info":{"id":"msg-1","sessionID":"ses-1","role":"user","key":"c1",
				"time":{"created":1,"completed":2}},
			 "parts":[{"id":"prt-1","sessionID":"ses-1","messageID":"msg-1","type":"text","text":"hi"}]},
			{"info":{"id":"msg-2","sessionID":"ses-1","role":"assistant",
				"time":{"created":3,"completed":4}},
			 "parts":[{"id":"prt-2","sessionID":"ses-1","messageID":"msg-2","type":"mystery","x":1}]}
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	messages, err := c.Messages(context.Background(), "ses-1")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}

	if len(messages) != 2 {
		t.Fatalf("Messages() = %d entries, want 2", len(messages))
	}
	if messages[0].Info.Key != "c1" {
		t.Errorf("messages[0].Info.Key = %q, want %q", messages[0].Info.Key, "c1")
	}
	if messages[0].Parts[0].Kind() != "text" {
		t.Errorf("messages[0].Parts[0].Kind() = %q, want text", messages[0].Parts[0].Kind())
	}
	// Unknown part kinds survive as the fallback variant.
	if messages[1].Parts[0].Kind() != "mystery" {
		t.Errorf("messages[1].Parts[0].Kind() = %q, want mystery", messages[1].Parts[0].Kind())
	}
}

func TestRevertAndUnrevert(t *testing.T) {
	var paths []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.RevertMessage(context.Background(), "ses-1", "msg-3"); err != nil {
		t.Fatalf("RevertMessage() error = %v", err)
	}
	if err := c.UnrevertSession(context.Background(), "ses-1"); err != nil {
		t.Fatalf("UnrevertSession() error = %v", err)
	}

	want := []string{"/session/ses-1/revert", "/session/ses-1/unrevert"}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], p)
		}
	}
}

func TestSessionCRUD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/session":
			w.Write([]byte(`[{"id":"ses-1","title":"one","directory":"/p1","time":{"created":1,"updated":2}}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/session":
			w.Write([]byte(`{"id":"ses-2","title":"two","directory":"/p2","time":{"created":3,"updated":3}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/session/ses-1":
			w.Write([]byte(`{"id":"ses-1","title":"one","directory":"/p1","time":{"created":1,"updated":2}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	sessions, err := c.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "ses-1" {
		t.Errorf("ListSessions() = %+v, want one session ses-1", sessions)
	}

	created, err := c.CreateSession(ctx, CreateSessionRequest{Title: "two", Directory: "/p2"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if created.ID != "ses-2" {
		t.Errorf("CreateSession().ID = %q, want ses-2", created.ID)
	}

	got, err := c.GetSession(ctx, "ses-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Directory != "/p1" {
		t.Errorf("GetSession().Directory = %q, want /p1", got.Directory)
	}

	if _, err := c.GetSession(ctx, "missing"); err == nil {
		t.Error("GetSession(missing) expected error, got nil")
	}
}
