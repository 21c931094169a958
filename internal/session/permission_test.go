package session

import (
	"errors"
	"testing"

	"github.com/inercia/tether/internal/event"
)

func permInfo(id string) event.PermissionInfo {
	return event.PermissionInfo{
		ID:        id,
		SessionID: "ses-1",
		Title:     "run command",
	}
}

func TestPermissionsAddAndList(t *testing.T) {
	p := NewPermissions()
	p.Add(permInfo("perm-1"))
	p.Add(permInfo("perm-2"))

	list := p.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(list))
	}
	if list[0].ID != "perm-1" || list[1].ID != "perm-2" {
		t.Errorf("arrival order = %q, %q, want perm-1, perm-2", list[0].ID, list[1].ID)
	}
	if list[0].Status != PermissionPending {
		t.Errorf("status = %q, want %q", list[0].Status, PermissionPending)
	}
	if p.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", p.Pending())
	}
}

func TestPermissionsAddReplayIsNoop(t *testing.T) {
	p := NewPermissions()
	p.Add(permInfo("perm-1"))

	// Reconnection may replay recent events.
	replay := permInfo("perm-1")
	replay.Title = "changed"
	p.Add(replay)

	list := p.List()
	if len(list) != 1 {
		t.Fatalf("List() returned %d entries, want 1", len(list))
	}
	if list[0].Title != "run command" {
		t.Errorf("Title = %q, want original preserved", list[0].Title)
	}
}

func TestPermissionsResolveOutOfOrder(t *testing.T) {
	p := NewPermissions()
	p.Add(permInfo("perm-1"))
	p.Add(permInfo("perm-2"))

	if err := p.Resolve("perm-2"); err != nil {
		t.Fatalf("Resolve(perm-2) error = %v", err)
	}

	list := p.List()
	if len(list) != 1 || list[0].ID != "perm-1" {
		t.Errorf("remaining = %v, want only perm-1", list)
	}
}

func TestPermissionsResolveSettled(t *testing.T) {
	p := NewPermissions()
	p.Add(permInfo("perm-1"))
	p.ExpirePending()

	if err := p.Resolve("perm-1"); !errors.Is(err, ErrPermissionSettled) {
		t.Errorf("Resolve() on expired entry error = %v, want ErrPermissionSettled", err)
	}
}

func TestPermissionsResolveUnknown(t *testing.T) {
	p := NewPermissions()
	if err := p.Resolve("perm-nope"); !errors.Is(err, ErrPermissionNotFound) {
		t.Errorf("Resolve() error = %v, want ErrPermissionNotFound", err)
	}
}

func TestPermissionsExpirePending(t *testing.T) {
	p := NewPermissions()
	p.Add(permInfo("perm-1"))
	p.Add(permInfo("perm-2"))
	if err := p.Resolve("perm-1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	expired := p.ExpirePending()
	if len(expired) != 1 || expired[0] != "perm-2" {
		t.Errorf("ExpirePending() = %v, want [perm-2]", expired)
	}

	// Expired entries stay listed so the UI can explain the disappearance.
	perm, ok := p.Get("perm-2")
	if !ok {
		t.Fatal("expired entry removed from queue")
	}
	if perm.Status != PermissionExpired {
		t.Errorf("status = %q, want %q", perm.Status, PermissionExpired)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", p.Pending())
	}
}

func TestPermissionsDismiss(t *testing.T) {
	p := NewPermissions()
	p.Add(permInfo("perm-1"))

	if err := p.Dismiss("perm-1"); !errors.Is(err, ErrPermissionPending) {
		t.Errorf("Dismiss() on pending entry error = %v, want ErrPermissionPending", err)
	}

	p.ExpirePending()
	if err := p.Dismiss("perm-1"); err != nil {
		t.Fatalf("Dismiss() error = %v", err)
	}
	if len(p.List()) != 0 {
		t.Errorf("List() not empty after dismiss")
	}
}

func TestPermissionsBeginRespond(t *testing.T) {
	p := NewPermissions()
	p.Add(permInfo("perm-1"))

	if err := p.BeginRespond("perm-1"); err != nil {
		t.Errorf("BeginRespond() error = %v", err)
	}

	p.ExpirePending()
	if err := p.BeginRespond("perm-1"); !errors.Is(err, ErrPermissionSettled) {
		t.Errorf("BeginRespond() on expired entry error = %v, want ErrPermissionSettled", err)
	}
	if err := p.BeginRespond("perm-nope"); !errors.Is(err, ErrPermissionNotFound) {
		t.Errorf("BeginRespond() on unknown id error = %v, want ErrPermissionNotFound", err)
	}
}
