package session

import (
	"sync"
	"time"

	"github.com/inercia/tether/internal/event"
)

// PermissionStatus is the lifecycle state of a permission request.
type PermissionStatus string

const (
	// PermissionPending awaits a user decision.
	PermissionPending PermissionStatus = "pending"
	// PermissionResponded was answered; the entry is immutable.
	PermissionResponded PermissionStatus = "responded"
	// PermissionExpired was invalidated by its turn aborting or the session
	// ending; the entry is immutable and dismiss-only, so the UI can
	// explain the disappearance instead of it silently vanishing.
	PermissionExpired PermissionStatus = "expired"
)

// Permission is one tool-use approval request.
type Permission struct {
	event.PermissionInfo
	Status     PermissionStatus
	ReceivedAt time.Time
}

// Permissions is the pending approval queue for one session: requests keyed
// by id, exposed oldest-first, resolvable out of order with O(1) lookup.
// It is safe for concurrent use.
type Permissions struct {
	mu    sync.Mutex
	byID  map[string]*Permission
	order []string
}

// NewPermissions creates an empty permission queue.
func NewPermissions() *Permissions {
	return &Permissions{byID: make(map[string]*Permission)}
}

// Add records a new pending request announced by the server.
// Re-announcing an existing id (event replay after reconnect) is a no-op.
func (p *Permissions) Add(info event.PermissionInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[info.ID]; exists {
		return
	}
	p.byID[info.ID] = &Permission{
		PermissionInfo: info,
		Status:         PermissionPending,
		ReceivedAt:     time.Now(),
	}
	p.order = append(p.order, info.ID)
}

// Get returns a copy of the request with the given id.
func (p *Permissions) Get(id string) (Permission, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	perm, ok := p.byID[id]
	if !ok {
		return Permission{}, false
	}
	return *perm, true
}

// List returns all requests in arrival order, oldest first.
func (p *Permissions) List() []Permission {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]Permission, 0, len(p.order))
	for _, id := range p.order {
		result = append(result, *p.byID[id])
	}
	return result
}

// Pending returns the number of unresolved requests.
func (p *Permissions) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, perm := range p.byID {
		if perm.Status == PermissionPending {
			n++
		}
	}
	return n
}

// BeginRespond checks that the request exists and is still pending.
// The entry is left untouched; the caller performs the network call and
// then settles via Resolve or leaves the entry pending for retry on failure.
func (p *Permissions) BeginRespond(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	perm, ok := p.byID[id]
	if !ok {
		return ErrPermissionNotFound
	}
	if perm.Status != PermissionPending {
		return ErrPermissionSettled
	}
	return nil
}

// Resolve marks a pending request responded and removes it from the queue.
// Responding to an already-settled request is rejected, so state never
// regresses even if a slow response lands after an abort expired the entry.
func (p *Permissions) Resolve(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	perm, ok := p.byID[id]
	if !ok {
		return ErrPermissionNotFound
	}
	if perm.Status != PermissionPending {
		return ErrPermissionSettled
	}

	perm.Status = PermissionResponded
	delete(p.byID, id)
	p.remove(id)
	return nil
}

// ExpirePending transitions every pending request to expired.
// Invoked when the owning turn aborts or the session ends. Returns the ids
// that were expired.
func (p *Permissions) ExpirePending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []string
	for _, id := range p.order {
		if perm := p.byID[id]; perm != nil && perm.Status == PermissionPending {
			perm.Status = PermissionExpired
			expired = append(expired, id)
		}
	}
	return expired
}

// Dismiss removes an expired entry. Pending entries cannot be dismissed.
func (p *Permissions) Dismiss(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	perm, ok := p.byID[id]
	if !ok {
		return ErrPermissionNotFound
	}
	if perm.Status != PermissionExpired {
		return ErrPermissionPending
	}
	delete(p.byID, id)
	p.remove(id)
	return nil
}

// Clear drops every entry. Used on session switch.
func (p *Permissions) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID = make(map[string]*Permission)
	p.order = nil
}

// remove deletes id from the arrival order. Caller holds p.mu.
func (p *Permissions) remove(id string) {
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}
