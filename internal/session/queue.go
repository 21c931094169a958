package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueueEntry is a user message deferred while the agent is busy.
type QueueEntry struct {
	// ID is the unique identifier for this queued entry (auto-assigned).
	ID string `json:"id"`
	// Text is the message content to send when the entry is dequeued.
	Text string `json:"text"`
	// Position is the 1-based FIFO position, recomputed on every mutation.
	Position int `json:"position"`
	// QueuedAt is when the entry was added to the queue.
	QueuedAt time.Time `json:"queued_at"`
}

// Queue is the FIFO of messages deferred while a turn is in flight.
// It is safe for concurrent use. Entries drain one per completed turn; the
// controller is the only caller of DequeueNext.
type Queue struct {
	mu      sync.Mutex
	entries []QueueEntry
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a message to the queue and returns the assigned entry.
func (q *Queue) Enqueue(text string) QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := QueueEntry{
		ID:       "q-" + uuid.NewString(),
		Text:     text,
		QueuedAt: time.Now(),
	}
	q.entries = append(q.entries, entry)
	q.renumber()
	return q.entries[len(q.entries)-1]
}

// DequeueNext removes and returns the first entry.
// Returns ErrQueueEmpty if the queue is empty. It must only be invoked on
// the reducer's busy-to-idle transition.
func (q *Queue) DequeueNext() (QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return QueueEntry{}, ErrQueueEmpty
	}

	entry := q.entries[0]
	q.entries = q.entries[1:]
	q.renumber()
	return entry, nil
}

// Remove removes a not-yet-sent entry by id and renumbers the rest.
// Returns ErrEntryNotFound if the id is unknown.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, entry := range q.entries {
		if entry.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.renumber()
			return nil
		}
	}
	return ErrEntryNotFound
}

// Clear empties the queue. Used on session switch.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// List returns all entries in FIFO order.
func (q *Queue) List() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]QueueEntry, len(q.entries))
	copy(result, q.entries)
	return result
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// renumber reassigns contiguous 1-based positions. Caller holds q.mu.
func (q *Queue) renumber() {
	for i := range q.entries {
		q.entries[i].Position = i + 1
	}
}
