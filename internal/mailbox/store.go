// Package mailbox holds the per-user append-only message logs. Entries are
// never removed on delivery; duplicate suppression happens on the client at
// merge time, keyed by message id.
package mailbox

import (
	"sync"

	"github.com/chatlink/chatlink/internal/wire"
	"github.com/chatlink/chatlink/pkg/metrics"
)

// Store keeps one ordered log per user id for the lifetime of the process.
// Logs are created lazily on first reference.
type Store struct {
	mu    sync.RWMutex
	boxes map[string][]wire.Message
}

// NewStore constructs an empty mailbox store.
func NewStore() *Store {
	return &Store{boxes: make(map[string][]wire.Message)}
}

// Ensure creates the mailbox for userID if it does not exist yet.
func (s *Store) Ensure(userID string) {
	s.mu.Lock()
	if _, ok := s.boxes[userID]; !ok {
		s.boxes[userID] = []wire.Message{}
	}
	s.mu.Unlock()
}

// Append adds a message to userID's log. The store does not dedup on write;
// duplicate storage is acceptable by design.
func (s *Store) Append(userID string, msg wire.Message) {
	s.mu.Lock()
	s.boxes[userID] = append(s.boxes[userID], msg)
	s.mu.Unlock()

	metrics.MailboxEntries.Inc()
}

// For returns a copy of userID's log in append order.
func (s *Store) For(userID string) []wire.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	box := s.boxes[userID]
	if len(box) == 0 {
		return nil
	}
	out := make([]wire.Message, len(box))
	copy(out, box)
	return out
}

// Find returns the first stored copy with the given message id, searching
// every mailbox.
func (s *Store) Find(messageID string) (wire.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, box := range s.boxes {
		for _, msg := range box {
			if msg.MessageID == messageID {
				return msg, true
			}
		}
	}
	return wire.Message{}, false
}

// UpdateStatus applies a status transition to every stored copy of the
// message and reports whether any copy was found. Illegal transitions leave
// the copy untouched.
func (s *Store) UpdateStatus(messageID string, to wire.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for userID, box := range s.boxes {
		for i := range box {
			if box[i].MessageID != messageID {
				continue
			}
			found = true
			if next, err := wire.TransitionStatus(box[i].Status, to); err == nil {
				box[i].Status = next
			}
		}
		s.boxes[userID] = box
	}
	return found
}

// Size reports the total number of stored entries, across all users.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, box := range s.boxes {
		total += len(box)
	}
	return total
}
