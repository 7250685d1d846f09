package notify

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryInbox is an in-process Inbox.
type MemoryInbox struct {
	mu    sync.Mutex
	items []Notification
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{}
}

func (m *MemoryInbox) Send(_ context.Context, n Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, n)
	return nil
}

// List returns the user's notifications, newest first.
func (m *MemoryInbox) List(_ context.Context, userID uuid.UUID, unreadOnly bool) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Notification
	for _, n := range m.items {
		if n.UserID != userID || (unreadOnly && n.IsRead) {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryInbox) MarkRead(_ context.Context, id, userID uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.items {
		if m.items[i].ID == id && m.items[i].UserID == userID {
			m.items[i].IsRead = true
			n := m.items[i]
			return &n, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryInbox) MarkAllRead(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := 0
	for i := range m.items {
		if m.items[i].UserID == userID && !m.items[i].IsRead {
			m.items[i].IsRead = true
			updated++
		}
	}
	return updated, nil
}

// All returns a copy of every stored notification in arrival order.
func (m *MemoryInbox) All() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.items...)
}
