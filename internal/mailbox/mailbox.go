// Package mailbox gives the bounce analyzer a narrow view of a mail folder.
package mailbox

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrNoMessage is returned for ids that are not in the folder
var ErrNoMessage = errors.New("no such message")

// Mailbox lists, reads and flags messages of one folder.
// Ids are stable for the lifetime of the connection.
type Mailbox interface {
	// List returns up to limit ids of messages that are neither seen nor deleted, oldest first.
	// limit <= 0 lists everything.
	List(ctx context.Context, limit int) ([]uint32, error)
	// Fetch returns the raw RFC 5322 message without setting the seen flag
	Fetch(ctx context.Context, id uint32) ([]byte, error)
	MarkSeen(ctx context.Context, id uint32) error
	// Delete flags a message for removal on the next Expunge
	Delete(ctx context.Context, id uint32) error
	Expunge(ctx context.Context) error
	Close() error
}

type memMessage struct {
	id      uint32
	raw     []byte
	seen    bool
	deleted bool
}

// Memory is an in-process Mailbox, used by tests and `bounce simulate`
type Memory struct {
	mu       sync.Mutex
	next     uint32
	messages []*memMessage
}

func NewMemory() *Memory {
	return &Memory{next: 1}
}

// Add appends a message and returns its id
func (m *Memory) Add(raw []byte) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.messages = append(m.messages, &memMessage{id: id, raw: slices.Clone(raw)})
	return id
}

// Len returns the number of messages including those flagged deleted
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Flags reports the seen and deleted flags of a message
func (m *Memory) Flags(id uint32) (seen, deleted bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.find(id)
	if err != nil {
		return false, false, err
	}
	return msg.seen, msg.deleted, nil
}

func (m *Memory) List(ctx context.Context, limit int) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uint32
	for _, msg := range m.messages {
		if msg.seen || msg.deleted {
			continue
		}
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, msg.id)
	}
	return ids, nil
}

func (m *Memory) Fetch(ctx context.Context, id uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.find(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(msg.raw), nil
}

func (m *Memory) MarkSeen(ctx context.Context, id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.find(id)
	if err != nil {
		return err
	}
	msg.seen = true
	return nil
}

func (m *Memory) Delete(ctx context.Context, id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.find(id)
	if err != nil {
		return err
	}
	msg.deleted = true
	return nil
}

func (m *Memory) Expunge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = slices.DeleteFunc(m.messages, func(msg *memMessage) bool { return msg.deleted })
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) find(id uint32) (*memMessage, error) {
	for _, msg := range m.messages {
		if msg.id == id {
			return msg, nil
		}
	}
	return nil, ErrNoMessage
}
