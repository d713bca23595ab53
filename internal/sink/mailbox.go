package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Message is a message accepted by the sink
type Message struct {
	ID         string
	From       string
	To         []string
	Data       []byte
	AuthUser   string
	ClientIP   string
	ReceivedAt time.Time
}

// Mailbox stores accepted messages
type Mailbox interface {
	Store(msg *Message) error
}

// MemoryMailbox keeps messages in memory
type MemoryMailbox struct {
	mu       sync.Mutex
	messages []*Message
}

func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{}
}

func (m *MemoryMailbox) Store(msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a snapshot of stored messages
func (m *MemoryMailbox) Messages() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Message(nil), m.messages...)
}

// DirMailbox writes each message to <dir>/<id>.eml
type DirMailbox struct {
	dir string
}

func NewDirMailbox(dir string) (*DirMailbox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mailbox directory: %w", err)
	}
	return &DirMailbox{dir: dir}, nil
}

func (d *DirMailbox) Store(msg *Message) error {
	path := filepath.Join(d.dir, msg.ID+".eml")
	if err := os.WriteFile(path, msg.Data, 0644); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
