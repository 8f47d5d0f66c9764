package chat

import (
	"sync"

	"github.com/eachlabs/quickchat/internal/transport"
)

// MessageLog is an append-only, insertion-ordered record of messages with
// at most one entry per message SID.
type MessageLog struct {
	mu       sync.RWMutex
	messages []transport.Message
	seen     map[string]struct{}
}

// NewMessageLog creates an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{seen: make(map[string]struct{})}
}

// Append adds msg unless a message with the same SID is already present.
// It reports whether msg was added.
func (l *MessageLog) Append(msg transport.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if msg.SID != "" {
		if _, dup := l.seen[msg.SID]; dup {
			return false
		}
		l.seen[msg.SID] = struct{}{}
	}
	l.messages = append(l.messages, msg)
	return true
}

// Snapshot returns a copy of the log in insertion order.
func (l *MessageLog) Snapshot() []transport.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]transport.Message(nil), l.messages...)
}

// Since returns a copy of the messages from position n onwards.
func (l *MessageLog) Since(n int) []transport.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(l.messages) {
		return nil
	}
	return append([]transport.Message(nil), l.messages[n:]...)
}

// Len returns the number of messages in the log.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
