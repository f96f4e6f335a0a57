// Package memory contains an in-memory event publisher for tests and local runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// Message is a published event in the same shape the Pub/Sub publisher puts
// on the wire: JSON data plus the event name.
type Message struct {
	ID    string
	Event string
	Data  []byte
}

// Publisher keeps the most recent messages. Safe for concurrent use.
type Publisher struct {
	mu       sync.Mutex
	limit    int
	seq      int
	messages []Message
}

// New returns a Publisher keeping at most limit messages; the oldest are
// dropped first. A non-positive limit keeps everything.
func New(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish encodes payload as JSON and stores it under a sequential id.
func (p *Publisher) Publish(_ context.Context, event string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := strconv.Itoa(p.seq)
	p.messages = append(p.messages, Message{ID: id, Event: event, Data: data})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append([]Message(nil), p.messages[len(p.messages)-p.limit:]...)
	}
	return id, nil
}

// Messages returns the retained messages, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
