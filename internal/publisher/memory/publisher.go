// Package memory is an in-process stand-in for the Pub/Sub publisher. It
// encodes payloads the same way so tests see what subscribers would receive.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one accepted publish.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Decode unmarshals the JSON body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// Publisher keeps published messages in order. The zero value is ready.
type Publisher struct {
	mu   sync.Mutex
	log  []Message
	fail error
}

// New returns an empty Publisher.
func New() *Publisher { return &Publisher{} }

// Failing returns a Publisher that rejects every publish with err.
func Failing(err error) *Publisher { return &Publisher{fail: err} }

// Publish encodes payload as JSON and records it under topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.fail != nil {
		return "", p.fail
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := Message{ID: fmt.Sprintf("%s-%d", topic, len(p.log)+1), Topic: topic, Data: data}
	p.log = append(p.log, msg)
	return msg.ID, nil
}

// Messages returns a copy of everything published, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.log...)
}
