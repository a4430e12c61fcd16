package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Channel. Emitted frames are recorded and inbound
// frames are injected with Deliver, which dispatches on the caller's
// goroutine.
type Memory struct {
	router

	mu     sync.Mutex
	sent   []Frame
	onEmit func(event string, data json.RawMessage)
	closed bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	f := Frame{Event: event, Data: data, Dir: Outbound, Time: time.Now()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.sent = append(m.sent, f)
	hook := m.onEmit
	m.mu.Unlock()

	m.publishTap(f)
	if hook != nil {
		hook(event, data)
	}
	return nil
}

// SetOnEmit installs a hook that sees every emitted frame, typically used
// to play the server's part in tests.
func (m *Memory) SetOnEmit(fn func(event string, data json.RawMessage)) {
	m.mu.Lock()
	m.onEmit = fn
	m.mu.Unlock()
}

// Deliver feeds an inbound event as if it came from the server.
func (m *Memory) Deliver(event string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	m.dispatch(event, data)
	return nil
}

// Sent returns a copy of every emitted frame.
func (m *Memory) Sent() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentEvents returns emitted frames named event, in emit order.
func (m *Memory) SentEvents(event string) []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Frame
	for _, f := range m.sent {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (m *Memory) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

// Subscriptions reports how many handlers are registered.
func (m *Memory) Subscriptions() int {
	return m.subscriptionCount()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
