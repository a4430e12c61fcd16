// Package signaling is the adapter over the chat server's duplex event
// channel. Everything above it talks to a Channel; the WebSocket client and
// the in-memory channel are interchangeable.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signaling")

var (
	ErrNotConnected = errors.New("signaling: not connected")
	ErrClosed       = errors.New("signaling: channel closed")
	ErrMalformed    = errors.New("signaling: malformed payload")
	ErrSelfOrigin   = errors.New("signaling: event originated locally")
	ErrStaleCall    = errors.New("signaling: event for inactive call")
)

// Handler receives the raw data object of one inbound event.
type Handler func(data json.RawMessage)

// Channel is a bidirectional pub/sub event channel.
type Channel interface {
	// Emit sends event with payload marshalled as its data object.
	Emit(ctx context.Context, event string, payload any) error

	// Subscribe registers fn for event. A pattern ending in "*" matches
	// every event with that prefix. Handlers run on the delivery
	// goroutine in registration order and must not block.
	Subscribe(pattern string, fn Handler) (unsubscribe func())
}

// Direction of a frame relative to this client.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Frame is one event as seen on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Dir   Direction       `json:"dir,omitempty"`
	Time  time.Time       `json:"time"`
}

type subscription struct {
	id      uint64
	pattern string
	fn      Handler
}

func (s subscription) matches(event string) bool {
	if p, ok := strings.CutSuffix(s.pattern, "*"); ok {
		return strings.HasPrefix(event, p)
	}
	return s.pattern == event
}

// router holds subscriptions and taps. It is embedded by every Channel
// implementation.
type router struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	taps   map[chan Frame]struct{}
}

func (r *router) Subscribe(pattern string, fn Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription{id: id, pattern: pattern, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.subs {
				if s.id == id {
					r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// dispatch delivers one inbound frame to all matching handlers. The
// subscription list is snapshotted so handlers may unsubscribe themselves.
func (r *router) dispatch(event string, data json.RawMessage) {
	r.publishTap(Frame{Event: event, Data: data, Dir: Inbound, Time: time.Now()})

	r.mu.RLock()
	var matched []Handler
	for _, s := range r.subs {
		if s.matches(event) {
			matched = append(matched, s.fn)
		}
	}
	r.mu.RUnlock()

	for _, fn := range matched {
		r.safeCall(event, fn, data)
	}
}

func (r *router) safeCall(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("SIGNALING: handler for %s panicked: %v", event, p)
		}
	}()
	fn(data)
}

// Tap returns a stream of every inbound and outbound frame. Slow readers
// lose frames.
func (r *router) Tap() (<-chan Frame, func()) {
	ch := make(chan Frame, 128)
	r.mu.Lock()
	if r.taps == nil {
		r.taps = make(map[chan Frame]struct{})
	}
	r.taps[ch] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.taps[ch]; ok {
			delete(r.taps, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

func (r *router) publishTap(f Frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.taps {
		select {
		case ch <- f:
		default:
		}
	}
}

func (r *router) subscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b, nil
}
