package call

import (
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

type EventType string

const (
	EventState          EventType = "state"
	EventBusy           EventType = "busy"
	EventRoomJoined     EventType = "room_joined"
	EventParticipant    EventType = "participant"
	EventSettings       EventType = "settings"
	EventRemoteSettings EventType = "remote_settings"
	EventQuality        EventType = "quality"
	EventRemoteTrack    EventType = "remote_track"
	EventError          EventType = "error"
)

// Event is published on the Bus for every observable change.
type Event struct {
	Type        EventType    `json:"type"`
	CallID      string       `json:"callId"`
	State       State        `json:"state"`
	Prev        State        `json:"prev"`
	Missed      bool         `json:"missed,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Error       string       `json:"error,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	Session     *Session     `json:"session,omitempty"`
	TrackKind   string       `json:"trackKind,omitempty"`
	Time        time.Time    `json:"time"`
}

type handlerEntry struct {
	id uint64
	fn func(Event)
}

// Bus fans events out to synchronous handlers and to buffered channel
// subscribers. Handlers run in registration order on the publishing
// goroutine; channel subscribers that fall behind lose events.
type Bus struct {
	mu       sync.RWMutex
	subs     map[chan Event]struct{}
	handlers []handlerEntry
	nextID   uint64
	recent   *util.RingBuffer[Event]
}

func NewBus(history int) *Bus {
	if history <= 0 {
		history = 200
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		recent: util.NewRingBuffer[Event](history),
	}
}

// OnEvent registers a synchronous handler. Handlers must not block and
// must not call back into the Machine while holding their own locks.
func (b *Bus) OnEvent(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, handlerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, h := range b.handlers {
				if h.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.recent.Push(e)

	b.mu.RLock()
	handlers := make([]func(Event), len(b.handlers))
	for i, h := range b.handlers {
		handlers[i] = h.fn
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		safeHandle(fn, e)
	}

	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
	b.mu.RUnlock()
}

func safeHandle(fn func(Event), e Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("CALL [%s]: event handler panicked on %s: %v", e.CallID, e.Type, p)
		}
	}()
	fn(e)
}

// Recent returns up to n of the latest events, oldest first.
func (b *Bus) Recent(n int) []Event {
	return b.recent.Last(n)
}
