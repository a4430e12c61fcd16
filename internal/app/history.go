package app

import (
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
)

type CallStore interface {
	RecordCall(r storage.CallRecord) error
}

// Recorder writes every finished call to a CallStore. Writes happen on a
// worker so the event bus is never held up by the database.
type Recorder struct {
	store CallStore
	work  *util.Serial
	unsub func()

	mu        sync.Mutex
	connected map[string]time.Time
}

func NewRecorder(bus *call.Bus, store CallStore) *Recorder {
	r := &Recorder{
		store:     store,
		work:      util.NewSerial(),
		connected: make(map[string]time.Time),
	}
	r.unsub = bus.OnEvent(r.onEvent)
	return r
}

func (r *Recorder) onEvent(e call.Event) {
	if e.Type != call.EventState || e.Session == nil {
		return
	}
	if e.State == call.Active {
		r.mu.Lock()
		if _, ok := r.connected[e.CallID]; !ok {
			r.connected[e.CallID] = e.Time
		}
		r.mu.Unlock()
		return
	}
	if !e.State.Terminal() {
		return
	}

	r.mu.Lock()
	connectedAt := r.connected[e.CallID]
	delete(r.connected, e.CallID)
	r.mu.Unlock()

	rec := recordFor(e, connectedAt)
	r.work.Do(func() {
		if err := r.store.RecordCall(rec); err != nil {
			log.Warnf("HISTORY [%s]: record failed: %v", rec.CallID, err)
			return
		}
		log.Debugf("HISTORY [%s]: recorded %s", rec.CallID, rec.Outcome)
	})
}

func recordFor(e call.Event, connectedAt time.Time) storage.CallRecord {
	s := e.Session
	rec := storage.CallRecord{
		CallID:      s.CallID,
		ChatID:      s.ChatID,
		Kind:        string(s.Kind),
		Group:       s.IsGroup,
		Direction:   "incoming",
		Outcome:     outcomeOf(e),
		Reason:      e.Reason,
		StartedAt:   s.StartedAt,
		ConnectedAt: connectedAt,
		EndedAt:     s.EndedAt,
	}
	if s.Outgoing {
		rec.Direction = "outgoing"
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = e.Time
	}
	if e.Error != "" && rec.Reason == "" {
		rec.Reason = e.Error
	}
	for _, p := range s.Remote() {
		rec.Participants = append(rec.Participants, p.UserID)
	}
	return rec
}

func outcomeOf(e call.Event) storage.Outcome {
	switch {
	case e.Missed || e.State == call.Missed:
		return storage.OutcomeMissed
	case e.State == call.Declined:
		return storage.OutcomeDeclined
	case e.State == call.Cancelled:
		return storage.OutcomeCancelled
	case e.Error != "":
		return storage.OutcomeFailed
	default:
		return storage.OutcomeEnded
	}
}

// Close stops listening and waits up to timeout for queued writes.
func (r *Recorder) Close(timeout time.Duration) {
	r.unsub()
	done := make(chan struct{})
	if r.work.Do(func() { close(done) }) {
		select {
		case <-done:
		case <-time.After(timeout):
			log.Warn("HISTORY: pending writes dropped on shutdown")
		}
	}
	r.work.Stop()
}
