package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

// Ringer times out unanswered calls. An incoming call still ringing after
// the incoming timeout is declined and reported as missed; an outgoing
// call still ringing after the outgoing timeout is cancelled.
type Ringer struct {
	m *Machine

	mu       sync.Mutex
	incoming time.Duration
	outgoing time.Duration
	timer    *time.Timer
	callID   string

	unsub func()
}

// NewRinger attaches to m's bus. An outgoing timeout of 0 disables it.
func NewRinger(m *Machine, incoming, outgoing time.Duration) *Ringer {
	r := &Ringer{m: m, incoming: incoming, outgoing: outgoing}
	r.unsub = m.Bus().OnEvent(r.onEvent)
	return r
}

// SetTimeouts applies new timeouts to calls that start ringing afterwards.
func (r *Ringer) SetTimeouts(incoming, outgoing time.Duration) {
	r.mu.Lock()
	r.incoming, r.outgoing = incoming, outgoing
	r.mu.Unlock()
}

func (r *Ringer) Close() {
	r.unsub()
	r.stop("")
}

func (r *Ringer) onEvent(e Event) {
	if e.Type != EventState {
		return
	}
	switch e.State {
	case IncomingRinging:
		r.mu.Lock()
		d := r.incoming
		r.mu.Unlock()
		r.arm(e.CallID, d, func(ctx context.Context) error {
			return r.m.declineCall(ctx, e.CallID, true)
		})
	case OutgoingRinging:
		r.mu.Lock()
		d := r.outgoing
		r.mu.Unlock()
		if d <= 0 {
			return
		}
		r.arm(e.CallID, d, func(ctx context.Context) error {
			return r.m.cancelCall(ctx, e.CallID, "timeout")
		})
	default:
		r.stop(e.CallID)
	}
}

func (r *Ringer) arm(callID string, d time.Duration, expire func(context.Context) error) {
	if d <= 0 {
		return
	}
	t := time.AfterFunc(d, func() {
		r.mu.Lock()
		if r.callID != callID {
			r.mu.Unlock()
			return
		}
		r.timer, r.callID = nil, ""
		r.mu.Unlock()

		log.Infof("CALL [%s]: no answer after %s", callID, d)
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
		defer cancel()
		if err := expire(ctx); err != nil && !errors.Is(err, ErrNoActiveCall) && !errors.Is(err, ErrInvalidState) {
			log.Warnf("CALL [%s]: ring timeout: %v", callID, err)
		}
	})

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer, r.callID = t, callID
	r.mu.Unlock()

	if !r.m.Attach(callID, func() { r.stop(callID) }) {
		r.stop(callID)
	}
}

// stop disarms the timer for callID, or any timer when callID is empty.
func (r *Ringer) stop(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer == nil || (callID != "" && r.callID != callID) {
		return
	}
	r.timer.Stop()
	r.timer, r.callID = nil, ""
}
