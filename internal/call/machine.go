// Package call owns the single active call on this device: its state
// machine, the invitation timers and the typed event bus everything else
// observes it through.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("call")

// Server messages on call_error that mean joining the call room failed.
var joinErrors = []string{
	"call not found",
	"you are not a participant in this call",
	"failed to join call room",
}

type Options struct {
	SelfID      string
	DisplayName string
	Avatar      string
	API         API
	Channel     signaling.Channel
	Bus         *Bus // optional; a private bus is created when nil
}

// Machine is the call session state machine. It holds at most one
// non-terminal Session; its call id is the guard every inbound event is
// checked against.
type Machine struct {
	selfID     string
	selfName   string
	selfAvatar string
	api        API
	ch         signaling.Channel
	bus        *Bus

	mu       sync.Mutex
	active   *Session
	inflight bool
	cleanups []func()
	closed   bool

	unsubs []func()
}

func NewMachine(opts Options) *Machine {
	m := &Machine{
		selfID:     opts.SelfID,
		selfName:   opts.DisplayName,
		selfAvatar: opts.Avatar,
		api:        opts.API,
		ch:         opts.Channel,
		bus:        opts.Bus,
	}
	if m.bus == nil {
		m.bus = NewBus(0)
	}
	m.unsubs = []func(){
		m.ch.Subscribe(signaling.EventIncomingCall, m.onIncomingCall),
		m.ch.Subscribe(signaling.EventCallAccepted, m.onCallAccepted),
		m.ch.Subscribe(signaling.EventCallDeclined, m.onCallDeclined),
		m.ch.Subscribe(signaling.EventCallEnded, m.onCallEnded),
		m.ch.Subscribe(signaling.EventCallRoomJoined, m.onRoomJoined),
		m.ch.Subscribe(signaling.EventUserJoinedCall, m.onPresence(StatusConnected)),
		m.ch.Subscribe(signaling.EventUserLeftCall, m.onPresence(StatusLeft)),
		m.ch.Subscribe(signaling.EventCallError, m.onCallError),
	}
	return m
}

func (m *Machine) Bus() *Bus { return m.bus }

func (m *Machine) SelfID() string { return m.selfID }

// ActiveCallID returns the guarded call id, or "" when idle.
func (m *Machine) ActiveCallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.CallID
}

// Current returns a copy of the active session.
func (m *Machine) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.CallID == "" {
		return Session{}, false
	}
	return *m.active.clone(), true
}

// Attach registers fn to run when callID reaches a terminal state. It
// returns false, without registering, when callID is not the active call;
// the caller then owns the cleanup.
func (m *Machine) Attach(callID string, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if callID == "" || m.active == nil || m.active.CallID != callID {
		return false
	}
	m.cleanups = append(m.cleanups, fn)
	return true
}

// ── transitions ──────────────────────────────────────────────────────────────

// batch collects work that must run after m.mu is released.
type batch struct {
	events   []Event
	cleanups []func()
}

func (m *Machine) run(b batch) {
	for _, fn := range b.cleanups {
		runCleanup(fn)
	}
	for _, e := range b.events {
		m.bus.Publish(e)
	}
}

func runCleanup(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("CALL: cleanup panicked: %v", p)
		}
	}()
	fn()
}

func (m *Machine) activeLocked(callID string) *Session {
	if m.active == nil || callID == "" || m.active.CallID != callID {
		return nil
	}
	return m.active
}

// transitionLocked moves the active session to st and queues the state
// event. Terminal states release the guard.
func (m *Machine) transitionLocked(b *batch, st State, opt func(*Event)) {
	s := m.active
	prev := s.State
	s.State = st
	now := time.Now()
	if st.Terminal() {
		s.EndedAt = now
	}
	e := Event{
		Type:    EventState,
		CallID:  s.CallID,
		State:   st,
		Prev:    prev,
		Session: s.clone(),
		Time:    now,
	}
	if opt != nil {
		opt(&e)
	}
	log.Infof("CALL [%s]: %s -> %s%s", s.CallID, prev, st, reasonSuffix(e))
	b.events = append(b.events, e)
	if st.Terminal() {
		b.cleanups = append(b.cleanups, m.resetLocked()...)
	}
}

// resetLocked clears the guard and the in-flight flag and hands back the
// call-scoped cleanups, newest first.
func (m *Machine) resetLocked() []func() {
	m.active = nil
	m.inflight = false
	c := m.cleanups
	m.cleanups = nil
	slices.Reverse(c)
	return c
}

func reasonSuffix(e Event) string {
	switch {
	case e.Error != "":
		return " (" + e.Error + ")"
	case e.Reason != "":
		return " (" + e.Reason + ")"
	}
	return ""
}

func withReason(reason string, err error) func(*Event) {
	return func(e *Event) {
		e.Reason = reason
		if err != nil {
			e.Error = err.Error()
		}
	}
}

// begin claims the in-flight flag for the active call. expect, when set,
// must match the active call id.
func (m *Machine) begin(expect, op string, states ...State) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active
	if s == nil || s.CallID == "" || (expect != "" && s.CallID != expect) {
		return nil, ErrNoActiveCall
	}
	if m.inflight {
		return nil, ErrActionInFlight
	}
	if !slices.Contains(states, s.State) {
		return nil, fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, s.State)
	}
	m.inflight = true
	return s.clone(), nil
}

func (m *Machine) emit(ctx context.Context, event string, payload any) {
	if err := m.ch.Emit(ctx, event, payload); err != nil {
		log.Warnf("CALL: emit %s failed: %v", event, err)
	}
}

func (m *Machine) localParticipant(st ParticipantStatus, caller bool) Participant {
	return Participant{
		UserID:      m.selfID,
		DisplayName: m.selfName,
		AvatarRef:   m.selfAvatar,
		IsLocal:     true,
		IsCaller:    caller,
		Status:      st,
	}
}

// ── local actions ────────────────────────────────────────────────────────────

// Initiate starts an outgoing call. The guard is reserved before the
// server is asked for a call id so a racing incoming call sees us busy.
func (m *Machine) Initiate(ctx context.Context, chatID string, kind Kind, isGroup bool) (string, error) {
	if strings.TrimSpace(chatID) == "" {
		return "", fmt.Errorf("%w: chat id is required", ErrInvalidArgument)
	}
	if kind != Audio && kind != Video {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidArgument, kind)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if m.active != nil {
		m.mu.Unlock()
		return "", ErrAlreadyInCall
	}
	s := &Session{
		ChatID:       chatID,
		Kind:         kind,
		IsGroup:      isGroup,
		State:        Idle,
		Outgoing:     true,
		StartedAt:    time.Now(),
		Participants: []Participant{m.localParticipant(StatusConnected, true)},
	}
	m.active = s
	m.inflight = true
	m.mu.Unlock()

	callID, err := m.api.Initiate(ctx, chatID, kind)
	if err == nil && callID == "" {
		err = errors.New("server returned no call id")
	}

	m.mu.Lock()
	if m.active != s {
		m.mu.Unlock()
		return "", ErrCallChanged
	}
	if err != nil {
		m.active = nil
		m.inflight = false
		m.mu.Unlock()
		log.Warnf("CALL: initiate in chat %s failed: %v", chatID, err)
		m.bus.Publish(Event{Type: EventError, State: Idle, Error: err.Error()})
		return "", fmt.Errorf("initiate call: %w", err)
	}
	s.CallID = callID
	m.inflight = false
	var b batch
	m.transitionLocked(&b, OutgoingRinging, nil)
	m.mu.Unlock()
	m.run(b)

	m.emit(ctx, signaling.EventJoinCallRoom, signaling.CallRef{CallID: callID})
	return callID, nil
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	s, err := m.begin("", "accept", IncomingRinging)
	if err != nil {
		return err
	}
	apiErr := m.api.Join(ctx, s.CallID)

	m.mu.Lock()
	cur := m.activeLocked(s.CallID)
	if cur == nil {
		m.mu.Unlock()
		return ErrCallChanged
	}
	m.inflight = false
	var b batch
	if apiErr != nil {
		m.transitionLocked(&b, Ended, withReason("join failed", apiErr))
	} else {
		if p := cur.local(); p != nil {
			p.Status = StatusConnected
		}
		m.transitionLocked(&b, Connecting, nil)
	}
	m.mu.Unlock()
	m.run(b)

	if apiErr != nil {
		return fmt.Errorf("join call %s: %w", s.CallID, apiErr)
	}
	m.emit(ctx, signaling.EventJoinCallRoom, signaling.CallRef{CallID: s.CallID})
	return nil
}

// Decline rejects the ringing incoming call.
func (m *Machine) Decline(ctx context.Context) error {
	return m.declineCall(ctx, "", false)
}

func (m *Machine) declineCall(ctx context.Context, expect string, missed bool) error {
	s, err := m.begin(expect, "decline", IncomingRinging)
	if err != nil {
		return err
	}
	apiErr := m.api.Decline(ctx, s.CallID)

	m.mu.Lock()
	cur := m.activeLocked(s.CallID)
	if cur == nil {
		m.mu.Unlock()
		return ErrCallChanged
	}
	reason := "declined"
	if p := cur.local(); p != nil {
		p.Status = StatusDeclined
		if missed {
			p.Status = StatusMissed
		}
	}
	if missed {
		reason = "timeout"
	}
	var b batch
	m.transitionLocked(&b, Declined, func(e *Event) {
		e.Missed = missed
		withReason(reason, apiErr)(e)
	})
	m.mu.Unlock()
	m.run(b)

	if apiErr != nil {
		return fmt.Errorf("decline call %s: %w", s.CallID, apiErr)
	}
	return nil
}

// Cancel withdraws an outgoing call that has not been answered.
func (m *Machine) Cancel(ctx context.Context) error {
	return m.cancelCall(ctx, "", "cancelled")
}

func (m *Machine) cancelCall(ctx context.Context, expect, reason string) error {
	s, err := m.begin(expect, "cancel", OutgoingRinging)
	if err != nil {
		return err
	}
	apiErr := m.api.End(ctx, s.CallID)

	m.mu.Lock()
	if m.activeLocked(s.CallID) == nil {
		m.mu.Unlock()
		return ErrCallChanged
	}
	var b batch
	m.transitionLocked(&b, Cancelled, withReason(reason, apiErr))
	m.mu.Unlock()
	m.run(b)

	m.emit(ctx, signaling.EventLeaveCallRoom, signaling.CallRef{CallID: s.CallID})
	if apiErr != nil {
		return fmt.Errorf("cancel call %s: %w", s.CallID, apiErr)
	}
	return nil
}

// End hangs up. Ringing calls are cancelled or declined instead.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	var st State
	if m.active != nil {
		st = m.active.State
	}
	m.mu.Unlock()
	switch st {
	case OutgoingRinging:
		return m.Cancel(ctx)
	case IncomingRinging:
		return m.Decline(ctx)
	}

	s, err := m.begin("", "end", Connecting, Active)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.activeLocked(s.CallID) == nil {
		m.mu.Unlock()
		return ErrCallChanged
	}
	var b batch
	m.transitionLocked(&b, Ending, nil)
	m.mu.Unlock()
	m.run(b)

	var apiErr error
	if s.IsGroup {
		apiErr = m.api.Leave(ctx, s.CallID)
	} else {
		apiErr = m.api.End(ctx, s.CallID)
	}
	m.emit(ctx, signaling.EventLeaveCallRoom, signaling.CallRef{CallID: s.CallID})

	var done batch
	m.mu.Lock()
	if m.activeLocked(s.CallID) != nil {
		m.transitionLocked(&done, Ended, withReason("hung up", apiErr))
	}
	m.mu.Unlock()
	m.run(done)

	if apiErr != nil {
		return fmt.Errorf("end call %s: %w", s.CallID, apiErr)
	}
	return nil
}

// MarkConnected records that media is flowing for callID.
func (m *Machine) MarkConnected(callID string) bool {
	m.mu.Lock()
	cur := m.activeLocked(callID)
	if cur == nil || (cur.State != Connecting && cur.State != OutgoingRinging) {
		m.mu.Unlock()
		return false
	}
	if !cur.IsGroup {
		for i := range cur.Participants {
			if !cur.Participants[i].IsLocal {
				cur.Participants[i].Status = StatusConnected
			}
		}
	}
	var b batch
	m.transitionLocked(&b, Active, nil)
	m.mu.Unlock()
	m.run(b)
	return true
}

// Fail ends callID because of err and tells the server we are gone.
func (m *Machine) Fail(callID string, err error) {
	m.mu.Lock()
	cur := m.activeLocked(callID)
	if cur == nil {
		m.mu.Unlock()
		return
	}
	snap := cur.clone()
	var b batch
	m.transitionLocked(&b, Ended, withReason("failed", err))
	m.mu.Unlock()
	m.run(b)

	go m.notifyGone(snap)
}

func (m *Machine) notifyGone(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	var err error
	switch {
	case s.State == IncomingRinging:
		err = m.api.Decline(ctx, s.CallID)
	case s.IsGroup:
		err = m.api.Leave(ctx, s.CallID)
	default:
		err = m.api.End(ctx, s.CallID)
	}
	if err != nil {
		log.Debugf("CALL [%s]: server notify after failure: %v", s.CallID, err)
	}
	m.emit(ctx, signaling.EventLeaveCallRoom, signaling.CallRef{CallID: s.CallID})
}

// Rejoin re-announces the active call room, e.g. after the signaling
// connection was re-established.
func (m *Machine) Rejoin(ctx context.Context) {
	m.mu.Lock()
	s := m.active
	callID := ""
	if s != nil && (s.State == OutgoingRinging || s.State == Connecting || s.State == Active) {
		callID = s.CallID
	}
	m.mu.Unlock()
	if callID != "" {
		m.emit(ctx, signaling.EventJoinCallRoom, signaling.CallRef{CallID: callID})
	}
}

// ── settings and media feedback ──────────────────────────────────────────────

// SetLocalSettings updates the local mute flags and persists them on the
// server. The local change stands even if the server call fails.
func (m *Machine) SetLocalSettings(ctx context.Context, audioMuted, videoMuted bool) (signaling.CallSettings, error) {
	return m.updateLocal(ctx, func(p *Participant) {
		p.AudioMuted = audioMuted
		p.VideoMuted = videoMuted
	})
}

// ToggleAudio flips local audio and returns the new muted state.
func (m *Machine) ToggleAudio(ctx context.Context) (bool, error) {
	st, err := m.updateLocal(ctx, func(p *Participant) { p.AudioMuted = !p.AudioMuted })
	return st.MuteAudio, err
}

// ToggleVideo flips local video and returns the new disabled state.
func (m *Machine) ToggleVideo(ctx context.Context) (bool, error) {
	st, err := m.updateLocal(ctx, func(p *Participant) { p.VideoMuted = !p.VideoMuted })
	return st.MuteVideo, err
}

func (m *Machine) updateLocal(ctx context.Context, mutate func(*Participant)) (signaling.CallSettings, error) {
	m.mu.Lock()
	s := m.active
	if s == nil || s.CallID == "" || s.State.Terminal() {
		m.mu.Unlock()
		return signaling.CallSettings{}, ErrNoActiveCall
	}
	p := s.local()
	if p == nil {
		m.mu.Unlock()
		return signaling.CallSettings{}, ErrNoActiveCall
	}
	mutate(p)
	pc := *p
	settings := s.Settings()
	e := Event{Type: EventSettings, CallID: s.CallID, State: s.State, Prev: s.State, Participant: &pc, Session: s.clone()}
	callID := s.CallID
	m.mu.Unlock()

	log.Infof("CALL [%s]: local audio muted=%v video muted=%v", callID, settings.MuteAudio, settings.MuteVideo)
	m.bus.Publish(e)

	if err := m.api.UpdateSettings(ctx, callID, settings); err != nil {
		return settings, fmt.Errorf("update settings for call %s: %w", callID, err)
	}
	return settings, nil
}

// ApplyRemoteSettings records another participant's mute flags. Updates
// from ourselves or for another call are ignored.
func (m *Machine) ApplyRemoteSettings(callID, userID string, st signaling.CallSettings) bool {
	if userID == "" || userID == m.selfID {
		return false
	}
	m.mu.Lock()
	cur := m.activeLocked(callID)
	if cur == nil || cur.State.Terminal() {
		m.mu.Unlock()
		return false
	}
	p := cur.participant(userID, StatusConnected)
	p.AudioMuted = st.MuteAudio
	p.VideoMuted = st.MuteVideo
	pc := *p
	e := Event{Type: EventRemoteSettings, CallID: callID, State: cur.State, Prev: cur.State, Participant: &pc, Session: cur.clone()}
	m.mu.Unlock()

	m.bus.Publish(e)
	return true
}

// SetConnectionQuality records the media quality towards userID; an empty
// userID means the local participant.
func (m *Machine) SetConnectionQuality(callID, userID string, q Quality) {
	m.mu.Lock()
	cur := m.activeLocked(callID)
	if cur == nil {
		m.mu.Unlock()
		return
	}
	var p *Participant
	if userID == "" || userID == m.selfID {
		p = cur.local()
	} else {
		p = cur.participant(userID, StatusConnected)
	}
	if p == nil || p.ConnectionQuality == q {
		m.mu.Unlock()
		return
	}
	p.ConnectionQuality = q
	pc := *p
	e := Event{Type: EventQuality, CallID: callID, State: cur.State, Prev: cur.State, Participant: &pc}
	m.mu.Unlock()

	m.bus.Publish(e)
}

// NotifyRemoteTrack reports that a remote track of trackKind from userID
// is playing.
func (m *Machine) NotifyRemoteTrack(callID, userID, trackKind string) {
	m.mu.Lock()
	cur := m.activeLocked(callID)
	if cur == nil {
		m.mu.Unlock()
		return
	}
	var pc *Participant
	if userID != "" && userID != m.selfID {
		p := cur.participant(userID, StatusConnected)
		p.Status = StatusConnected
		cp := *p
		pc = &cp
	}
	e := Event{Type: EventRemoteTrack, CallID: callID, State: cur.State, Prev: cur.State, Participant: pc, TrackKind: trackKind}
	m.mu.Unlock()

	log.Infof("CALL [%s]: remote %s track from %s", callID, trackKind, userID)
	m.bus.Publish(e)
}

// ── inbound events ───────────────────────────────────────────────────────────

func (m *Machine) onIncomingCall(data json.RawMessage) {
	ic, err := signaling.Decode[signaling.IncomingCall](data)
	if err != nil || ic.CallID == "" {
		log.Warnf("CALL: dropping malformed incoming_call: %v", err)
		return
	}
	if ic.Caller.ID != "" && ic.Caller.ID == m.selfID {
		return
	}
	kind, err := ParseKind(ic.CallType)
	if err != nil {
		log.Debugf("CALL [%s]: %v, assuming audio", ic.CallID, err)
		kind = Audio
	}
	caller := Participant{
		UserID:      ic.Caller.ID,
		DisplayName: ic.Caller.Username,
		AvatarRef:   ic.Caller.Avatar,
		IsCaller:    true,
		Status:      StatusConnected,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if s := m.active; s != nil {
		if s.CallID == ic.CallID {
			m.mu.Unlock()
			log.Debugf("CALL [%s]: duplicate incoming_call ignored", ic.CallID)
			return
		}
		m.mu.Unlock()
		log.Infof("CALL [%s]: busy, ignoring incoming call from %s", ic.CallID, ic.Caller.ID)
		m.bus.Publish(Event{Type: EventBusy, CallID: ic.CallID, State: IncomingRinging, Reason: ErrBusy.Error(), Participant: &caller})
		return
	}
	m.active = &Session{
		CallID:    ic.CallID,
		ChatID:    string(ic.ChatID),
		Kind:      kind,
		IsGroup:   ic.IsGroup,
		State:     Idle,
		StartedAt: time.Now(),
		Participants: []Participant{
			m.localParticipant(StatusRinging, false),
			caller,
		},
	}
	var b batch
	m.transitionLocked(&b, IncomingRinging, nil)
	m.mu.Unlock()
	m.run(b)
}

func (m *Machine) decodeRef(event string, data json.RawMessage) (signaling.CallRef, bool) {
	ref, err := signaling.Decode[signaling.CallRef](data)
	if err != nil || ref.CallID == "" {
		log.Warnf("CALL: dropping malformed %s: %v", event, err)
		return ref, false
	}
	return ref, true
}

func (m *Machine) onCallAccepted(data json.RawMessage) {
	ref, ok := m.decodeRef(signaling.EventCallAccepted, data)
	if !ok {
		return
	}
	uid := string(ref.UserID)

	m.mu.Lock()
	cur := m.activeLocked(ref.CallID)
	if cur == nil {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: stale call_accepted dropped", ref.CallID)
		return
	}
	if uid != "" && uid != m.selfID {
		cur.participant(uid, StatusConnected).Status = StatusConnected
	}
	var b batch
	switch cur.State {
	case OutgoingRinging:
		m.transitionLocked(&b, Connecting, nil)
	case Connecting:
		m.transitionLocked(&b, Active, nil)
	case IncomingRinging:
		if uid == m.selfID && !m.inflight {
			m.transitionLocked(&b, Ended, withReason("answered on another device", nil))
		}
	default:
		if uid != "" && uid != m.selfID {
			p := *cur.participant(uid, StatusConnected)
			b.events = append(b.events, Event{Type: EventParticipant, CallID: cur.CallID, State: cur.State, Prev: cur.State, Participant: &p, Session: cur.clone()})
		}
	}
	m.mu.Unlock()
	m.run(b)
}

func (m *Machine) onCallDeclined(data json.RawMessage) {
	ref, ok := m.decodeRef(signaling.EventCallDeclined, data)
	if !ok {
		return
	}
	uid := string(ref.UserID)
	if uid != "" && uid == m.selfID {
		return
	}

	m.mu.Lock()
	cur := m.activeLocked(ref.CallID)
	if cur == nil {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: stale call_declined dropped", ref.CallID)
		return
	}
	var b batch
	if uid != "" {
		cur.participant(uid, StatusDeclined).Status = StatusDeclined
	}
	if cur.IsGroup {
		if uid != "" {
			p := *cur.participant(uid, StatusDeclined)
			b.events = append(b.events, Event{Type: EventParticipant, CallID: cur.CallID, State: cur.State, Prev: cur.State, Participant: &p, Session: cur.clone()})
		}
	} else {
		m.transitionLocked(&b, Declined, withReason("declined by peer", nil))
	}
	m.mu.Unlock()
	m.run(b)
}

func (m *Machine) onCallEnded(data json.RawMessage) {
	ref, ok := m.decodeRef(signaling.EventCallEnded, data)
	if !ok {
		return
	}

	m.mu.Lock()
	cur := m.activeLocked(ref.CallID)
	if cur == nil {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: stale call_ended dropped", ref.CallID)
		return
	}
	var b batch
	if cur.State == IncomingRinging {
		if p := cur.local(); p != nil {
			p.Status = StatusMissed
		}
		m.transitionLocked(&b, Missed, func(e *Event) {
			e.Missed = true
			e.Reason = "caller hung up"
		})
	} else {
		m.transitionLocked(&b, Ended, withReason("ended by peer", nil))
	}
	m.mu.Unlock()
	m.run(b)
}

func (m *Machine) onRoomJoined(data json.RawMessage) {
	ev, err := signaling.Decode[signaling.CallRoomJoined](data)
	if err != nil || ev.CallID == "" {
		log.Warnf("CALL: dropping malformed call_room_joined: %v", err)
		return
	}

	m.mu.Lock()
	cur := m.activeLocked(ev.CallID)
	if cur == nil || cur.State.Terminal() {
		m.mu.Unlock()
		log.Debugf("CALL [%s]: stale call_room_joined dropped", ev.CallID)
		return
	}
	cur.RoomID = ev.RoomID
	if len(ev.ICEServers) > 0 {
		cur.ICEServers = slices.Clone(ev.ICEServers)
	}
	for _, rp := range ev.Participants {
		if rp.User.ID == "" || rp.User.ID == m.selfID {
			continue
		}
		p := cur.participant(rp.User.ID, StatusConnected)
		p.Status = StatusConnected
		if rp.User.Username != "" {
			p.DisplayName = rp.User.Username
		}
		if rp.User.Avatar != "" {
			p.AvatarRef = rp.User.Avatar
		}
	}
	e := Event{Type: EventRoomJoined, CallID: cur.CallID, State: cur.State, Prev: cur.State, Session: cur.clone()}
	m.mu.Unlock()

	log.Infof("CALL [%s]: joined room %s with %d participant(s)", ev.CallID, ev.RoomID, len(ev.Participants))
	m.bus.Publish(e)
}

func (m *Machine) onPresence(st ParticipantStatus) signaling.Handler {
	return func(data json.RawMessage) {
		ev, err := signaling.Decode[signaling.UserCallPresence](data)
		if err != nil || ev.CallID == "" || ev.UserID == "" {
			log.Warnf("CALL: dropping malformed presence event: %v", err)
			return
		}
		uid := string(ev.UserID)
		if uid == m.selfID {
			return
		}

		m.mu.Lock()
		cur := m.activeLocked(ev.CallID)
		if cur == nil || cur.State.Terminal() {
			m.mu.Unlock()
			return
		}
		p := cur.participant(uid, st)
		p.Status = st
		if ev.Username != "" {
			p.DisplayName = ev.Username
		}
		if ev.Avatar != "" {
			p.AvatarRef = ev.Avatar
		}
		pc := *p
		e := Event{Type: EventParticipant, CallID: cur.CallID, State: cur.State, Prev: cur.State, Participant: &pc, Session: cur.clone()}
		m.mu.Unlock()

		log.Infof("CALL [%s]: participant %s %s", ev.CallID, uid, st)
		m.bus.Publish(e)
	}
}

func (m *Machine) onCallError(data json.RawMessage) {
	ce, err := signaling.Decode[signaling.CallError](data)
	if err != nil {
		log.Warnf("CALL: dropping malformed call_error: %v", err)
		return
	}

	m.mu.Lock()
	var callID string
	var st State
	if m.active != nil {
		callID, st = m.active.CallID, m.active.State
	}
	m.mu.Unlock()

	log.Warnf("CALL [%s]: server error: %s", callID, ce.Message)
	if callID == "" {
		return
	}
	m.bus.Publish(Event{Type: EventError, CallID: callID, State: st, Prev: st, Error: ce.Message})

	msg := strings.ToLower(strings.TrimSpace(ce.Message))
	if (st == Connecting || st == OutgoingRinging) && slices.Contains(joinErrors, msg) {
		m.Fail(callID, fmt.Errorf("%w: %s", ErrServer, ce.Message))
	}
}

// Close ends any active call locally and detaches from the channel.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsubs := m.unsubs
	m.unsubs = nil
	var b batch
	if m.active != nil && m.active.CallID != "" {
		m.transitionLocked(&b, Ended, withReason("shutdown", nil))
	} else {
		m.active = nil
	}
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	m.run(b)
}
