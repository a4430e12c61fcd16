// Package relay exchanges offers, answers and ICE candidates for one 1:1
// call between the local peer connection and the remote user.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("relay")

var ErrClosed = errors.New("relay: closed")

// Peer is the local WebRTC endpoint. CreateOffer and CreateAnswer also
// apply the result as the local description.
type Peer interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	Close() error
}

// Guard reports the call currently allowed to receive signaling.
type Guard interface {
	ActiveCallID() string
}

type Options struct {
	CallID  string
	SelfID  string
	Channel signaling.Channel
	Peer    Peer
	Guard   Guard

	// Callee: how long to wait for an offer before asking for one.
	RequestOfferDelay time.Duration
	// Caller: delay before answering request_offer with the cached offer.
	OfferResendDelay time.Duration

	// OnError receives negotiation failures that leave the call unusable.
	OnError func(error)
}

type Relay struct {
	callID string
	selfID string
	ch     signaling.Channel
	peer   Peer
	guard  Guard

	requestOfferDelay time.Duration
	offerResendDelay  time.Duration
	onError           func(error)

	worker *util.Serial
	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	caller          bool
	offerSent       bool
	lastOffer       *webrtc.SessionDescription
	offerReceived   bool
	lastRemoteOffer string
	remoteSet       bool
	pending         []webrtc.ICECandidateInit
	timers          []*time.Timer
	unsubs          []func()
	closed          bool
}

func New(opts Options) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		callID:            opts.CallID,
		selfID:            opts.SelfID,
		ch:                opts.Channel,
		peer:              opts.Peer,
		guard:             opts.Guard,
		requestOfferDelay: opts.RequestOfferDelay,
		offerResendDelay:  opts.OfferResendDelay,
		onError:           opts.OnError,
		worker:            util.NewSerial(),
		ctx:               ctx,
		cancel:            cancel,
	}
	if r.requestOfferDelay <= 0 {
		r.requestOfferDelay = 2 * time.Second
	}
	if r.offerResendDelay <= 0 {
		r.offerResendDelay = 500 * time.Millisecond
	}

	r.peer.OnICECandidate(r.onLocalCandidate)
	r.unsubs = []func(){
		r.ch.Subscribe(signaling.EventWebRTCOffer, r.inbound(signaling.EventWebRTCOffer)),
		r.ch.Subscribe(signaling.EventWebRTCAnswer, r.inbound(signaling.EventWebRTCAnswer)),
		r.ch.Subscribe(signaling.EventWebRTCICECandidate, r.inbound(signaling.EventWebRTCICECandidate)),
	}
	return r
}

func (r *Relay) CallID() string { return r.callID }

// Start begins negotiation. The caller sends its offer; the callee waits
// for one and asks for it if none arrives in time.
func (r *Relay) Start(caller bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.caller = caller
	r.mu.Unlock()

	if caller {
		r.worker.Do(func() {
			if err := r.SendOffer(r.ctx); err != nil && !errors.Is(err, ErrClosed) {
				r.fail(fmt.Errorf("send offer: %w", err))
			}
		})
		return
	}
	r.after(r.requestOfferDelay, r.requestOffer)
}

// SendOffer creates and emits the local offer once per call. Later calls
// are no-ops unless the previous attempt failed.
func (r *Relay) SendOffer(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.offerSent {
		r.mu.Unlock()
		log.Debugf("RELAY [%s]: offer already sent", r.callID)
		return nil
	}
	r.offerSent = true
	r.mu.Unlock()

	offer, err := r.peer.CreateOffer(ctx)
	if err != nil {
		r.mu.Lock()
		r.offerSent = false
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.lastOffer = &offer
	r.mu.Unlock()

	log.Infof("RELAY [%s]: sending offer", r.callID)
	return r.emitOffer(ctx, offer)
}

func (r *Relay) emitOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	return r.ch.Emit(ctx, signaling.EventWebRTCOffer, signaling.OfferMessage{
		CallID: r.callID,
		Offer:  signaling.FromWebRTC(offer),
	})
}

func (r *Relay) requestOffer() {
	r.mu.Lock()
	skip := r.closed || r.offerReceived
	r.mu.Unlock()
	if skip {
		return
	}
	log.Infof("RELAY [%s]: no offer yet, requesting one", r.callID)
	err := r.ch.Emit(r.ctx, signaling.EventWebRTCOffer, signaling.OfferMessage{
		CallID: r.callID,
		Offer:  signaling.SessionDescription{Type: signaling.RequestOfferType},
	})
	if err != nil {
		log.Warnf("RELAY [%s]: request_offer: %v", r.callID, err)
	}
}

// resendOffer answers request_offer with the cached offer, creating one
// only if none was ever made.
func (r *Relay) resendOffer() {
	r.mu.Lock()
	last := r.lastOffer
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	if last == nil {
		if err := r.SendOffer(r.ctx); err != nil && !errors.Is(err, ErrClosed) {
			r.fail(fmt.Errorf("send offer: %w", err))
		}
		return
	}
	log.Infof("RELAY [%s]: resending offer on request", r.callID)
	if err := r.emitOffer(r.ctx, *last); err != nil {
		log.Warnf("RELAY [%s]: resend offer: %v", r.callID, err)
	}
}

// ── inbound ──────────────────────────────────────────────────────────────────

func (r *Relay) inbound(event string) signaling.Handler {
	return func(data json.RawMessage) {
		env, err := signaling.ParseEnvelope(event, data)
		if err != nil {
			log.Warnf("RELAY [%s]: dropping %s: %v", r.callID, event, err)
			return
		}
		if env.CallID != r.callID {
			log.Debugf("RELAY [%s]: %s for call %s dropped", r.callID, event, env.CallID)
			return
		}
		if err := env.Accept(r.selfID, r.guard.ActiveCallID()); err != nil {
			log.Debugf("RELAY [%s]: %s dropped: %v", r.callID, event, err)
			return
		}

		switch env.Kind {
		case signaling.KindOffer:
			r.onOffer(env)
		case signaling.KindRequestOffer:
			r.onRequestOffer()
		case signaling.KindAnswer:
			r.onAnswer(env)
		case signaling.KindICECandidate:
			r.onCandidate(env)
		}
	}
}

func (r *Relay) onOffer(env signaling.Envelope) {
	desc, err := signaling.Decode[signaling.SessionDescription](env.Payload)
	if err != nil || desc.SDP == "" {
		log.Warnf("RELAY [%s]: malformed offer: %v", r.callID, err)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if desc.SDP == r.lastRemoteOffer {
		r.mu.Unlock()
		log.Debugf("RELAY [%s]: duplicate offer ignored", r.callID)
		return
	}
	r.offerReceived = true
	r.lastRemoteOffer = desc.SDP
	r.mu.Unlock()

	r.worker.Do(func() {
		if r.isClosed() {
			return
		}
		if err := r.peer.SetRemoteDescription(desc.WebRTC()); err != nil {
			r.fail(fmt.Errorf("apply offer: %w", err))
			return
		}
		r.flush()

		answer, err := r.peer.CreateAnswer(r.ctx)
		if err != nil {
			r.fail(fmt.Errorf("create answer: %w", err))
			return
		}
		log.Infof("RELAY [%s]: sending answer", r.callID)
		if err := r.ch.Emit(r.ctx, signaling.EventWebRTCAnswer, signaling.AnswerMessage{
			CallID: r.callID,
			Answer: signaling.FromWebRTC(answer),
		}); err != nil {
			log.Warnf("RELAY [%s]: emit answer: %v", r.callID, err)
		}
	})
}

func (r *Relay) onRequestOffer() {
	r.mu.Lock()
	caller := r.caller
	closed := r.closed
	r.mu.Unlock()
	if closed || !caller {
		return
	}
	r.after(r.offerResendDelay, func() {
		r.worker.Do(r.resendOffer)
	})
}

func (r *Relay) onAnswer(env signaling.Envelope) {
	desc, err := signaling.Decode[signaling.SessionDescription](env.Payload)
	if err != nil || desc.SDP == "" {
		log.Warnf("RELAY [%s]: malformed answer: %v", r.callID, err)
		return
	}

	r.worker.Do(func() {
		r.mu.Lock()
		skip := r.closed || r.remoteSet || r.lastOffer == nil
		r.mu.Unlock()
		if skip {
			log.Debugf("RELAY [%s]: answer ignored", r.callID)
			return
		}
		if err := r.peer.SetRemoteDescription(desc.WebRTC()); err != nil {
			r.fail(fmt.Errorf("apply answer: %w", err))
			return
		}
		log.Infof("RELAY [%s]: answer applied", r.callID)
		r.flush()
	})
}

func (r *Relay) onCandidate(env signaling.Envelope) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Payload, &c); err != nil || c.Candidate == "" {
		log.Warnf("RELAY [%s]: malformed candidate: %v", r.callID, err)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if !r.remoteSet {
		r.pending = append(r.pending, c)
		n := len(r.pending)
		r.mu.Unlock()
		log.Debugf("RELAY [%s]: queued candidate (%d pending)", r.callID, n)
		return
	}
	r.mu.Unlock()

	r.worker.Do(func() { r.addCandidates([]webrtc.ICECandidateInit{c}) })
}

// flush marks the remote description as applied and hands the queued
// candidates to the peer in arrival order. It runs on the worker, so
// candidates that arrive afterwards are queued behind it.
func (r *Relay) flush() {
	r.mu.Lock()
	r.remoteSet = true
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) > 0 {
		log.Debugf("RELAY [%s]: flushing %d queued candidate(s)", r.callID, len(batch))
	}
	r.addCandidates(batch)
}

func (r *Relay) addCandidates(cs []webrtc.ICECandidateInit) {
	for _, c := range cs {
		if r.isClosed() {
			return
		}
		if err := r.peer.AddICECandidate(c); err != nil {
			log.Warnf("RELAY [%s]: add candidate: %v", r.callID, err)
		}
	}
}

func (r *Relay) onLocalCandidate(c webrtc.ICECandidateInit) {
	if r.isClosed() {
		return
	}
	err := r.ch.Emit(r.ctx, signaling.EventWebRTCICECandidate, signaling.CandidateMessage{
		CallID:    r.callID,
		Candidate: c,
	})
	if err != nil {
		log.Debugf("RELAY [%s]: emit candidate: %v", r.callID, err)
	}
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func (r *Relay) after(d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.timers = append(r.timers, time.AfterFunc(d, func() {
		if !r.isClosed() {
			fn()
		}
	}))
}

func (r *Relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Relay) fail(err error) {
	if r.isClosed() {
		return
	}
	log.Warnf("RELAY [%s]: %v", r.callID, err)
	if r.onError != nil {
		r.onError(err)
	}
}

// Close detaches from the channel, stops timers and the worker, and closes
// the peer in the background. It is safe to call more than once.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsubs := r.unsubs
	r.unsubs = nil
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	r.pending = nil
	r.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	r.cancel()
	r.worker.Stop()
	go func() {
		if err := r.peer.Close(); err != nil {
			log.Debugf("RELAY [%s]: close peer: %v", r.callID, err)
		}
	}()
	log.Infof("RELAY [%s]: closed", r.callID)
}
