// Package sfu drives a group call through a selective forwarding unit: one
// send transport carrying the local producers and one receive transport
// carrying a consumer per remote producer.
package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/sdpx"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("sfu")

// Sender is a local track attached to a transport peer.
type Sender interface {
	Stop() error
}

// RemoteTrack is the part of *webrtc.TrackRemote the manager needs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// TransportPeer is the local peer connection behind one SFU transport.
// CreateOffer also applies the offer as the local description.
type TransportPeer interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveSender(s Sender) error
	AddRecvTransceiver(kind webrtc.RTPCodecType) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	OnTrack(fn func(RemoteTrack))
	Close() error
}

type Engine interface {
	NewTransportPeer(dir Direction) (TransportPeer, error)
}

// Track is a remote track matched to the consumer it belongs to.
type Track struct {
	ConsumerID string
	ProducerID string
	PeerID     string
	Kind       string
	Remote     RemoteTrack
}

type Options struct {
	RoomID  string
	PeerID  string
	Channel signaling.Channel
	Engine  Engine

	RetryDelay time.Duration
	MaxRetries int

	OnTrack      func(Track)
	OnTrackEnded func(Track)
	OnError      func(error)
}

type transport struct {
	dir         Direction
	info        sdpx.Transport
	peer        TransportPeer
	connectSent bool
	connected   bool
}

type producer struct {
	id     string
	kind   string
	track  webrtc.TrackLocal
	sender Sender
}

type consumer struct {
	id         string
	producerID string
	peerID     string
	kind       string
	params     json.RawMessage
	seq        uint64
	remote     RemoteTrack
	delivered  bool
	resumeSent bool
	resumed    bool
}

func (c *consumer) track() Track {
	return Track{ConsumerID: c.id, ProducerID: c.producerID, PeerID: c.peerID, Kind: c.kind, Remote: c.remote}
}

type Manager struct {
	roomID string
	peerID string
	ch     signaling.Channel
	engine Engine

	retryDelay time.Duration
	maxRetries int

	onTrack      func(Track)
	onTrackEnded func(Track)
	onError      func(error)

	worker *util.Serial
	ctx    context.Context
	cancel context.CancelFunc

	mu                  sync.Mutex
	closed              bool
	localCaps           sdpx.RTPCapabilities
	transportsRequested bool
	pending             map[string]Direction
	transports          map[Direction]*transport
	waiting             []*producer
	producers           map[string]*producer
	producing           []string
	owners              map[string]string
	consuming           map[string]bool
	consumers           map[string]*consumer
	orphans             map[string][]RemoteTrack
	seq                 uint64
	timers              map[*time.Timer]struct{}
	unsubs              []func()
}

func New(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		roomID:       opts.RoomID,
		peerID:       opts.PeerID,
		ch:           opts.Channel,
		engine:       opts.Engine,
		retryDelay:   opts.RetryDelay,
		maxRetries:   opts.MaxRetries,
		onTrack:      opts.OnTrack,
		onTrackEnded: opts.OnTrackEnded,
		onError:      opts.OnError,
		worker:       util.NewSerial(),
		ctx:          ctx,
		cancel:       cancel,
		pending:      map[string]Direction{},
		transports:   map[Direction]*transport{},
		producers:    map[string]*producer{},
		owners:       map[string]string{},
		consuming:    map[string]bool{},
		consumers:    map[string]*consumer{},
		orphans:      map[string][]RemoteTrack{},
		timers:       map[*time.Timer]struct{}{},
	}
	if m.retryDelay <= 0 {
		m.retryDelay = 500 * time.Millisecond
	}
	if m.maxRetries <= 0 {
		m.maxRetries = 20
	}

	handlers := map[string]func(json.RawMessage){
		signaling.SFURoomCreated:        m.onCapabilities,
		signaling.SFURouterCapabilities: m.onCapabilities,
		signaling.SFUTransportCreated:   m.onTransportCreated,
		signaling.SFUTransportConnected: m.onTransportConnected,
		signaling.SFUProducerCreated:    m.onProducerCreated,
		signaling.SFUNewProducer:        m.onNewProducer,
		signaling.SFUConsumerCreated:    m.onConsumerCreated,
		signaling.SFUConsumerResumed:    m.onConsumerResumed,
		signaling.SFUProducerClosed:     m.onProducerClosed,
		signaling.SFUConsumerClosed:     m.onConsumerClosed,
		signaling.SFUPeerRemoved:        m.onPeerRemoved,
		signaling.SFUError:              m.onServerError,
	}
	for event, fn := range handlers {
		m.unsubs = append(m.unsubs, m.ch.Subscribe(event, m.guard(event, fn)))
	}
	return m
}

func (m *Manager) RoomID() string { return m.roomID }

// guard drops events after cleanup and events for another room.
func (m *Manager) guard(event string, fn func(json.RawMessage)) signaling.Handler {
	return func(data json.RawMessage) {
		if m.isClosed() {
			return
		}
		if room := roomOf(data); room != "" && room != m.roomID {
			log.Debugf("SFU [%s]: %s for room %s dropped", m.roomID, event, room)
			return
		}
		fn(data)
	}
}

// Join asks the server to create (or reuse) the room.
func (m *Manager) Join(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	log.Infof("SFU [%s]: joining as %s", m.roomID, m.peerID)
	return m.ch.Emit(ctx, signaling.SFUCreateRoom, roomRequest{RoomID: m.roomID})
}

func (m *Manager) RequestRouterCapabilities(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.ch.Emit(ctx, signaling.SFUGetRouterCapabilities, roomRequest{RoomID: m.roomID})
}

// ── transports ───────────────────────────────────────────────────────────────

func (m *Manager) onCapabilities(data json.RawMessage) {
	msg, err := signaling.Decode[roomCapabilities](data)
	if err != nil {
		log.Warnf("SFU [%s]: malformed capabilities: %v", m.roomID, err)
		return
	}

	m.mu.Lock()
	m.localCaps = sdpx.FilterCapabilities(msg.RTPCapabilities)
	first := !m.transportsRequested
	m.transportsRequested = true
	n := len(m.localCaps.Codecs)
	m.mu.Unlock()

	log.Debugf("SFU [%s]: router capabilities received (%d usable codecs)", m.roomID, n)
	if first {
		m.worker.Do(func() {
			m.createTransport(DirSend)
			m.createTransport(DirRecv)
		})
	}
}

func (m *Manager) createTransport(dir Direction) string {
	id := uuid.NewString()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ""
	}
	m.pending[id] = dir
	m.mu.Unlock()

	err := m.ch.Emit(m.ctx, signaling.SFUCreateTransport, createTransportRequest{
		RoomID:    m.roomID,
		PeerID:    m.peerID,
		Direction: dir,
		RequestID: id,
	})
	if err != nil {
		log.Warnf("SFU [%s]: create %s transport: %v", m.roomID, dir, err)
	}
	return id
}

func parseDirection(s Direction) (Direction, bool) {
	switch s {
	case DirSend, "producer":
		return DirSend, true
	case DirRecv, "recv", "consumer":
		return DirRecv, true
	}
	return "", false
}

// resolveDirection maps a created transport to the request it answers:
// by echoed request id, then by direction, then send before receive.
func (m *Manager) resolveDirection(msg transportCreated) Direction {
	if dir, ok := m.pending[msg.RequestID]; ok && msg.RequestID != "" {
		delete(m.pending, msg.RequestID)
		return dir
	}
	dir, ok := parseDirection(msg.Direction)
	if !ok {
		dir = DirRecv
		if m.transports[DirSend] == nil {
			dir = DirSend
		}
	}
	for id, d := range m.pending {
		if d == dir {
			delete(m.pending, id)
			break
		}
	}
	return dir
}

func (m *Manager) onTransportCreated(data json.RawMessage) {
	msg, err := signaling.Decode[transportCreated](data)
	if err != nil || msg.Transport.ID == "" {
		log.Warnf("SFU [%s]: malformed transport: %v", m.roomID, err)
		return
	}

	m.mu.Lock()
	dir := m.resolveDirection(msg)
	if cur := m.transports[dir]; cur != nil {
		m.mu.Unlock()
		if cur.info.ID != msg.Transport.ID {
			log.Warnf("SFU [%s]: second %s transport %s ignored", m.roomID, dir, msg.Transport.ID)
		}
		return
	}
	m.transports[dir] = &transport{dir: dir, info: msg.Transport}
	m.mu.Unlock()

	log.Infof("SFU [%s]: %s transport %s created", m.roomID, dir, msg.Transport.ID)
	m.worker.Do(func() { m.bind(dir, 0) })
}

// bind creates the local peer for a transport, retrying while the engine
// is not ready. Runs on the worker.
func (m *Manager) bind(dir Direction, attempt int) {
	m.mu.Lock()
	t := m.transports[dir]
	if m.closed || t == nil || t.peer != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	peer, err := m.engine.NewTransportPeer(dir)
	if errors.Is(err, ErrEngineNotReady) {
		m.retry(string(dir)+" transport peer", attempt, func(next int) {
			m.worker.Do(func() { m.bind(dir, next) })
		})
		return
	}
	if err != nil {
		m.fail(fmt.Errorf("%w: %s transport peer: %v", ErrSessionSetupFailed, dir, err))
		return
	}
	if dir == DirRecv {
		peer.OnTrack(m.onRemoteTrack)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = peer.Close()
		return
	}
	t.peer = peer
	var queued []*producer
	if dir == DirSend {
		queued, m.waiting = m.waiting, nil
	}
	m.mu.Unlock()

	log.Debugf("SFU [%s]: %s transport bound", m.roomID, dir)
	for _, p := range queued {
		m.produce(p)
	}
}

// negotiate applies a synthesized answer for offer and, the first time,
// connects the transport with our DTLS parameters.
func (m *Manager) negotiate(t *transport, peer TransportPeer, offer webrtc.SessionDescription) error {
	answer, err := sdpx.SynthesizeAnswer(offer.SDP, "", &t.info)
	if err != nil {
		return fmt.Errorf("synthesize answer: %w", err)
	}
	if err := peer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}

	m.mu.Lock()
	send := !t.connectSent
	t.connectSent = true
	m.mu.Unlock()
	if !send {
		return nil
	}

	dtls, err := sdpx.LocalDTLSParameters(offer.SDP)
	if err != nil {
		return fmt.Errorf("dtls parameters: %w", err)
	}
	return m.ch.Emit(m.ctx, signaling.SFUConnectTransport, connectTransportRequest{
		RoomID:         m.roomID,
		PeerID:         m.peerID,
		TransportID:    t.info.ID,
		DTLSParameters: dtls,
	})
}

func (m *Manager) onTransportConnected(data json.RawMessage) {
	msg, err := signaling.Decode[transportConnected](data)
	if err != nil {
		log.Warnf("SFU [%s]: malformed transport-connected: %v", m.roomID, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var t *transport
	for _, cand := range []*transport{m.transports[DirSend], m.transports[DirRecv]} {
		if cand != nil && cand.info.ID == msg.TransportID {
			t = cand
		}
	}
	if t == nil {
		t = m.transports[DirSend]
		if t == nil || t.connected {
			t = m.transports[DirRecv]
		}
	}
	if t == nil {
		log.Debugf("SFU [%s]: transport-connected %s matches nothing", m.roomID, msg.TransportID)
		return
	}
	t.connected = true
	log.Infof("SFU [%s]: %s transport connected", m.roomID, t.dir)
}

// ── producing ────────────────────────────────────────────────────────────────

// Produce sends track to the room. It waits for the send transport if that
// is not bound yet.
func (m *Manager) Produce(ctx context.Context, track webrtc.TrackLocal) error {
	kind := track.Kind().String()
	p := &producer{kind: kind, track: track}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, dup := m.producers[kind]; dup {
		m.mu.Unlock()
		return fmt.Errorf("sfu: already producing %s", kind)
	}
	m.producers[kind] = p
	m.mu.Unlock()

	m.worker.Do(func() {
		m.mu.Lock()
		t := m.transports[DirSend]
		if t == nil || t.peer == nil {
			m.waiting = append(m.waiting, p)
			m.mu.Unlock()
			log.Debugf("SFU [%s]: %s producer waiting for send transport", m.roomID, kind)
			return
		}
		m.mu.Unlock()
		m.produce(p)
	})
	return nil
}

// produce runs on the worker once the send transport is bound.
func (m *Manager) produce(p *producer) {
	m.mu.Lock()
	t := m.transports[DirSend]
	if m.closed || m.producers[p.kind] != p {
		m.mu.Unlock()
		return
	}
	peer := t.peer
	m.mu.Unlock()

	sender, err := peer.AddTrack(p.track)
	if err != nil {
		m.fail(fmt.Errorf("produce %s: add track: %w", p.kind, err))
		return
	}
	m.mu.Lock()
	p.sender = sender
	m.mu.Unlock()

	offer, err := peer.CreateOffer(m.ctx)
	if err != nil {
		m.fail(fmt.Errorf("produce %s: create offer: %w", p.kind, err))
		return
	}
	params, err := sdpx.ExtractRTPParameters(offer.SDP, p.kind)
	if err != nil {
		m.fail(fmt.Errorf("produce %s: %w", p.kind, err))
		return
	}
	if err := m.negotiate(t, peer, offer); err != nil {
		m.fail(fmt.Errorf("produce %s: %w", p.kind, err))
		return
	}

	m.mu.Lock()
	m.producing = append(m.producing, p.kind)
	m.mu.Unlock()

	log.Infof("SFU [%s]: producing %s (%v)", m.roomID, p.kind, params.Mimes())
	if err := m.ch.Emit(m.ctx, signaling.SFUProduce, produceRequest{
		RoomID:        m.roomID,
		PeerID:        m.peerID,
		TransportID:   t.info.ID,
		RTPParameters: params,
		Kind:          p.kind,
	}); err != nil {
		log.Warnf("SFU [%s]: produce %s: %v", m.roomID, p.kind, err)
	}
}

func (m *Manager) onProducerCreated(data json.RawMessage) {
	msg, err := signaling.Decode[producerCreated](data)
	if err != nil || msg.Producer.ID == "" {
		log.Warnf("SFU [%s]: malformed producer-created: %v", m.roomID, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kind := msg.Producer.Kind
	if kind == "" && len(m.producing) > 0 {
		kind = m.producing[0]
	}
	for i, k := range m.producing {
		if k == kind {
			m.producing = append(m.producing[:i], m.producing[i+1:]...)
			break
		}
	}
	if p := m.producers[kind]; p != nil {
		p.id = msg.Producer.ID
		log.Infof("SFU [%s]: %s producer %s", m.roomID, kind, p.id)
	}
}

// CloseProducer stops sending kind.
func (m *Manager) CloseProducer(ctx context.Context, kind string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	p := m.producers[kind]
	if p == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoProducer, kind)
	}
	delete(m.producers, kind)
	var peer TransportPeer
	if t := m.transports[DirSend]; t != nil {
		peer = t.peer
	}
	m.mu.Unlock()

	if peer != nil && p.sender != nil {
		m.worker.Do(func() {
			if err := peer.RemoveSender(p.sender); err != nil {
				log.Debugf("SFU [%s]: remove %s sender: %v", m.roomID, kind, err)
			}
		})
	}
	if p.id == "" {
		return nil
	}
	return m.ch.Emit(ctx, signaling.SFUCloseProducer, producerRequest{
		RoomID:     m.roomID,
		PeerID:     m.peerID,
		ProducerID: p.id,
	})
}

// ── consuming ────────────────────────────────────────────────────────────────

func (m *Manager) onNewProducer(data json.RawMessage) {
	msg, err := signaling.Decode[newProducer](data)
	if err != nil || msg.ProducerID == "" {
		log.Warnf("SFU [%s]: malformed new-producer: %v", m.roomID, err)
		return
	}
	owner := msg.ProducerPeerID.String()
	if owner == m.peerID {
		return
	}

	m.mu.Lock()
	m.owners[msg.ProducerID] = owner
	m.mu.Unlock()

	log.Infof("SFU [%s]: %s producer %s from %s", m.roomID, msg.Kind, msg.ProducerID, owner)
	m.worker.Do(func() { m.consume(msg.ProducerID, 0) })
}

// consume requests a consumer for producerID once the receive transport
// and capabilities are ready.
func (m *Manager) consume(producerID string, attempt int) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, known := m.owners[producerID]; !known || m.consuming[producerID] {
		m.mu.Unlock()
		return
	}
	t := m.transports[DirRecv]
	if t == nil || t.peer == nil || len(m.localCaps.Codecs) == 0 {
		m.mu.Unlock()
		m.retry("receive transport", attempt, func(next int) {
			m.worker.Do(func() { m.consume(producerID, next) })
		})
		return
	}
	m.consuming[producerID] = true
	req := consumeRequest{
		RoomID:          m.roomID,
		PeerID:          m.peerID,
		TransportID:     t.info.ID,
		ProducerID:      producerID,
		RTPCapabilities: m.localCaps,
	}
	m.mu.Unlock()

	if err := m.ch.Emit(m.ctx, signaling.SFUConsume, req); err != nil {
		log.Warnf("SFU [%s]: consume %s: %v", m.roomID, producerID, err)
		m.mu.Lock()
		delete(m.consuming, producerID)
		m.mu.Unlock()
	}
}

func (m *Manager) onConsumerCreated(data json.RawMessage) {
	msg, err := signaling.Decode[consumerCreated](data)
	if err != nil || msg.Consumer.ID == "" || msg.Consumer.ProducerID == "" {
		log.Warnf("SFU [%s]: malformed consumer-created: %v", m.roomID, err)
		return
	}

	m.mu.Lock()
	if cur := m.consumers[msg.Consumer.ProducerID]; cur != nil && cur.id == msg.Consumer.ID {
		m.mu.Unlock()
		return
	}
	m.seq++
	c := &consumer{
		id:         msg.Consumer.ID,
		producerID: msg.Consumer.ProducerID,
		peerID:     m.owners[msg.Consumer.ProducerID],
		kind:       msg.Consumer.Kind,
		params:     msg.Consumer.RTPParameters,
		seq:        m.seq,
	}
	m.consumers[c.producerID] = c
	m.consuming[c.producerID] = true
	deliver := m.adoptOrphanLocked(c)
	m.mu.Unlock()

	log.Infof("SFU [%s]: consumer %s for %s producer %s", m.roomID, c.id, c.kind, c.producerID)
	if deliver {
		m.deliver(c.track())
	}
	m.worker.Do(func() { m.attachConsumer(c) })
}

// attachConsumer adds a receive transceiver for c, renegotiates the
// receive transport and then resumes c. Runs on the worker.
func (m *Manager) attachConsumer(c *consumer) {
	m.mu.Lock()
	t := m.transports[DirRecv]
	if m.closed || m.consumers[c.producerID] != c {
		m.mu.Unlock()
		return
	}
	if t == nil || t.peer == nil {
		m.mu.Unlock()
		m.fail(fmt.Errorf("%w: consumer %s without receive transport", ErrSessionSetupFailed, c.id))
		return
	}
	peer := t.peer
	m.mu.Unlock()

	if err := peer.AddRecvTransceiver(webrtc.NewRTPCodecType(c.kind)); err != nil {
		m.fail(fmt.Errorf("consume %s: add transceiver: %w", c.producerID, err))
		return
	}
	offer, err := peer.CreateOffer(m.ctx)
	if err != nil {
		m.fail(fmt.Errorf("consume %s: create offer: %w", c.producerID, err))
		return
	}
	if err := m.negotiate(t, peer, offer); err != nil {
		m.fail(fmt.Errorf("consume %s: %w", c.producerID, err))
		return
	}

	m.mu.Lock()
	if m.closed || c.resumeSent || m.consumers[c.producerID] != c {
		m.mu.Unlock()
		return
	}
	c.resumeSent = true
	m.mu.Unlock()

	if err := m.ch.Emit(m.ctx, signaling.SFUResumeConsumer, consumerRequest{
		RoomID:     m.roomID,
		PeerID:     m.peerID,
		ConsumerID: c.id,
	}); err != nil {
		log.Warnf("SFU [%s]: resume %s: %v", m.roomID, c.id, err)
	}
}

func (m *Manager) onConsumerResumed(data json.RawMessage) {
	msg, err := signaling.Decode[consumerRef](data)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consumers {
		if c.id == msg.ConsumerID {
			c.resumed = true
			log.Debugf("SFU [%s]: consumer %s resumed", m.roomID, c.id)
		}
	}
}

// onRemoteTrack matches a new remote track to the oldest consumer of the
// same kind that has none yet.
func (m *Manager) onRemoteTrack(rt RemoteTrack) {
	kind := rt.Kind().String()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var match *consumer
	for _, c := range m.consumers {
		if c.kind != kind || c.remote != nil {
			continue
		}
		if match == nil || c.seq < match.seq {
			match = c
		}
	}
	if match == nil {
		m.orphans[kind] = append(m.orphans[kind], rt)
		m.mu.Unlock()
		log.Debugf("SFU [%s]: %s track %s arrived before its consumer", m.roomID, kind, rt.ID())
		return
	}
	match.remote = rt
	deliver := !match.delivered
	match.delivered = true
	tr := match.track()
	m.mu.Unlock()

	if deliver {
		m.deliver(tr)
	}
}

func (m *Manager) adoptOrphanLocked(c *consumer) bool {
	q := m.orphans[c.kind]
	if len(q) == 0 {
		return false
	}
	c.remote = q[0]
	m.orphans[c.kind] = q[1:]
	c.delivered = true
	return true
}

func (m *Manager) deliver(tr Track) {
	log.Infof("SFU [%s]: %s track from %s (consumer %s)", m.roomID, tr.Kind, tr.PeerID, tr.ConsumerID)
	if m.onTrack != nil {
		m.onTrack(tr)
	}
}

// CloseConsumer stops receiving the producer's media.
func (m *Manager) CloseConsumer(ctx context.Context, producerID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	c := m.consumers[producerID]
	if c == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: producer %s", ErrNoConsumer, producerID)
	}
	m.removeConsumerLocked(c)
	m.mu.Unlock()

	m.ended(c)
	return m.ch.Emit(ctx, signaling.SFUCloseConsumer, consumerRequest{
		RoomID:     m.roomID,
		PeerID:     m.peerID,
		ConsumerID: c.id,
	})
}

func (m *Manager) removeConsumerLocked(c *consumer) {
	delete(m.consumers, c.producerID)
	delete(m.consuming, c.producerID)
}

func (m *Manager) ended(c *consumer) {
	if c.delivered && m.onTrackEnded != nil {
		m.onTrackEnded(c.track())
	}
}

func (m *Manager) onProducerClosed(data json.RawMessage) {
	msg, err := signaling.Decode[producerRef](data)
	if err != nil || msg.ProducerID == "" {
		return
	}

	m.mu.Lock()
	delete(m.owners, msg.ProducerID)
	c := m.consumers[msg.ProducerID]
	if c != nil {
		m.removeConsumerLocked(c)
	}
	delete(m.consuming, msg.ProducerID)
	for kind, p := range m.producers {
		if p.id == msg.ProducerID {
			delete(m.producers, kind)
		}
	}
	m.mu.Unlock()

	log.Debugf("SFU [%s]: producer %s closed", m.roomID, msg.ProducerID)
	if c != nil {
		m.ended(c)
	}
}

func (m *Manager) onConsumerClosed(data json.RawMessage) {
	msg, err := signaling.Decode[consumerRef](data)
	if err != nil || msg.ConsumerID == "" {
		return
	}

	m.mu.Lock()
	var c *consumer
	for _, cand := range m.consumers {
		if cand.id == msg.ConsumerID {
			c = cand
		}
	}
	if c != nil {
		m.removeConsumerLocked(c)
	}
	m.mu.Unlock()

	if c != nil {
		log.Debugf("SFU [%s]: consumer %s closed", m.roomID, c.id)
		m.ended(c)
	}
}

func (m *Manager) onPeerRemoved(data json.RawMessage) {
	msg, err := signaling.Decode[peerRef](data)
	if err != nil {
		return
	}
	peer := msg.PeerID.String()
	if peer == "" || peer == m.peerID {
		return
	}

	m.mu.Lock()
	var gone []*consumer
	for _, c := range m.consumers {
		if c.peerID == peer {
			gone = append(gone, c)
		}
	}
	for _, c := range gone {
		m.removeConsumerLocked(c)
	}
	for pid, owner := range m.owners {
		if owner == peer {
			delete(m.owners, pid)
		}
	}
	m.mu.Unlock()

	log.Infof("SFU [%s]: peer %s left (%d consumer(s))", m.roomID, peer, len(gone))
	for _, c := range gone {
		m.ended(c)
	}
}

func (m *Manager) onServerError(data json.RawMessage) {
	msg, _ := signaling.Decode[errorMessage](data)
	if msg.Message == "" {
		msg.Message = "unknown error"
	}
	m.fail(fmt.Errorf("%w: %s", ErrRemoteRejected, msg.Message))
}

// ── lifecycle ────────────────────────────────────────────────────────────────

// retry schedules fn(attempt+1) after the retry delay, or reports
// ErrSessionSetupFailed when the budget is spent.
func (m *Manager) retry(what string, attempt int, fn func(next int)) {
	if attempt >= m.maxRetries {
		m.fail(fmt.Errorf("%w: %s not ready after %d attempts", ErrSessionSetupFailed, what, attempt))
		return
	}
	m.after(m.retryDelay, func() { fn(attempt + 1) })
}

func (m *Manager) after(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		_, live := m.timers[t]
		delete(m.timers, t)
		closed := m.closed
		m.mu.Unlock()
		if live && !closed {
			fn()
		}
	})
	m.timers[t] = struct{}{}
}

func (m *Manager) fail(err error) {
	if m.isClosed() {
		return
	}
	log.Warnf("SFU [%s]: %v", m.roomID, err)
	if m.onError != nil {
		m.onError(err)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Cleanup leaves the room: timers stop, listeners detach, senders stop,
// both transport peers close and sfu-remove-peer is sent. Later calls do
// nothing.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = map[*time.Timer]struct{}{}
	unsubs := m.unsubs
	m.unsubs = nil
	var senders []Sender
	for _, p := range m.producers {
		if p.sender != nil {
			senders = append(senders, p.sender)
		}
	}
	var peers []TransportPeer
	for _, t := range m.transports {
		if t.peer != nil {
			peers = append(peers, t.peer)
		}
	}
	m.producers = map[string]*producer{}
	m.consumers = map[string]*consumer{}
	m.waiting = nil
	m.orphans = map[string][]RemoteTrack{}
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	m.cancel()
	m.worker.Stop()
	for _, s := range senders {
		_ = s.Stop()
	}
	for _, p := range peers {
		if err := p.Close(); err != nil {
			log.Debugf("SFU [%s]: close transport peer: %v", m.roomID, err)
		}
	}

	log.Infof("SFU [%s]: leaving room", m.roomID)
	return m.ch.Emit(ctx, signaling.SFURemovePeer, peerRequest{RoomID: m.roomID, PeerID: m.peerID})
}

// ── introspection ────────────────────────────────────────────────────────────

type TransportState struct {
	ID        string `json:"id"`
	Bound     bool   `json:"bound"`
	Connected bool   `json:"connected"`
}

type ConsumerState struct {
	ID         string `json:"id"`
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
	Kind       string `json:"kind"`
	HasTrack   bool   `json:"hasTrack"`
	Resumed    bool   `json:"resumed"`
}

type Snapshot struct {
	RoomID     string                       `json:"roomId"`
	Closed     bool                         `json:"closed"`
	Transports map[Direction]TransportState `json:"transports"`
	Producers  map[string]string            `json:"producers"`
	Consumers  []ConsumerState              `json:"consumers"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		RoomID:     m.roomID,
		Closed:     m.closed,
		Transports: map[Direction]TransportState{},
		Producers:  map[string]string{},
		Consumers:  []ConsumerState{},
	}
	for dir, t := range m.transports {
		s.Transports[dir] = TransportState{ID: t.info.ID, Bound: t.peer != nil, Connected: t.connected}
	}
	for kind, p := range m.producers {
		s.Producers[kind] = p.id
	}
	for _, c := range m.consumers {
		s.Consumers = append(s.Consumers, ConsumerState{
			ID:         c.id,
			ProducerID: c.producerID,
			PeerID:     c.peerID,
			Kind:       c.kind,
			HasTrack:   c.remote != nil,
			Resumed:    c.resumed,
		})
	}
	sort.Slice(s.Consumers, func(i, j int) bool { return s.Consumers[i].ID < s.Consumers[j].ID })
	return s
}
