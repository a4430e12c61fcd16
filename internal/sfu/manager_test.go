package sfu

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/sdpx"
	"github.com/petervdpas/goopcall/internal/signaling"
)

const room = "room_call-1"

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeSender struct{ stopped bool }

func (s *fakeSender) Stop() error {
	s.stopped = true
	return nil
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return "stream-" + t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type fakePeer struct {
	dir Direction

	mu       sync.Mutex
	sections []string
	remotes  []string
	removed  int
	onTrack  func(RemoteTrack)
	closed   bool
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sections = append(p.sections, track.Kind().String())
	return &fakeSender{}, nil
}

func (p *fakePeer) RemoveSender(Sender) error {
	p.mu.Lock()
	p.removed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	p.mu.Lock()
	p.sections = append(p.sections, kind.String())
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := []string{
		"v=0",
		"o=- 42 1 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"a=fingerprint:sha-256 AA:BB",
	}
	dir := "recvonly"
	if p.dir == DirSend {
		dir = "sendonly"
	}
	for i, kind := range p.sections {
		if kind == "audio" {
			lines = append(lines, "m=audio 9 UDP/TLS/RTP/SAVPF 111 0")
		} else {
			lines = append(lines, "m=video 9 UDP/TLS/RTP/SAVPF 96")
		}
		lines = append(lines,
			"c=IN IP4 0.0.0.0",
			fmt.Sprintf("a=mid:%d", i),
			"a=ice-ufrag:local",
			"a=ice-pwd:localpwd",
			"a=setup:actpass",
			"a="+dir,
		)
		if kind == "audio" {
			lines = append(lines, "a=rtpmap:111 opus/48000/2", "a=rtpmap:0 PCMU/8000")
		} else {
			lines = append(lines, "a=rtpmap:96 VP8/90000")
		}
		if p.dir == DirSend {
			lines = append(lines, fmt.Sprintf("a=ssrc:%d cname:me", 1000+i))
		}
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  strings.Join(lines, "\r\n") + "\r\n",
	}, nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remotes = append(p.remotes, d.SDP)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) fire(t RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePeer) Remotes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.remotes...)
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeEngine struct {
	mu       sync.Mutex
	notReady int
	peers    map[Direction]*fakePeer
}

func (e *fakeEngine) NewTransportPeer(dir Direction) (TransportPeer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.notReady > 0 {
		e.notReady--
		return nil, ErrEngineNotReady
	}
	if e.peers == nil {
		e.peers = map[Direction]*fakePeer{}
	}
	p := &fakePeer{dir: dir}
	e.peers[dir] = p
	return p, nil
}

func (e *fakeEngine) peer(dir Direction) *fakePeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[dir]
}

// ── harness ──────────────────────────────────────────────────────────────────

type harness struct {
	t      *testing.T
	m      *Manager
	ch     *signaling.Memory
	engine *fakeEngine

	mu     sync.Mutex
	tracks []Track
	ended  []Track
	errs   []error
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{t: t, ch: signaling.NewMemory(), engine: &fakeEngine{}}
	opts := Options{
		RoomID:     room,
		PeerID:     "me",
		Channel:    h.ch,
		Engine:     h.engine,
		RetryDelay: 5 * time.Millisecond,
		MaxRetries: 20,
		OnTrack: func(tr Track) {
			h.mu.Lock()
			h.tracks = append(h.tracks, tr)
			h.mu.Unlock()
		},
		OnTrackEnded: func(tr Track) {
			h.mu.Lock()
			h.ended = append(h.ended, tr)
			h.mu.Unlock()
		},
		OnError: func(err error) {
			h.mu.Lock()
			h.errs = append(h.errs, err)
			h.mu.Unlock()
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.m = New(opts)
	t.Cleanup(func() { _ = h.m.Cleanup(context.Background()) })
	return h
}

func (h *harness) deliver(event string, payload any) {
	h.t.Helper()
	require.NoError(h.t, h.ch.Deliver(event, payload))
}

func (h *harness) waitSent(event string, n int) []signaling.Frame {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.ch.SentEvents(event)) >= n }, time.Second, 2*time.Millisecond,
		"waiting for %d %s", n, event)
	return h.ch.SentEvents(event)
}

func (h *harness) Tracks() []Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Track(nil), h.tracks...)
}

func (h *harness) Ended() []Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Track(nil), h.ended...)
}

func (h *harness) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

var routerCaps = map[string]any{
	"roomId": room,
	"rtpCapabilities": map[string]any{
		"codecs": []map[string]any{
			{"kind": "audio", "mimeType": "audio/opus", "preferredPayloadType": 100, "clockRate": 48000, "channels": 2},
			{"kind": "audio", "mimeType": "audio/PCMU", "preferredPayloadType": 0, "clockRate": 8000},
			{"kind": "video", "mimeType": "video/VP8", "preferredPayloadType": 101, "clockRate": 90000},
		},
		"headerExtensions": []map[string]any{},
	},
}

func transportJSON(id string) map[string]any {
	return map[string]any{
		"id":            id,
		"iceParameters": map[string]any{"usernameFragment": "srv-" + id, "password": "pwd"},
		"iceCandidates": []map[string]any{
			{"foundation": "f", "priority": 1, "ip": "10.0.0.1", "protocol": "udp", "port": 40000, "type": "host"},
		},
		"dtlsParameters": map[string]any{"role": "auto", "fingerprints": []map[string]any{{"algorithm": "sha-256", "value": "CC:DD"}}},
	}
}

func decode[T any](t *testing.T, f signaling.Frame) T {
	t.Helper()
	v, err := signaling.Decode[T](f.Data)
	require.NoError(t, err)
	return v
}

// ready runs the room through capabilities and both transports.
func (h *harness) ready() {
	h.t.Helper()
	require.NoError(h.t, h.m.Join(context.Background()))
	h.deliver(signaling.SFURoomCreated, routerCaps)
	reqs := h.waitSent(signaling.SFUCreateTransport, 2)
	for _, f := range reqs {
		req := decode[createTransportRequest](h.t, f)
		h.deliver(signaling.SFUTransportCreated, map[string]any{
			"transport": transportJSON("t-" + string(req.Direction)),
			"requestId": req.RequestID,
		})
	}
	require.Eventually(h.t, func() bool {
		s := h.m.Snapshot()
		return s.Transports[DirSend].Bound && s.Transports[DirRecv].Bound
	}, time.Second, 2*time.Millisecond)
}

func audioTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "local")
	require.NoError(t, err)
	return tr
}

func (h *harness) consumer(producerID, consumerID, peer, kind string) {
	h.t.Helper()
	h.deliver(signaling.SFUNewProducer, map[string]any{
		"roomId": room, "producerPeerId": peer, "producerId": producerID, "kind": kind,
	})
	n := len(h.ch.SentEvents(signaling.SFUConsume))
	h.waitSent(signaling.SFUConsume, n+1)
	h.deliver(signaling.SFUConsumerCreated, map[string]any{
		"consumer": map[string]any{"id": consumerID, "producerId": producerID, "kind": kind, "rtpParameters": map[string]any{}},
	})
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestJoinCreatesRoomAndBothTransportsOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Join(context.Background()))
	sent := h.ch.SentEvents(signaling.SFUCreateRoom)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"roomId":"room_call-1"}`, string(sent[0].Data))

	h.deliver(signaling.SFURoomCreated, routerCaps)
	h.deliver(signaling.SFURouterCapabilities, routerCaps)

	reqs := h.waitSent(signaling.SFUCreateTransport, 2)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, h.ch.SentEvents(signaling.SFUCreateTransport), 2)

	send := decode[createTransportRequest](t, reqs[0])
	recv := decode[createTransportRequest](t, reqs[1])
	assert.Contains(t, string(reqs[0].Data), `"direction":"send"`)
	assert.Contains(t, string(reqs[1].Data), `"direction":"receive"`)
	assert.Equal(t, DirRecv, recv.Direction)
	assert.NotEmpty(t, send.RequestID)
	assert.NotEqual(t, send.RequestID, recv.RequestID)
	assert.Equal(t, "me", send.PeerID)
}

func TestTransportCorrelation(t *testing.T) {
	setup := func(t *testing.T) (*harness, createTransportRequest, createTransportRequest) {
		h := newHarness(t)
		require.NoError(t, h.m.Join(context.Background()))
		h.deliver(signaling.SFURoomCreated, routerCaps)
		reqs := h.waitSent(signaling.SFUCreateTransport, 2)
		return h, decode[createTransportRequest](t, reqs[0]), decode[createTransportRequest](t, reqs[1])
	}
	ids := func(h *harness) (string, string) {
		s := h.m.Snapshot()
		return s.Transports[DirSend].ID, s.Transports[DirRecv].ID
	}

	t.Run("by request id", func(t *testing.T) {
		h, send, recv := setup(t)
		h.deliver(signaling.SFUTransportCreated, map[string]any{"transport": transportJSON("A"), "requestId": recv.RequestID})
		h.deliver(signaling.SFUTransportCreated, map[string]any{"transport": transportJSON("B"), "requestId": send.RequestID})
		s, r := ids(h)
		assert.Equal(t, "B", s)
		assert.Equal(t, "A", r)
	})

	t.Run("by direction", func(t *testing.T) {
		h, _, _ := setup(t)
		h.deliver(signaling.SFUTransportCreated, map[string]any{"transport": transportJSON("A"), "direction": "recv"})
		h.deliver(signaling.SFUTransportCreated, map[string]any{"transport": transportJSON("B"), "direction": "send"})
		s, r := ids(h)
		assert.Equal(t, "B", s)
		assert.Equal(t, "A", r)
	})

	t.Run("fallback send first", func(t *testing.T) {
		h, _, _ := setup(t)
		h.deliver(signaling.SFUTransportCreated, map[string]any{"transport": transportJSON("A")})
		h.deliver(signaling.SFUTransportCreated, map[string]any{"transport": transportJSON("B")})
		s, r := ids(h)
		assert.Equal(t, "A", s)
		assert.Equal(t, "B", r)
	})
}

func TestTransportConnectedCorrelation(t *testing.T) {
	h := newHarness(t)
	h.ready()

	h.deliver(signaling.SFUTransportConnected, map[string]any{"transportId": "t-recv"})
	s := h.m.Snapshot()
	assert.True(t, s.Transports[DirRecv].Connected)
	assert.False(t, s.Transports[DirSend].Connected)

	h.deliver(signaling.SFUTransportConnected, map[string]any{"transportId": "unknown"})
	assert.True(t, h.m.Snapshot().Transports[DirSend].Connected)
}

func TestEngineNotReadyIsRetried(t *testing.T) {
	h := newHarness(t)
	h.engine.notReady = 3
	h.ready()
	assert.Empty(t, h.Errors())
}

func TestEngineNeverReadyFailsSetup(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxRetries = 2 })
	h.engine.notReady = 1000
	require.NoError(t, h.m.Join(context.Background()))
	h.deliver(signaling.SFURoomCreated, routerCaps)
	reqs := h.waitSent(signaling.SFUCreateTransport, 2)
	h.deliver(signaling.SFUTransportCreated, map[string]any{
		"transport": transportJSON("A"),
		"requestId": decode[createTransportRequest](t, reqs[0]).RequestID,
	})

	require.Eventually(t, func() bool { return len(h.Errors()) > 0 }, time.Second, 2*time.Millisecond)
	assert.ErrorIs(t, h.Errors()[0], ErrSessionSetupFailed)
}

func TestProduceWaitsForSendTransport(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Produce(context.Background(), audioTrack(t)))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.ch.SentEvents(signaling.SFUProduce))

	h.ready()
	sent := h.waitSent(signaling.SFUProduce, 1)
	req := decode[produceRequest](t, sent[0])
	assert.Equal(t, "audio", req.Kind)
	assert.Equal(t, "t-send", req.TransportID)
	assert.Equal(t, []string{"audio/opus"}, req.RTPParameters.Mimes())
	assert.Equal(t, []sdpx.Encoding{{SSRC: 1000}}, req.RTPParameters.Encodings)

	conn := h.waitSent(signaling.SFUConnectTransport, 1)
	creq := decode[connectTransportRequest](t, conn[0])
	assert.Equal(t, "t-send", creq.TransportID)
	assert.Equal(t, "server", creq.DTLSParameters.Role)
	assert.Equal(t, []sdpx.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}}, creq.DTLSParameters.Fingerprints)

	answers := h.engine.peer(DirSend).Remotes()
	require.Len(t, answers, 1)
	assert.Contains(t, answers[0], "a=recvonly")
	assert.Contains(t, answers[0], "a=ice-ufrag:srv-t-send")
	assert.Contains(t, answers[0], "a=setup:active")
	assert.Contains(t, answers[0], "o=- 0 0 IN IP4 0.0.0.0")

	h.deliver(signaling.SFUProducerCreated, map[string]any{"producer": map[string]any{"id": "prod-1", "kind": "audio"}})
	assert.Equal(t, map[string]string{"audio": "prod-1"}, h.m.Snapshot().Producers)

	require.NoError(t, h.m.CloseProducer(context.Background(), "audio"))
	closed := h.ch.SentEvents(signaling.SFUCloseProducer)
	require.Len(t, closed, 1)
	assert.Equal(t, "prod-1", decode[producerRequest](t, closed[0]).ProducerID)
	assert.ErrorIs(t, h.m.CloseProducer(context.Background(), "audio"), ErrNoProducer)
}

func TestConsumeResumeAndTrack(t *testing.T) {
	h := newHarness(t)
	h.ready()

	h.deliver(signaling.SFUNewProducer, map[string]any{
		"roomId": room, "producerPeerId": "bob", "producerId": "p-bob", "kind": "audio",
	})
	sent := h.waitSent(signaling.SFUConsume, 1)
	req := decode[consumeRequest](t, sent[0])
	assert.Equal(t, "t-recv", req.TransportID)
	assert.Equal(t, "p-bob", req.ProducerID)
	require.Len(t, req.RTPCapabilities.Codecs, 2, "PCMU filtered out")

	h.deliver(signaling.SFUConsumerCreated, map[string]any{
		"consumer": map[string]any{"id": "c-bob", "producerId": "p-bob", "kind": "audio", "rtpParameters": map[string]any{}},
	})
	resumed := h.waitSent(signaling.SFUResumeConsumer, 1)
	assert.Equal(t, "c-bob", decode[consumerRequest](t, resumed[0]).ConsumerID)

	answers := h.engine.peer(DirRecv).Remotes()
	require.Len(t, answers, 1)
	assert.Contains(t, answers[0], "a=sendonly")

	recv := h.engine.peer(DirRecv)
	recv.fire(fakeTrack{id: "a1", kind: webrtc.RTPCodecTypeAudio})
	recv.fire(fakeTrack{id: "a2", kind: webrtc.RTPCodecTypeAudio})

	tracks := h.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, "c-bob", tracks[0].ConsumerID)
	assert.Equal(t, "bob", tracks[0].PeerID)
	assert.Equal(t, "a1", tracks[0].Remote.ID())

	h.deliver(signaling.SFUConsumerCreated, map[string]any{
		"consumer": map[string]any{"id": "c-bob", "producerId": "p-bob", "kind": "audio", "rtpParameters": map[string]any{}},
	})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.ch.SentEvents(signaling.SFUResumeConsumer), 1)
	assert.Len(t, h.ch.SentEvents(signaling.SFUConnectTransport), 1)
}

func TestOwnProducerNotConsumed(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.deliver(signaling.SFUNewProducer, map[string]any{
		"roomId": room, "producerPeerId": "me", "producerId": "p-me", "kind": "audio",
	})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.ch.SentEvents(signaling.SFUConsume))
}

func TestTracksMatchOldestConsumerOfKind(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.consumer("p-v", "c-v", "bob", "video")
	h.consumer("p-a1", "c-a1", "bob", "audio")
	h.consumer("p-a2", "c-a2", "carol", "audio")
	h.waitSent(signaling.SFUResumeConsumer, 3)

	recv := h.engine.peer(DirRecv)
	recv.fire(fakeTrack{id: "x", kind: webrtc.RTPCodecTypeAudio})
	recv.fire(fakeTrack{id: "y", kind: webrtc.RTPCodecTypeVideo})
	recv.fire(fakeTrack{id: "z", kind: webrtc.RTPCodecTypeAudio})

	got := map[string]string{}
	for _, tr := range h.Tracks() {
		got[tr.ConsumerID] = tr.Remote.ID()
	}
	assert.Equal(t, map[string]string{"c-a1": "x", "c-v": "y", "c-a2": "z"}, got)
}

func TestTrackBeforeConsumerIsAdopted(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.engine.peer(DirRecv).fire(fakeTrack{id: "early", kind: webrtc.RTPCodecTypeVideo})
	assert.Empty(t, h.Tracks())

	h.consumer("p-v", "c-v", "bob", "video")
	require.Len(t, h.Tracks(), 1)
	assert.Equal(t, "early", h.Tracks()[0].Remote.ID())
}

func TestConsumeRetryCap(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxRetries = 3 })
	h.deliver(signaling.SFUNewProducer, map[string]any{
		"roomId": room, "producerPeerId": "bob", "producerId": "p-bob", "kind": "audio",
	})

	require.Eventually(t, func() bool { return len(h.Errors()) > 0 }, time.Second, 2*time.Millisecond)
	assert.ErrorIs(t, h.Errors()[0], ErrSessionSetupFailed)
	assert.Empty(t, h.ch.SentEvents(signaling.SFUConsume))
}

func TestConsumeRetriesUntilTransportReady(t *testing.T) {
	h := newHarness(t)
	h.deliver(signaling.SFUNewProducer, map[string]any{
		"roomId": room, "producerPeerId": "bob", "producerId": "p-bob", "kind": "video",
	})
	time.Sleep(15 * time.Millisecond)
	h.ready()
	h.waitSent(signaling.SFUConsume, 1)
	assert.Empty(t, h.Errors())
}

func TestServerErrorRejects(t *testing.T) {
	h := newHarness(t)
	h.deliver(signaling.SFUError, map[string]any{"message": "Room not found"})
	require.Len(t, h.Errors(), 1)
	assert.ErrorIs(t, h.Errors()[0], ErrRemoteRejected)
	assert.ErrorContains(t, h.Errors()[0], "Room not found")
}

func TestOtherRoomDropped(t *testing.T) {
	h := newHarness(t)
	other := map[string]any{"roomId": "room_other", "rtpCapabilities": routerCaps["rtpCapabilities"]}
	h.deliver(signaling.SFURoomCreated, other)
	time.Sleep(15 * time.Millisecond)
	assert.Empty(t, h.ch.SentEvents(signaling.SFUCreateTransport))
}

func TestRemoteProducerClosedEndsTrack(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.consumer("p-bob", "c-bob", "bob", "audio")
	h.waitSent(signaling.SFUResumeConsumer, 1)
	h.engine.peer(DirRecv).fire(fakeTrack{id: "a", kind: webrtc.RTPCodecTypeAudio})

	h.deliver(signaling.SFUProducerClosed, map[string]any{"producerId": "p-bob"})
	require.Len(t, h.Ended(), 1)
	assert.Equal(t, "c-bob", h.Ended()[0].ConsumerID)
	assert.Empty(t, h.m.Snapshot().Consumers)
}

func TestPeerRemovedDropsItsConsumers(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.consumer("p-bob", "c-bob", "bob", "audio")
	h.consumer("p-carol", "c-carol", "carol", "audio")

	h.deliver(signaling.SFUPeerRemoved, map[string]any{"peerId": "bob"})
	cs := h.m.Snapshot().Consumers
	require.Len(t, cs, 1)
	assert.Equal(t, "c-carol", cs[0].ID)
}

func TestCloseConsumer(t *testing.T) {
	h := newHarness(t)
	h.ready()
	h.consumer("p-bob", "c-bob", "bob", "video")

	require.NoError(t, h.m.CloseConsumer(context.Background(), "p-bob"))
	sent := h.ch.SentEvents(signaling.SFUCloseConsumer)
	require.Len(t, sent, 1)
	assert.Equal(t, "c-bob", decode[consumerRequest](t, sent[0]).ConsumerID)
	assert.ErrorIs(t, h.m.CloseConsumer(context.Background(), "p-bob"), ErrNoConsumer)
}

func TestCleanup(t *testing.T) {
	h := newHarness(t)
	h.ready()
	require.NoError(t, h.m.Produce(context.Background(), audioTrack(t)))
	h.waitSent(signaling.SFUProduce, 1)

	require.NoError(t, h.m.Cleanup(context.Background()))
	require.NoError(t, h.m.Cleanup(context.Background()))

	removed := h.ch.SentEvents(signaling.SFURemovePeer)
	require.Len(t, removed, 1)
	assert.JSONEq(t, `{"roomId":"room_call-1","peerId":"me"}`, string(removed[0].Data))
	assert.Equal(t, 0, h.ch.Subscriptions())
	assert.True(t, h.engine.peer(DirSend).Closed())
	assert.True(t, h.engine.peer(DirRecv).Closed())
	assert.True(t, h.m.Snapshot().Closed)

	assert.ErrorIs(t, h.m.Join(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.m.Produce(context.Background(), audioTrack(t)), ErrClosed)
}

func TestCleanupStopsPendingRetries(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxRetries = 2 })
	h.deliver(signaling.SFUNewProducer, map[string]any{
		"roomId": room, "producerPeerId": "bob", "producerId": "p-bob", "kind": "audio",
	})
	require.NoError(t, h.m.Cleanup(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.Errors())
	assert.Empty(t, h.ch.SentEvents(signaling.SFUConsume))
}
