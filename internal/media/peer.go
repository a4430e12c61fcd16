package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/sfu"
)

// QualityFunc receives a periodic quality sample for one remote track.
type QualityFunc func(trackID, kind string, q Quality, loss float64)

// Peer wraps a pion peer connection. It serves both the 1:1 relay and a
// single SFU transport.
type Peer struct {
	tag string
	pc  *webrtc.PeerConnection

	pliInterval     time.Duration
	qualityInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	onTrack     func(sfu.RemoteTrack)
	onConnected func()
	onFailed    func(error)
	onQuality   QualityFunc
	connected   bool
	closed      bool
}

func newPeer(tag string, pc *webrtc.PeerConnection, pli, quality time.Duration) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		tag:             tag,
		pc:              pc,
		pliInterval:     pli,
		qualityInterval: quality,
		ctx:             ctx,
		cancel:          cancel,
	}
	pc.OnTrack(p.handleTrack)
	pc.OnConnectionStateChange(p.handleState)
	return p
}

func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return p.local(offer), nil
}

func (p *Peer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return p.local(answer), nil
}

// local prefers the applied description, which carries candidates gathered
// so far.
func (p *Peer) local(fallback webrtc.SessionDescription) webrtc.SessionDescription {
	if ld := p.pc.LocalDescription(); ld != nil {
		return *ld
	}
	return fallback
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (p *Peer) AddTrack(track webrtc.TrackLocal) (sfu.Sender, error) {
	s, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(s)
	return s, nil
}

func (p *Peer) RemoveSender(s sfu.Sender) error {
	rs, ok := s.(*webrtc.RTPSender)
	if !ok {
		return fmt.Errorf("media: sender %T not created by this peer", s)
	}
	return p.pc.RemoveTrack(rs)
}

func (p *Peer) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *Peer) OnTrack(fn func(sfu.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

// OnConnected fires once, the first time the connection reaches connected.
func (p *Peer) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConnected = fn
	p.mu.Unlock()
}

// OnFailed fires when ICE gives up on the connection.
func (p *Peer) OnFailed(fn func(error)) {
	p.mu.Lock()
	p.onFailed = fn
	p.mu.Unlock()
}

func (p *Peer) OnQuality(fn QualityFunc) {
	p.mu.Lock()
	p.onQuality = fn
	p.mu.Unlock()
}

func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	return p.pc.Close()
}

func (p *Peer) handleState(s webrtc.PeerConnectionState) {
	log.Debugf("PEER [%s]: connection %s", p.tag, s)

	p.mu.Lock()
	var fire func()
	var fail func(error)
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if !p.connected {
			p.connected = true
			fire = p.onConnected
		}
	case webrtc.PeerConnectionStateFailed:
		if !p.closed {
			fail = p.onFailed
		}
	}
	p.mu.Unlock()

	if fire != nil {
		fire()
	}
	if fail != nil {
		fail(errors.New("media: ice connection failed"))
	}
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	log.Infof("PEER [%s]: remote %s track %s (%s)", p.tag, kind, track.ID(), track.Codec().MimeType)

	meter := NewQualityMeter()
	go p.readTrack(track, meter)
	go p.reportQuality(track, meter)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.requestKeyframes(track)
	}

	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

func (p *Peer) readTrack(track *webrtc.TrackRemote, meter *QualityMeter) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debugf("PEER [%s]: track %s read stopped: %v", p.tag, track.ID(), err)
			return
		}
		meter.Observe(pkt)
	}
}

func (p *Peer) reportQuality(track *webrtc.TrackRemote, meter *QualityMeter) {
	t := time.NewTicker(p.qualityInterval)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			q, loss := meter.Sample()
			p.mu.Lock()
			fn := p.onQuality
			p.mu.Unlock()
			if fn != nil {
				fn(track.ID(), track.Kind().String(), q, loss)
			}
		}
	}
}

// requestKeyframes sends a PLI on an interval so a late joiner gets a
// decodable frame quickly.
func (p *Peer) requestKeyframes(track *webrtc.TrackRemote) {
	t := time.NewTicker(p.pliInterval)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				log.Debugf("PEER [%s]: pli for %s: %v", p.tag, track.ID(), err)
				return
			}
		}
	}
}

// drainRTCP reads incoming RTCP for a sender so interceptors keep running.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}
