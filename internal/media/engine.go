// Package media builds pion peer connections for 1:1 relays and SFU
// transports.
package media

import (
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/sfu"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("media")

var (
	_ relay.Peer        = (*Peer)(nil)
	_ sfu.TransportPeer = (*Peer)(nil)
	_ sfu.Engine        = (*Engine)(nil)
)

// nack and transport-cc feedback are added by the default interceptors.
var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
}

var codecs = []struct {
	kind   webrtc.RTPCodecType
	params webrtc.RTPCodecParameters
}{
	{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeVP9, ClockRate: 90000,
			SDPFmtpLine: "profile-id=0", RTCPFeedback: videoFeedback,
		},
		PayloadType: 98,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 102,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeAV1, ClockRate: 90000, RTCPFeedback: videoFeedback,
		},
		PayloadType: 45,
	}},
}

var headerExtensions = []struct {
	uri   string
	kinds []webrtc.RTPCodecType
}{
	{sdp.SDESMidURI, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}},
	{sdp.AudioLevelURI, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}},
	{sdp.ABSSendTimeURI, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo}},
}

// Engine creates peer connections that share one codec and interceptor
// setup.
type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer

	pliInterval     time.Duration
	qualityInterval time.Duration
}

func NewEngine(cfg config.Media) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := m.RegisterCodec(c.params, c.kind); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.params.MimeType, err)
		}
	}
	for _, ext := range headerExtensions {
		for _, kind := range ext.kinds {
			if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.uri}, kind); err != nil {
				return nil, fmt.Errorf("register extension %s: %w", ext.uri, err)
			}
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}

	// Relay paths can stall for several seconds during re-keying, so the
	// disconnect timeout is far above pion's default.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(
		util.Seconds(cfg.ICEDisconnectedSec, 30*time.Second),
		util.Seconds(cfg.ICEFailedSec, 120*time.Second),
		util.Seconds(cfg.ICEKeepaliveSec, 2*time.Second),
	)

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		iceServers:      ICEServers(cfg.ICEServers),
		pliInterval:     util.Seconds(cfg.PLIIntervalSec, 3*time.Second),
		qualityInterval: util.Seconds(cfg.QualityIntervalSec, 5*time.Second),
	}, nil
}

// ICEServers converts configured servers to pion's form.
func ICEServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// NewPeer opens a peer connection. A nil iceServers uses the configured
// servers.
func (e *Engine) NewPeer(tag string, iceServers []webrtc.ICEServer) (*Peer, error) {
	if e == nil || e.api == nil {
		return nil, sfu.ErrEngineNotReady
	}
	if iceServers == nil {
		iceServers = e.iceServers
	}
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return newPeer(tag, pc, e.pliInterval, e.qualityInterval), nil
}

// NewTransportPeer opens the peer behind one SFU transport. The SFU hands
// out its own ICE candidates, so no STUN servers are used.
func (e *Engine) NewTransportPeer(dir sfu.Direction) (sfu.TransportPeer, error) {
	p, err := e.NewPeer("sfu-"+string(dir), []webrtc.ICEServer{})
	if err != nil {
		if errors.Is(err, sfu.ErrEngineNotReady) {
			return nil, err
		}
		return nil, fmt.Errorf("transport peer %s: %w", dir, err)
	}
	return p, nil
}
