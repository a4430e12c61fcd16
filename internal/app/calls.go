package app

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/sfu"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

// PeerFactory opens peer connections. *media.Engine is the production
// implementation.
type PeerFactory interface {
	NewPeer(tag string, iceServers []webrtc.ICEServer) (*media.Peer, error)
}

// Calls starts and stops the media side of the active call. A 1:1 call
// gets a relay over one peer connection; a group call gets an SFU session.
type Calls struct {
	m      *call.Machine
	ch     signaling.Channel
	peers  PeerFactory
	selfID string

	mu     sync.Mutex
	cfg    config.Config
	cur    *mediaSession
	closed bool

	unsub func()
}

type mediaSession struct {
	callID string
	group  bool
	local  *media.LocalMedia

	mu       sync.Mutex
	stopped  bool
	settings *relay.Settings
	relay    *relay.Relay
	sfu      *sfu.Manager

	once sync.Once
}

// keep runs fn under the session lock unless the session was stopped.
func (ms *mediaSession) keep(fn func()) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.stopped {
		return false
	}
	fn()
	return true
}

func NewCalls(m *call.Machine, ch signaling.Channel, peers PeerFactory, cfg config.Config) *Calls {
	c := &Calls{m: m, ch: ch, peers: peers, selfID: m.SelfID(), cfg: cfg}
	c.unsub = m.Bus().OnEvent(c.onEvent)
	return c
}

// SetConfig applies cfg to calls that start afterwards.
func (c *Calls) SetConfig(cfg config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Calls) onEvent(e call.Event) {
	switch e.Type {
	case call.EventRoomJoined:
		if e.Session != nil {
			s := *e.Session
			go c.start(s)
		}
	case call.EventSettings:
		if e.Session != nil {
			go c.publishSettings(e.CallID, e.Session.Settings())
		}
	}
}

func (c *Calls) session(callID string) *mediaSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.callID != callID {
		return nil
	}
	return c.cur
}

func (c *Calls) start(s call.Session) {
	c.mu.Lock()
	if c.closed || (c.cur != nil && c.cur.callID == s.CallID) {
		c.mu.Unlock()
		return
	}
	cfg := c.cfg
	c.mu.Unlock()

	local, err := media.NewLocalMedia(s.Kind == call.Video && cfg.Media.Video)
	if err != nil {
		c.m.Fail(s.CallID, err)
		return
	}
	ms := &mediaSession{callID: s.CallID, group: s.IsGroup, local: local}
	st := s.Settings()
	local.SetMuted(st.MuteAudio, st.MuteVideo)

	// The machine runs the cleanup on any terminal transition. If the call
	// is already gone we own it.
	if !c.m.Attach(s.CallID, func() { c.stop(ms) }) {
		log.Debugf("CALLS [%s]: call ended before media started", s.CallID)
		local.Close()
		return
	}
	c.mu.Lock()
	prev := c.cur
	c.cur = ms
	c.mu.Unlock()
	if prev != nil {
		c.stop(prev)
	}

	settings := relay.NewSettings(s.CallID, c.selfID, c.ch, c.m, c.m.ApplyRemoteSettings)
	if !ms.keep(func() { ms.settings = settings }) {
		settings.Close()
		return
	}

	if s.IsGroup {
		err = c.startGroup(ms, s, cfg)
	} else {
		err = c.startDirect(ms, s, cfg)
	}
	if err != nil {
		log.Errorf("CALLS [%s]: media setup failed: %v", s.CallID, err)
		c.m.Fail(s.CallID, err)
		return
	}
	local.Start()
}

func (c *Calls) startDirect(ms *mediaSession, s call.Session, cfg config.Config) error {
	servers := media.ICEServers(cfg.Media.ICEServers)
	for _, srv := range s.ICEServers {
		servers = append(servers, srv.WebRTC())
	}
	peer, err := c.peers.NewPeer("call-"+s.CallID, servers)
	if err != nil {
		return err
	}
	for _, tr := range ms.local.Tracks() {
		if _, err := peer.AddTrack(tr); err != nil {
			_ = peer.Close()
			return err
		}
	}

	remote := ""
	if rs := s.Remote(); len(rs) > 0 {
		remote = rs[0].UserID
	}
	callID := s.CallID
	peer.OnConnected(func() { c.m.MarkConnected(callID) })
	peer.OnFailed(func(err error) { c.m.Fail(callID, err) })
	peer.OnTrack(func(rt sfu.RemoteTrack) {
		c.m.NotifyRemoteTrack(callID, remote, rt.Kind().String())
	})
	peer.OnQuality(func(_, _ string, q media.Quality, loss float64) {
		log.Debugf("CALLS [%s]: quality %s (loss %.1f%%)", callID, q, loss*100)
		c.m.SetConnectionQuality(callID, remote, call.Quality(q))
	})

	r := relay.New(relay.Options{
		CallID:            callID,
		SelfID:            c.selfID,
		Channel:           c.ch,
		Peer:              peer,
		Guard:             c.m,
		RequestOfferDelay: util.Millis(cfg.Call.RequestOfferDelayMs, 2*time.Second),
		OfferResendDelay:  util.Millis(cfg.Call.OfferResendDelayMs, 500*time.Millisecond),
		OnError:           func(err error) { c.m.Fail(callID, err) },
	})
	if !ms.keep(func() { ms.relay = r }) {
		r.Close()
		return nil
	}
	r.Start(s.Outgoing)
	log.Infof("CALLS [%s]: 1:1 media started (caller=%v)", callID, s.Outgoing)
	return nil
}

func (c *Calls) startGroup(ms *mediaSession, s call.Session, cfg config.Config) error {
	roomID := s.RoomID
	if roomID == "" {
		roomID = cfg.SFU.RoomPrefix + s.CallID
	}
	callID := s.CallID
	mgr := sfu.New(sfu.Options{
		RoomID:     roomID,
		PeerID:     c.selfID,
		Channel:    c.ch,
		Engine: &transportEngine{
			peers:      c.peers,
			calls:      c,
			callID:     callID,
			iceServers: media.ICEServers(cfg.Media.ICEServers),
		},
		RetryDelay: util.Millis(cfg.SFU.RetryDelayMs, 500*time.Millisecond),
		MaxRetries: cfg.SFU.MaxRetries,
		OnTrack: func(t sfu.Track) {
			c.m.NotifyRemoteTrack(callID, t.PeerID, t.Kind)
			c.m.MarkConnected(callID)
		},
		OnTrackEnded: func(t sfu.Track) {
			log.Infof("CALLS [%s]: %s track from %s ended", callID, t.Kind, t.PeerID)
		},
		OnError: func(err error) { c.m.Fail(callID, err) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	if !ms.keep(func() { ms.sfu = mgr }) {
		return mgr.Cleanup(ctx)
	}
	if err := mgr.Join(ctx); err != nil {
		return err
	}
	for _, tr := range ms.local.Tracks() {
		if err := mgr.Produce(ctx, tr); err != nil {
			return err
		}
	}
	log.Infof("CALLS [%s]: group media started in room %s", callID, roomID)
	return nil
}

func (c *Calls) publishSettings(callID string, st signaling.CallSettings) {
	ms := c.session(callID)
	if ms == nil {
		return
	}
	ms.local.SetMuted(st.MuteAudio, st.MuteVideo)
	ms.mu.Lock()
	settings := ms.settings
	ms.mu.Unlock()
	if settings == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	if err := settings.Publish(ctx, st); err != nil {
		log.Warnf("CALLS [%s]: publish settings: %v", callID, err)
	}
}

func (c *Calls) stop(ms *mediaSession) {
	ms.once.Do(func() {
		c.mu.Lock()
		if c.cur == ms {
			c.cur = nil
		}
		c.mu.Unlock()

		ms.mu.Lock()
		ms.stopped = true
		settings, r, mgr := ms.settings, ms.relay, ms.sfu
		ms.mu.Unlock()

		if settings != nil {
			settings.Close()
		}
		if r != nil {
			r.Close()
		}
		if mgr != nil {
			ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			if err := mgr.Cleanup(ctx); err != nil {
				log.Debugf("CALLS [%s]: sfu cleanup: %v", ms.callID, err)
			}
			cancel()
		}
		ms.local.Close()
		log.Infof("CALLS [%s]: media stopped", ms.callID)
	})
}

// Debug describes the running media session.
func (c *Calls) Debug() any {
	c.mu.Lock()
	ms := c.cur
	c.mu.Unlock()
	if ms == nil {
		return map[string]any{"mode": "idle"}
	}
	out := map[string]any{"callId": ms.callID, "group": ms.group, "mode": "direct"}
	ms.mu.Lock()
	mgr := ms.sfu
	ms.mu.Unlock()
	if mgr != nil {
		out["mode"] = "sfu"
		out["sfu"] = mgr.Snapshot()
	}
	audio, video := ms.local.Muted()
	out["audioMuted"], out["videoMuted"] = audio, video
	return out
}

func (c *Calls) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ms := c.cur
	c.mu.Unlock()

	c.unsub()
	if ms != nil {
		c.stop(ms)
	}
}

// transportEngine opens SFU transport peers and reports their quality as
// the local participant's.
type transportEngine struct {
	peers      PeerFactory
	calls      *Calls
	callID     string
	iceServers []webrtc.ICEServer
}

func (e *transportEngine) NewTransportPeer(dir sfu.Direction) (sfu.TransportPeer, error) {
	p, err := e.peers.NewPeer("sfu-"+string(dir)+"-"+e.callID, e.iceServers)
	if err != nil {
		return nil, err
	}
	m := e.calls.m
	callID := e.callID
	p.OnFailed(func(err error) { m.Fail(callID, err) })
	if dir == sfu.DirRecv {
		p.OnQuality(func(_, _ string, q media.Quality, _ float64) {
			m.SetConnectionQuality(callID, "", call.Quality(q))
		})
	}
	return p, nil
}
