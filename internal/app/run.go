package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goopcall/internal/apiclient"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

type Options struct {
	Dir      string
	CfgPath  string
	Cfg      config.Config
	Browser  bool // open the control surface once it is listening
	Progress func(step, total int, label string)
}

func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	logBuf.Capture(ctx)
	applyLogLevels(opt.Cfg.Log)

	logBanner(opt.Dir, opt.CfgPath, opt.Cfg.Identity.UserID)

	err := runClient(ctx, opt, logBuf)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// live holds the config that hot reload may replace.
type live struct {
	mu  sync.Mutex
	cfg config.Config
}

func (l *live) get() config.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *live) set(c config.Config) {
	l.mu.Lock()
	l.cfg = c
	l.mu.Unlock()
}

func runClient(ctx context.Context, o Options, logs *viewer.LogBuffer) error {
	cfg := o.Cfg
	cur := &live{cfg: cfg}

	emit := o.Progress
	if emit == nil {
		emit = func(int, int, string) {}
	}
	step, total := 0, 4
	if cfg.History.Enabled {
		total++
	}
	if cfg.Viewer.HTTPAddr != "" {
		total++
	}
	progress := func(label string) {
		step++
		emit(step, total, label)
	}

	// ── Media engine
	progress("Building media engine")
	engine, err := media.NewEngine(cfg.Media)
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}

	// ── Server collaborators
	progress("Connecting to server")
	api := apiclient.New(cfg.API.BaseURL, cfg.Identity.Token, util.Seconds(cfg.API.TimeoutSec, util.DefaultRequestTimeout))

	var m *call.Machine
	ws := signaling.NewWSClient(signaling.WSOptions{
		URL:       cfg.Signaling.URL,
		Token:     cfg.Identity.Token,
		Reconnect: util.Seconds(cfg.Signaling.ReconnectSec, 3*time.Second),
		Ping:      util.Seconds(cfg.Signaling.PingSec, 20*time.Second),
		OnConnect: func() {
			// Rooms are per connection; announce the active call again.
			go m.Rejoin(ctx)
		},
	})

	// ── Call core
	progress("Starting call engine")
	bus := call.NewBus(200)
	m = call.NewMachine(call.Options{
		SelfID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		Avatar:      cfg.Identity.Avatar,
		API:         api,
		Channel:     ws,
		Bus:         bus,
	})
	defer m.Close()

	ringIn, ringOut := ringTimeouts(cfg.Call)
	ringer := call.NewRinger(m, ringIn, ringOut)
	defer ringer.Close()

	calls := NewCalls(m, ws, engine, cfg)
	defer calls.Close()

	// ── History
	var db *storage.DB
	if cfg.History.Enabled {
		progress("Opening call history")
		db, err = storage.Open(util.ResolvePath(o.Dir, cfg.History.Dir))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		log.Infof("HISTORY: %s (schema %s)", db.Path(), db.Meta("schema_version"))

		rec := NewRecorder(bus, db)
		defer rec.Close(util.ShortTimeout)
	}

	// ── Hot reload
	if o.CfgPath != "" {
		err := config.Watch(ctx, o.CfgPath, func(next config.Config) {
			prev := cur.get()
			if next.Identity.UserID != prev.Identity.UserID ||
				next.Signaling.URL != prev.Signaling.URL ||
				next.API.BaseURL != prev.API.BaseURL {
				log.Warn("CONFIG: identity and server changes apply after restart")
			}
			cur.set(next)
			applyLogLevels(next.Log)
			ringer.SetTimeouts(ringTimeouts(next.Call))
			calls.SetConfig(next)
		})
		if err != nil {
			log.Warnf("CONFIG: hot reload disabled: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ws.Run(gctx)
	})

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		progress("Starting viewer")
		addr, url, tcpAddr := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := viewer.Viewer{
			Calls: m,
			Tap:   ws,
			Logs:  logs,
		}
		if db != nil {
			v.History = db
		}
		if cfg.Viewer.Debug {
			v.Debug = calls.Debug
		}
		g.Go(func() error {
			return viewer.Start(gctx, addr, v)
		})
		if o.Browser {
			go func() {
				if err := WaitTCP(tcpAddr, 5*time.Second); err != nil {
					log.Warnf("VIEWER: %v", err)
					return
				}
				if err := OpenBrowser(url); err != nil {
					log.Warnf("VIEWER: open browser: %v", err)
				}
			}()
		}
		log.Infof("📞 Call control: %s", url)
	}

	log.Infof("CLIENT: online as %s", cfg.Identity.UserID)

	err = g.Wait()
	log.Info("========================================")
	log.Info("CLIENT: shutting down")
	log.Info("========================================")
	hangUp(m)
	return err
}

func ringTimeouts(c config.Call) (incoming, outgoing time.Duration) {
	incoming = util.Seconds(c.IncomingRingSec, 30*time.Second)
	outgoing = time.Duration(c.OutgoingRingSec) * time.Second
	return
}

// hangUp leaves whatever call is still up so the other side is not left
// waiting for media that will never come.
func hangUp(m *call.Machine) {
	s, ok := m.Current()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()

	var err error
	switch s.State {
	case call.IncomingRinging:
		err = m.Decline(ctx)
	case call.OutgoingRinging:
		err = m.Cancel(ctx)
	default:
		err = m.End(ctx)
	}
	if err != nil {
		log.Debugf("CLIENT: hang up %s: %v", s.CallID, err)
	}
}
