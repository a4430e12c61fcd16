package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/goopcall/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	API       API       `json:"api"`
	Call      Call      `json:"call"`
	SFU       SFU       `json:"sfu"`
	Media     Media     `json:"media"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
	History   History   `json:"history"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`

	// Bearer token used for both the signaling socket and the REST API.
	Token string `json:"token"`
}

type Signaling struct {
	// WebSocket endpoint of the chat server's event channel,
	// e.g. wss://chat.example.org/ws
	URL          string `json:"url"`
	ReconnectSec int    `json:"reconnect_seconds"`
	PingSec      int    `json:"ping_seconds"`
}

type API struct {
	BaseURL    string `json:"base_url"` // e.g. https://chat.example.org/api
	TimeoutSec int    `json:"timeout_seconds"`
}

type Call struct {
	// Incoming calls still ringing after this many seconds are declined
	// and reported as missed.
	IncomingRingSec int `json:"incoming_ring_seconds"`

	// Outgoing calls still ringing after this many seconds are cancelled.
	// 0 disables the outgoing timeout.
	OutgoingRingSec int `json:"outgoing_ring_seconds"`

	// Callee waits this long for an offer before sending request_offer.
	RequestOfferDelayMs int `json:"request_offer_delay_ms"`

	// Caller waits this long before answering request_offer with its
	// cached offer.
	OfferResendDelayMs int `json:"offer_resend_delay_ms"`
}

type SFU struct {
	RetryDelayMs int    `json:"retry_delay_ms"`
	MaxRetries   int    `json:"max_retries"`
	RoomPrefix   string `json:"room_prefix"` // used when the server omits roomId
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Media struct {
	ICEServers         []ICEServer `json:"ice_servers"`
	ICEDisconnectedSec int         `json:"ice_disconnected_seconds"`
	ICEFailedSec       int         `json:"ice_failed_seconds"`
	ICEKeepaliveSec    int         `json:"ice_keepalive_seconds"`
	PLIIntervalSec     int         `json:"pli_interval_seconds"`
	QualityIntervalSec int         `json:"quality_interval_seconds"`
	Video              bool        `json:"video"` // offer a local video track on video calls
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Log struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems,omitempty"` // e.g. {"sfu":"debug"}
}

type History struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"` // relative to the client directory
}

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "goopcall",
		},
		Signaling: Signaling{
			URL:          "ws://127.0.0.1:5000/ws",
			ReconnectSec: 3,
			PingSec:      20,
		},
		API: API{
			BaseURL:    "http://127.0.0.1:5000/api",
			TimeoutSec: 10,
		},
		Call: Call{
			IncomingRingSec:     30,
			OutgoingRingSec:     30,
			RequestOfferDelayMs: 2000,
			OfferResendDelayMs:  500,
		},
		SFU: SFU{
			RetryDelayMs: 500,
			MaxRetries:   20,
			RoomPrefix:   "room_",
		},
		Media: Media{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
			ICEKeepaliveSec:    2,
			PLIIntervalSec:     3,
			QualityIntervalSec: 5,
			Video:              true,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7780",
		},
		Log: Log{
			Level: "info",
		},
		History: History{
			Enabled: true,
			Dir:     "data",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	// Signaling
	if err := validateURL(c.Signaling.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.ReconnectSec <= 0 {
		return errors.New("signaling.reconnect_seconds must be > 0")
	}
	if c.Signaling.PingSec <= 0 {
		return errors.New("signaling.ping_seconds must be > 0")
	}

	// API
	if err := validateURL(c.API.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if c.API.TimeoutSec < 1 || c.API.TimeoutSec > 120 {
		return errors.New("api.timeout_seconds must be 1..120")
	}

	// Call
	if c.Call.IncomingRingSec <= 0 {
		return errors.New("call.incoming_ring_seconds must be > 0")
	}
	if c.Call.OutgoingRingSec < 0 {
		return errors.New("call.outgoing_ring_seconds must be >= 0")
	}
	if c.Call.RequestOfferDelayMs < 0 {
		return errors.New("call.request_offer_delay_ms must be >= 0")
	}
	if c.Call.OfferResendDelayMs < 0 {
		return errors.New("call.offer_resend_delay_ms must be >= 0")
	}

	// SFU
	if c.SFU.RetryDelayMs <= 0 {
		return errors.New("sfu.retry_delay_ms must be > 0")
	}
	if c.SFU.MaxRetries < 1 || c.SFU.MaxRetries > 1000 {
		return errors.New("sfu.max_retries must be 1..1000")
	}

	// Media
	for i, s := range c.Media.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("media.ice_servers[%d].urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("media.ice_servers[%d]: unsupported url %q", i, u)
			}
		}
	}
	if c.Media.ICEDisconnectedSec <= 0 {
		return errors.New("media.ice_disconnected_seconds must be > 0")
	}
	if c.Media.ICEFailedSec < c.Media.ICEDisconnectedSec {
		return errors.New("media.ice_failed_seconds must be >= media.ice_disconnected_seconds")
	}
	if c.Media.ICEKeepaliveSec <= 0 {
		return errors.New("media.ice_keepalive_seconds must be > 0")
	}
	if c.Media.PLIIntervalSec <= 0 {
		return errors.New("media.pli_interval_seconds must be > 0")
	}
	if c.Media.QualityIntervalSec <= 0 {
		return errors.New("media.quality_interval_seconds must be > 0")
	}

	// Log
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	for name, lvl := range c.Log.Subsystems {
		if !validLevels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystems.%s: %q is not a valid level", name, lvl)
		}
	}

	// History
	if c.History.Enabled && strings.TrimSpace(c.History.Dir) == "" {
		return errors.New("history.dir is required when history is enabled")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
