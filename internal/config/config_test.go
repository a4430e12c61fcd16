package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valid() Config {
	c := Default()
	c.Identity.UserID = "alice"
	return c
}

func TestDefaultNeedsUser(t *testing.T) {
	c := Default()
	assert.EqualError(t, c.Validate(), "identity.user_id is required")
	c = valid()
	assert.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"signaling scheme", func(c *Config) { c.Signaling.URL = "http://x/ws" }, "signaling.url: scheme must be one of ws, wss"},
		{"signaling host", func(c *Config) { c.Signaling.URL = "ws:///ws" }, "signaling.url: missing host"},
		{"api url", func(c *Config) { c.API.BaseURL = "" }, "api.base_url: is required"},
		{"api timeout", func(c *Config) { c.API.TimeoutSec = 0 }, "api.timeout_seconds must be 1..120"},
		{"incoming ring", func(c *Config) { c.Call.IncomingRingSec = 0 }, "call.incoming_ring_seconds must be > 0"},
		{"outgoing ring", func(c *Config) { c.Call.OutgoingRingSec = -1 }, "call.outgoing_ring_seconds must be >= 0"},
		{"sfu retries", func(c *Config) { c.SFU.MaxRetries = 0 }, "sfu.max_retries must be 1..1000"},
		{"ice url", func(c *Config) { c.Media.ICEServers = []ICEServer{{URLs: []string{"http://x"}}} }, `media.ice_servers[0]: unsupported url "http://x"`},
		{"ice timeouts", func(c *Config) { c.Media.ICEFailedSec = 1 }, "media.ice_failed_seconds must be >= media.ice_disconnected_seconds"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, `log.level "loud" is not a valid level`},
		{"subsystem level", func(c *Config) { c.Log.Subsystems = map[string]string{"sfu": "x"} }, `log.subsystems.sfu: "x" is not a valid level`},
		{"history dir", func(c *Config) { c.History.Dir = " " }, "history.dir is required when history is enabled"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			assert.EqualError(t, c.Validate(), tc.want)
		})
	}

	c := valid()
	c.Call.OutgoingRingSec = 0
	c.History = History{}
	assert.NoError(t, c.Validate(), "zero outgoing ring and disabled history are allowed")
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")

	c, created, err := Ensure(path, "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", c.Identity.UserID)

	c, created, err = Ensure(path, "bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice", c.Identity.UserID)
}

func TestLoadPartialKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"alice"},"call":{"incoming_ring_seconds":5}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Call.IncomingRingSec)
	assert.Equal(t, Default().Call.OutgoingRingSec, c.Call.OutgoingRingSec)
	assert.Equal(t, Default().Signaling.URL, c.Signaling.URL)
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	require.Error(t, Save(path, Default()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWatchAppliesValidEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goopcall.json")
	require.NoError(t, Save(path, valid()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, func(c Config) { got <- c }))

	bad := []byte(`{"identity":{"user_id":""}}`)
	require.NoError(t, os.WriteFile(path, bad, 0o644))
	select {
	case <-got:
		t.Fatal("invalid edit was applied")
	case <-time.After(600 * time.Millisecond):
	}

	next := valid()
	next.Call.IncomingRingSec = 12
	require.NoError(t, Save(path, next))
	select {
	case c := <-got:
		assert.Equal(t, 12, c.Call.IncomingRingSec)
	case <-time.After(3 * time.Second):
		t.Fatal("reload not applied")
	}
}
