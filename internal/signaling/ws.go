package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/util"
)

const maxFrameSize = 4 << 20

type WSOptions struct {
	URL       string
	Token     string
	Reconnect time.Duration
	Ping      time.Duration

	// OnConnect runs after every successful (re)connect, before frames
	// are read.
	OnConnect func()
}

// WSClient is a Channel over a gorilla/websocket connection carrying JSON
// frames of the form {"event": "...", "data": {...}}.
type WSClient struct {
	router

	opts     WSOptions
	clientID string
	dialer   websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewWSClient(opts WSOptions) *WSClient {
	if opts.Reconnect <= 0 {
		opts.Reconnect = 3 * time.Second
	}
	if opts.Ping <= 0 {
		opts.Ping = 20 * time.Second
	}
	return &WSClient{
		opts:     opts,
		clientID: uuid.NewString(),
		dialer: websocket.Dialer{
			HandshakeTimeout: util.DefaultDialTimeout,
		},
	}
}

// ClientID identifies this process to the server across reconnects.
func (c *WSClient) ClientID() string { return c.clientID }

func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and serves frames until ctx is cancelled, reconnecting
// after a fixed delay whenever the connection drops.
func (c *WSClient) Run(ctx context.Context) error {
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warnf("SIGNALING: connection lost: %v (retry in %s)", err, c.opts.Reconnect)

		t := time.NewTimer(c.opts.Reconnect)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *WSClient) connectAndServe(ctx context.Context) error {
	hdr := http.Header{}
	if c.opts.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.opts.Token)
	}
	hdr.Set("X-Client-Id", c.clientID)

	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, hdr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	defer conn.Close()

	conn.SetReadLimit(maxFrameSize)
	pongWait := 2 * c.opts.Ping
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	log.Infof("SIGNALING: connected to %s", c.opts.URL)
	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(conn, stop)

	// Close the socket on cancellation so ReadMessage unblocks.
	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(util.ShortTimeout))
			c.writeMu.Unlock()
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f wireFrame
		if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
			log.Warnf("SIGNALING: dropping undecodable frame (%d bytes)", len(msg))
			continue
		}
		c.dispatch(f.Event, f.Data)
	}
}

func (c *WSClient) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(c.opts.Ping)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(util.DefaultWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				log.Debugf("SIGNALING: ping failed: %v", err)
				return
			}
		}
	}
}

func (c *WSClient) Emit(ctx context.Context, event string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	b, err := json.Marshal(wireFrame{Event: event, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(util.DefaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}

	c.publishTap(Frame{Event: event, Data: data, Dir: Outbound, Time: time.Now()})
	return nil
}
