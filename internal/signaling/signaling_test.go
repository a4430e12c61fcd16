package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePatterns(t *testing.T) {
	m := NewMemory()
	var got []string

	m.Subscribe(SFUPrefix+"*", func(json.RawMessage) { got = append(got, "prefix") })
	unsub := m.Subscribe(SFUError, func(json.RawMessage) { got = append(got, "exact") })

	require.NoError(t, m.Deliver(SFUError, CallError{Message: "x"}))
	require.NoError(t, m.Deliver(EventCallEnded, CallRef{CallID: "c"}))
	assert.Equal(t, []string{"prefix", "exact"}, got)

	unsub()
	unsub()
	got = nil
	require.NoError(t, m.Deliver(SFUError, CallError{}))
	assert.Equal(t, []string{"prefix"}, got)
	assert.Equal(t, 1, m.Subscriptions())
}

func TestHandlerMayUnsubscribeItself(t *testing.T) {
	m := NewMemory()
	calls := 0
	var unsub func()
	unsub = m.Subscribe(EventCallEnded, func(json.RawMessage) {
		calls++
		unsub()
	})
	require.NoError(t, m.Deliver(EventCallEnded, CallRef{CallID: "a"}))
	require.NoError(t, m.Deliver(EventCallEnded, CallRef{CallID: "a"}))
	assert.Equal(t, 1, calls)
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	m := NewMemory()
	reached := false
	m.Subscribe(EventCallEnded, func(json.RawMessage) { panic("boom") })
	m.Subscribe(EventCallEnded, func(json.RawMessage) { reached = true })
	require.NoError(t, m.Deliver(EventCallEnded, CallRef{CallID: "a"}))
	assert.True(t, reached)
}

func TestMemoryRecordsAndHooksEmits(t *testing.T) {
	m := NewMemory()
	var hooked []string
	m.SetOnEmit(func(event string, _ json.RawMessage) { hooked = append(hooked, event) })

	ctx := context.Background()
	require.NoError(t, m.Emit(ctx, EventJoinCallRoom, CallRef{CallID: "c1"}))
	require.NoError(t, m.Emit(ctx, EventLeaveCallRoom, CallRef{CallID: "c1"}))

	assert.Equal(t, []string{EventJoinCallRoom, EventLeaveCallRoom}, hooked)
	frames := m.SentEvents(EventJoinCallRoom)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"callId":"c1"}`, string(frames[0].Data))
	assert.Equal(t, Outbound, frames[0].Dir)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Emit(ctx, EventJoinCallRoom, nil), ErrClosed)
}

func TestTapSeesBothDirections(t *testing.T) {
	m := NewMemory()
	ch, cancel := m.Tap()
	defer cancel()

	require.NoError(t, m.Emit(context.Background(), EventJoinCallRoom, CallRef{CallID: "c"}))
	require.NoError(t, m.Deliver(EventCallAccepted, CallRef{CallID: "c"}))

	out := <-ch
	in := <-ch
	assert.Equal(t, Outbound, out.Dir)
	assert.Equal(t, EventJoinCallRoom, out.Event)
	assert.Equal(t, Inbound, in.Dir)
	assert.Equal(t, EventCallAccepted, in.Event)
}

func TestUserRefDecoding(t *testing.T) {
	cases := map[string]UserRef{
		`"u1"`: {ID: "u1"},
		`{"_id":"u2","username":"bob","avatar":"a.png"}`: {ID: "u2", Username: "bob", Avatar: "a.png"},
		`{"id":"u3"}`: {ID: "u3"},
		`42`:          {ID: "42"},
	}
	for in, want := range cases {
		var got UserRef
		require.NoError(t, json.Unmarshal([]byte(in), &got), in)
		assert.Equal(t, want, got, in)
	}
}

func TestCallRoomJoinedDecoding(t *testing.T) {
	data := `{
		"callId":"c1","roomId":"room_c1",
		"participants":[{"userId":{"_id":"u1","username":"ann"},"status":"connected"},{"userId":"u2"}],
		"iceServers":[{"urls":"stun:stun.example.org"},{"urls":["turn:t1","turn:t2"],"username":"x","credential":"y"}]
	}`
	ev, err := Decode[CallRoomJoined](json.RawMessage(data))
	require.NoError(t, err)
	require.Len(t, ev.Participants, 2)
	assert.Equal(t, "u1", ev.Participants[0].User.ID)
	assert.Equal(t, "ann", ev.Participants[0].User.Username)
	assert.Equal(t, "u2", ev.Participants[1].User.ID)
	require.Len(t, ev.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.example.org"}, ev.ICEServers[0].WebRTC().URLs)
	assert.Equal(t, []string{"turn:t1", "turn:t2"}, []string(ev.ICEServers[1].URLs))

	_, err = Decode[CallRoomJoined](json.RawMessage(`{"callId":`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseEnvelope(t *testing.T) {
	t.Run("offer", func(t *testing.T) {
		env, err := ParseEnvelope(EventWebRTCOffer, json.RawMessage(
			`{"callId":"A","fromUserId":"bob","offer":{"type":"offer","sdp":"v=0"}}`))
		require.NoError(t, err)
		assert.Equal(t, KindOffer, env.Kind)
		assert.Equal(t, "bob", env.FromUserID)
		assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(env.Payload))
	})

	t.Run("request offer", func(t *testing.T) {
		env, err := ParseEnvelope(EventWebRTCOffer, json.RawMessage(
			`{"callId":"A","fromUserId":"bob","offer":{"callId":"A","type":"request_offer"}}`))
		require.NoError(t, err)
		assert.Equal(t, KindRequestOffer, env.Kind)
	})

	t.Run("settings use userId as origin", func(t *testing.T) {
		env, err := ParseEnvelope(EventCallSettingsUpdated, json.RawMessage(
			`{"callId":"A","userId":{"_id":"bob"},"settings":{"muteAudio":true}}`))
		require.NoError(t, err)
		assert.Equal(t, KindSettingsUpdate, env.Kind)
		assert.Equal(t, "bob", env.FromUserID)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, data := range []string{
			`{"fromUserId":"bob","answer":{"type":"answer","sdp":"v=0"}}`,
			`{"callId":"A","fromUserId":"bob"}`,
			`{"callId":"A","fromUserId":"bob","candidate":null}`,
			`[1,2]`,
		} {
			_, err := ParseEnvelope(EventWebRTCAnswer, json.RawMessage(data))
			assert.ErrorIs(t, err, ErrMalformed, data)
		}
	})
}

func TestEnvelopeAccept(t *testing.T) {
	env := Envelope{CallID: "B", FromUserID: "bob", Kind: KindICECandidate}
	assert.ErrorIs(t, env.Accept("me", "A"), ErrStaleCall)
	assert.ErrorIs(t, env.Accept("me", ""), ErrStaleCall)
	assert.ErrorIs(t, env.Accept("bob", "B"), ErrSelfOrigin)
	assert.ErrorIs(t, Envelope{CallID: "B"}.Accept("me", "B"), ErrSelfOrigin)
	assert.NoError(t, env.Accept("me", "B"))
}

func TestWSClientRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	received := make(chan wireFrame, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(wireFrame{Event: EventCallAccepted, Data: json.RawMessage(`{"callId":"c9"}`)})
		for {
			var f wireFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			received <- f
		}
	}))
	defer srv.Close()

	connected := make(chan struct{}, 1)
	c := NewWSClient(WSOptions{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:     "secret",
		Reconnect: 50 * time.Millisecond,
		Ping:      time.Second,
		OnConnect: func() { connected <- struct{}{} },
	})

	accepted := make(chan CallRef, 1)
	c.Subscribe(EventCallAccepted, func(data json.RawMessage) {
		ref, err := Decode[CallRef](data)
		if err == nil {
			accepted <- ref
		}
	})

	assert.ErrorIs(t, c.Emit(context.Background(), EventJoinCallRoom, CallRef{CallID: "c9"}), ErrNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not connect")
	}
	assert.Equal(t, "Bearer secret", <-gotAuth)

	select {
	case ref := <-accepted:
		assert.Equal(t, "c9", ref.CallID)
	case <-time.After(3 * time.Second):
		t.Fatal("inbound frame not dispatched")
	}

	require.NoError(t, c.Emit(context.Background(), EventJoinCallRoom, CallRef{CallID: "c9"}))
	select {
	case f := <-received:
		assert.Equal(t, EventJoinCallRoom, f.Event)
		assert.JSONEq(t, `{"callId":"c9"}`, string(f.Data))
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive frame")
	}

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.Connected())
}
