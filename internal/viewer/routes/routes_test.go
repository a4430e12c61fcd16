package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/apiclient"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/storage"
)

type fakeCalls struct {
	mu      sync.Mutex
	bus     *call.Bus
	session *call.Session
	err     error
	calls   []string
	muted   bool
}

func (f *fakeCalls) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.err
}

func (f *fakeCalls) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeCalls) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCalls) Current() (call.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return call.Session{}, false
	}
	return *f.session, true
}

func (f *fakeCalls) Initiate(_ context.Context, chatID string, kind call.Kind, isGroup bool) (string, error) {
	if err := f.record("initiate:" + chatID + ":" + string(kind)); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.session = &call.Session{CallID: "c1", ChatID: chatID, Kind: kind, IsGroup: isGroup, State: call.OutgoingRinging}
	f.mu.Unlock()
	return "c1", nil
}

func (f *fakeCalls) Accept(context.Context) error  { return f.record("accept") }
func (f *fakeCalls) Decline(context.Context) error { return f.record("decline") }
func (f *fakeCalls) Cancel(context.Context) error  { return f.record("cancel") }
func (f *fakeCalls) End(context.Context) error     { return f.record("end") }

func (f *fakeCalls) ToggleAudio(context.Context) (bool, error) {
	if err := f.record("toggle-audio"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted, nil
}

func (f *fakeCalls) ToggleVideo(context.Context) (bool, error) {
	return true, f.record("toggle-video")
}

func (f *fakeCalls) Bus() *call.Bus { return f.bus }

type fakeHistory struct{ recs []storage.CallRecord }

func (h fakeHistory) ListCalls(limit int) ([]storage.CallRecord, error) {
	if limit < len(h.recs) {
		return h.recs[:limit], nil
	}
	return h.recs, nil
}

func newMux(t *testing.T, mutate ...func(*Deps)) (*fakeCalls, *httptest.Server) {
	t.Helper()
	fc := &fakeCalls{bus: call.NewBus(0)}
	d := Deps{Calls: fc}
	for _, fn := range mutate {
		fn(&d)
	}
	mux := http.NewServeMux()
	Register(mux, d)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fc, srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStateIdle(t *testing.T) {
	_, srv := newMux(t)
	resp, err := http.Get(srv.URL + "/api/call/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	var v stateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.False(t, v.Active)
	assert.Nil(t, v.Session)
}

func TestInitiate(t *testing.T) {
	fc, srv := newMux(t)

	resp, _ := post(t, srv.URL+"/api/call/initiate", `{"type":"video"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/api/call/initiate", `{"chatId":"x","type":"hologram"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out := post(t, srv.URL+"/api/call/initiate", `{"chatId":"x","type":"video","isGroup":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c1", out["callId"])
	assert.Equal(t, []string{"initiate:x:video"}, fc.ops())

	s, ok := fc.Current()
	require.True(t, ok)
	assert.True(t, s.IsGroup)
}

func TestActionsAndErrors(t *testing.T) {
	fc, srv := newMux(t)

	for _, op := range []string{"accept", "decline", "cancel", "end"} {
		resp, _ := post(t, srv.URL+"/api/call/"+op, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, op)
	}
	assert.Equal(t, []string{"accept", "decline", "cancel", "end"}, fc.ops())

	for _, tc := range []struct {
		err    error
		status int
	}{
		{call.ErrNoActiveCall, http.StatusNotFound},
		{call.ErrAlreadyInCall, http.StatusConflict},
		{call.ErrActionInFlight, http.StatusConflict},
		{&apiclient.StatusError{Code: 404, Message: "x"}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	} {
		fc.setErr(tc.err)
		resp, out := post(t, srv.URL+"/api/call/accept", "")
		assert.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
		assert.Equal(t, tc.err.Error(), out["error"])
	}

	resp, err := http.Get(srv.URL + "/api/call/accept")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestToggles(t *testing.T) {
	_, srv := newMux(t)
	_, out := post(t, srv.URL+"/api/call/toggle-audio", "")
	assert.Equal(t, true, out["muted"])
	_, out = post(t, srv.URL+"/api/call/toggle-audio", "")
	assert.Equal(t, false, out["muted"])
	_, out = post(t, srv.URL+"/api/call/toggle-video", "")
	assert.Equal(t, true, out["muted"])
}

// sseEvents reads "event:" names from an SSE stream until n are seen.
func sseEvents(t *testing.T, resp *http.Response, n int) []string {
	t.Helper()
	var got []string
	sc := bufio.NewScanner(resp.Body)
	for len(got) < n && sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			got = append(got, name)
		}
	}
	return got
}

func TestEventsStream(t *testing.T) {
	fc, srv := newMux(t)
	resp, err := http.Get(srv.URL + "/api/call/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	go func() {
		// Give the handler time to subscribe.
		time.Sleep(50 * time.Millisecond)
		fc.bus.Publish(call.Event{Type: call.EventBusy, CallID: "c9"})
	}()
	assert.Equal(t, []string{"state", "busy"}, sseEvents(t, resp, 2))
}

func TestWebSocketStream(t *testing.T) {
	fc, srv := newMux(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/call/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap map[string]any
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap["type"])

	fc.bus.Publish(call.Event{Type: call.EventQuality, CallID: "c1"})
	var e call.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, call.EventQuality, e.Type)
	assert.Equal(t, "c1", e.CallID)
}

func TestSignalingTap(t *testing.T) {
	mem := signaling.NewMemory()
	defer mem.Close()
	_, srv := newMux(t, func(d *Deps) { d.Tap = mem })

	resp, err := http.Get(srv.URL + "/api/signaling/events?event=sfu-")
	require.NoError(t, err)
	defer resp.Body.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = mem.Emit(context.Background(), signaling.EventJoinCallRoom, map[string]string{"callId": "c1"})
		_ = mem.Emit(context.Background(), "sfu-create-room", map[string]string{"roomId": "r"})
	}()

	sc := bufio.NewScanner(resp.Body)
	var frame signaling.Frame
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok && strings.Contains(data, `"event"`) {
			require.NoError(t, json.Unmarshal([]byte(data), &frame))
			break
		}
	}
	assert.Equal(t, "sfu-create-room", frame.Event)
	assert.Equal(t, signaling.Outbound, frame.Dir)
}

func TestHistoryAndDebug(t *testing.T) {
	hist := fakeHistory{recs: []storage.CallRecord{{CallID: "a"}, {CallID: "b"}}}
	fc, srv := newMux(t, func(d *Deps) {
		d.History = hist
		d.Debug = func() any { return map[string]string{"mode": "sfu"} }
	})

	resp, err := http.Get(srv.URL + "/api/call/history?limit=1")
	require.NoError(t, err)
	var recs []storage.CallRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	resp.Body.Close()
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].CallID)

	fc.bus.Publish(call.Event{Type: call.EventError, CallID: "c1", Error: "x"})
	resp, err = http.Get(srv.URL + "/api/call/debug")
	require.NoError(t, err)
	var dbg struct {
		Events []call.Event       `json:"events"`
		Media  map[string]string `json:"media"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dbg))
	resp.Body.Close()
	require.Len(t, dbg.Events, 1)
	assert.Equal(t, call.EventError, dbg.Events[0].Type)
	assert.Equal(t, "sfu", dbg.Media["mode"])
}

func TestOptionalRoutesAbsent(t *testing.T) {
	_, srv := newMux(t)
	for _, path := range []string{"/api/call/history", "/api/signaling/events", "/api/logs"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}
