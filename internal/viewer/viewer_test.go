package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/signaling"
)

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(2)
	ch, cancel := b.Subscribe()
	defer cancel()

	_, _ = b.Write([]byte("one\ntw"))
	_, _ = b.Write([]byte("o\r\n\n"))
	_, _ = b.Write([]byte("three\n"))

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "two", snap[0].Msg)
	assert.Equal(t, "three", snap[1].Msg)

	assert.Equal(t, "one", (<-ch).Msg)
	assert.Equal(t, "two", (<-ch).Msg)
}

func TestServeLogsJSON(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("hello\n"))

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	var got []LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Msg)

	rec = httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodPost, "/api/logs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type machineStub struct{ bus *call.Bus }

func (m machineStub) Current() (call.Session, bool) { return call.Session{}, false }
func (m machineStub) Initiate(context.Context, string, call.Kind, bool) (string, error) {
	return "", call.ErrNoActiveCall
}
func (m machineStub) Accept(context.Context) error              { return nil }
func (m machineStub) Decline(context.Context) error             { return nil }
func (m machineStub) Cancel(context.Context) error              { return nil }
func (m machineStub) End(context.Context) error                 { return nil }
func (m machineStub) ToggleAudio(context.Context) (bool, error) { return false, nil }
func (m machineStub) ToggleVideo(context.Context) (bool, error) { return false, nil }
func (m machineStub) Bus() *call.Bus                            { return m.bus }

func TestHandlerNoCacheAndLogs(t *testing.T) {
	h := Handler(Viewer{
		Calls: machineStub{bus: call.NewBus(0)},
		Tap:   signaling.NewMemory(),
		Logs:  NewLogBuffer(5),
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/call/state", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerWithoutLogs(t *testing.T) {
	h := Handler(Viewer{Calls: machineStub{bus: call.NewBus(0)}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
