package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/petervdpas/goopcall/internal/signaling"
)

// SettingsSink applies a remote participant's settings. It reports whether
// they were applied.
type SettingsSink func(callID, userID string, s signaling.CallSettings) bool

// Settings exchanges mute and camera state for one call. It serves both
// 1:1 and group calls.
type Settings struct {
	callID string
	selfID string
	ch     signaling.Channel
	guard  Guard
	sink   SettingsSink

	once  sync.Once
	unsub func()
}

func NewSettings(callID, selfID string, ch signaling.Channel, guard Guard, sink SettingsSink) *Settings {
	s := &Settings{callID: callID, selfID: selfID, ch: ch, guard: guard, sink: sink}
	s.unsub = ch.Subscribe(signaling.EventCallSettingsUpdated, s.onUpdated)
	return s
}

// Publish sends the local settings to the other participants.
func (s *Settings) Publish(ctx context.Context, st signaling.CallSettings) error {
	return s.ch.Emit(ctx, signaling.EventCallSettingsUpdate, signaling.SettingsUpdate{
		CallID:   s.callID,
		Settings: st,
	})
}

func (s *Settings) onUpdated(data json.RawMessage) {
	env, err := signaling.ParseEnvelope(signaling.EventCallSettingsUpdated, data)
	if err != nil {
		log.Warnf("RELAY [%s]: dropping settings update: %v", s.callID, err)
		return
	}
	if env.CallID != s.callID {
		return
	}
	if err := env.Accept(s.selfID, s.guard.ActiveCallID()); err != nil {
		return
	}
	st, err := signaling.Decode[signaling.CallSettings](env.Payload)
	if err != nil {
		log.Warnf("RELAY [%s]: malformed settings from %s: %v", s.callID, env.FromUserID, err)
		return
	}
	if s.sink(env.CallID, env.FromUserID, st) {
		log.Debugf("RELAY [%s]: %s muteAudio=%v muteVideo=%v", s.callID, env.FromUserID, st.MuteAudio, st.MuteVideo)
	}
}

func (s *Settings) Close() {
	s.once.Do(s.unsub)
}
