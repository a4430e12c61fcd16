package signaling

import (
	"encoding/json"
	"fmt"
)

// Kind classifies a relayed envelope.
type Kind string

const (
	KindOffer          Kind = "offer"
	KindAnswer         Kind = "answer"
	KindICECandidate   Kind = "ice_candidate"
	KindSettingsUpdate Kind = "settings_update"
	KindRequestOffer   Kind = "request_offer"
)

// Envelope is the common shape of every peer-originated event: who sent
// it, for which call, and the kind-specific payload.
type Envelope struct {
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// ParseEnvelope extracts the envelope from a webrtc_* or
// call_settings_updated event. A missing call id or payload yields
// ErrMalformed.
func ParseEnvelope(event string, data json.RawMessage) (Envelope, error) {
	var raw struct {
		CallID     string          `json:"callId"`
		FromUserID ID              `json:"fromUserId"`
		UserID     ID              `json:"userId"`
		Offer      json.RawMessage `json:"offer"`
		Answer     json.RawMessage `json:"answer"`
		Candidate  json.RawMessage `json:"candidate"`
		Settings   json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	env := Envelope{CallID: raw.CallID, FromUserID: string(raw.FromUserID)}

	switch event {
	case EventWebRTCOffer:
		env.Kind, env.Payload = KindOffer, raw.Offer
		var peek struct {
			Type string `json:"type"`
		}
		if len(raw.Offer) > 0 && json.Unmarshal(raw.Offer, &peek) == nil && peek.Type == RequestOfferType {
			env.Kind = KindRequestOffer
		}
	case EventWebRTCAnswer:
		env.Kind, env.Payload = KindAnswer, raw.Answer
	case EventWebRTCICECandidate:
		env.Kind, env.Payload = KindICECandidate, raw.Candidate
	case EventCallSettingsUpdated:
		env.Kind, env.Payload = KindSettingsUpdate, raw.Settings
		if env.FromUserID == "" {
			env.FromUserID = string(raw.UserID)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: %s is not an envelope event", ErrMalformed, event)
	}

	if env.CallID == "" {
		return Envelope{}, fmt.Errorf("%w: %s without callId", ErrMalformed, event)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return Envelope{}, fmt.Errorf("%w: %s without %s payload", ErrMalformed, event, env.Kind)
	}
	return env, nil
}

// Accept reports whether an envelope should be processed by selfID while
// activeCallID is the guarded call. Envelopes with no origin are treated
// as echoes.
func (e Envelope) Accept(selfID, activeCallID string) error {
	if e.FromUserID == "" || e.FromUserID == selfID {
		return ErrSelfOrigin
	}
	if activeCallID == "" || e.CallID != activeCallID {
		return ErrStaleCall
	}
	return nil
}
