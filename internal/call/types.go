package call

import (
	"context"
	"fmt"
	"strings"

	"github.com/petervdpas/goopcall/internal/signaling"
)

// Kind is the media kind of a call.
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio", "voice":
		return Audio, nil
	case "video":
		return Video, nil
	}
	return "", fmt.Errorf("%w: unknown call type %q", ErrInvalidArgument, s)
}

// State of a call session.
type State int

const (
	Idle State = iota
	OutgoingRinging
	IncomingRinging
	Connecting
	Active
	Ending
	Ended
	Declined
	Missed
	Cancelled
)

var stateNames = [...]string{
	Idle:            "idle",
	OutgoingRinging: "outgoing_ringing",
	IncomingRinging: "incoming_ringing",
	Connecting:      "connecting",
	Active:          "active",
	Ending:          "ending",
	Ended:           "ended",
	Declined:        "declined",
	Missed:          "missed",
	Cancelled:       "cancelled",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("call: unknown state %q", b)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case Ended, Declined, Missed, Cancelled:
		return true
	}
	return false
}

// Ringing reports whether the call is still waiting for an answer.
func (s State) Ringing() bool {
	return s == OutgoingRinging || s == IncomingRinging
}

// ParticipantStatus tracks one participant's response to the call.
type ParticipantStatus string

const (
	StatusInvited   ParticipantStatus = "invited"
	StatusNotified  ParticipantStatus = "notified"
	StatusRinging   ParticipantStatus = "ringing"
	StatusConnected ParticipantStatus = "connected"
	StatusDeclined  ParticipantStatus = "declined"
	StatusMissed    ParticipantStatus = "missed"
	StatusLeft      ParticipantStatus = "left"
)

// Quality is a coarse media connection quality.
type Quality string

const (
	QualityUnknown   Quality = ""
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityLost      Quality = "lost"
)

// API is the server's call REST surface. Every call is keyed by call id
// and is safe to repeat.
type API interface {
	Initiate(ctx context.Context, chatID string, kind Kind) (callID string, err error)
	Join(ctx context.Context, callID string) error
	Decline(ctx context.Context, callID string) error
	Leave(ctx context.Context, callID string) error
	End(ctx context.Context, callID string) error
	UpdateSettings(ctx context.Context, callID string, s signaling.CallSettings) error
}
