package call

import (
	"slices"
	"time"

	"github.com/petervdpas/goopcall/internal/signaling"
)

type Participant struct {
	UserID            string            `json:"userId"`
	DisplayName       string            `json:"displayName,omitempty"`
	AvatarRef         string            `json:"avatar,omitempty"`
	AudioMuted        bool              `json:"audioMuted"`
	VideoMuted        bool              `json:"videoMuted"`
	IsLocal           bool              `json:"isLocal,omitempty"`
	IsCaller          bool              `json:"isCaller,omitempty"`
	ConnectionQuality Quality           `json:"connectionQuality,omitempty"`
	Status            ParticipantStatus `json:"status"`
}

// Session is one call as seen from this device. Only the Machine mutates
// it; everything else receives copies.
type Session struct {
	CallID       string        `json:"callId"`
	ChatID       string        `json:"chatId"`
	Kind         Kind          `json:"kind"`
	IsGroup      bool          `json:"isGroup"`
	State        State         `json:"state"`
	Participants []Participant `json:"participants"`
	StartedAt    time.Time     `json:"startedAt"`
	EndedAt      time.Time     `json:"endedAt,omitzero"`

	Outgoing   bool                  `json:"outgoing"`
	RoomID     string                `json:"roomId,omitempty"`
	ICEServers []signaling.ICEServer `json:"iceServers,omitempty"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = slices.Clone(s.Participants)
	c.ICEServers = slices.Clone(s.ICEServers)
	return &c
}

// participant returns the entry for userID, adding one with status st if
// absent.
func (s *Session) participant(userID string, st ParticipantStatus) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	s.Participants = append(s.Participants, Participant{UserID: userID, Status: st})
	return &s.Participants[len(s.Participants)-1]
}

func (s *Session) local() *Participant {
	for i := range s.Participants {
		if s.Participants[i].IsLocal {
			return &s.Participants[i]
		}
	}
	return nil
}

// Local returns the local participant.
func (s Session) Local() (Participant, bool) {
	if p := s.local(); p != nil {
		return *p, true
	}
	return Participant{}, false
}

// Remote returns every participant except the local one.
func (s Session) Remote() []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if !p.IsLocal {
			out = append(out, p)
		}
	}
	return out
}

// Settings returns the local mute flags as a settings payload.
func (s Session) Settings() signaling.CallSettings {
	p, _ := s.Local()
	return signaling.CallSettings{MuteAudio: p.AudioMuted, MuteVideo: p.VideoMuted}
}

// Duration of the call so far, or in total once ended.
func (s Session) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}
