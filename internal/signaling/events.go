package signaling

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Call events.
const (
	EventIncomingCall        = "incoming_call"
	EventCallAccepted        = "call_accepted"
	EventCallDeclined        = "call_declined"
	EventCallEnded           = "call_ended"
	EventCallRoomJoined      = "call_room_joined"
	EventUserJoinedCall      = "user_joined_call"
	EventUserLeftCall        = "user_left_call"
	EventCallError           = "call_error"
	EventCallSettingsUpdated = "call_settings_updated"

	EventJoinCallRoom       = "join_call_room"
	EventLeaveCallRoom      = "leave_call_room"
	EventCallSettingsUpdate = "call_settings_update"
)

// 1:1 WebRTC relay events. The same names are used in both directions.
const (
	EventWebRTCOffer        = "webrtc_offer"
	EventWebRTCAnswer       = "webrtc_answer"
	EventWebRTCICECandidate = "webrtc_ice_candidate"
)

// SFU events.
const (
	SFUPrefix = "sfu-"

	SFUCreateRoom            = "sfu-create-room"
	SFUGetRouterCapabilities = "sfu-get-router-capabilities"
	SFUCreateTransport       = "sfu-create-transport"
	SFUConnectTransport      = "sfu-connect-transport"
	SFUProduce               = "sfu-produce"
	SFUConsume               = "sfu-consume"
	SFUResumeConsumer        = "sfu-resume-consumer"
	SFUCloseProducer         = "sfu-close-producer"
	SFUCloseConsumer         = "sfu-close-consumer"
	SFURemovePeer            = "sfu-remove-peer"
	SFURoomCreated           = "sfu-room-created"
	SFURouterCapabilities    = "sfu-router-capabilities"
	SFUTransportCreated      = "sfu-transport-created"
	SFUTransportConnected    = "sfu-transport-connected"
	SFUProducerCreated       = "sfu-producer-created"
	SFUConsumerCreated       = "sfu-consumer-created"
	SFUNewProducer           = "sfu-new-producer"
	SFUProducerClosed        = "sfu-producer-closed"
	SFUConsumerClosed        = "sfu-consumer-closed"
	SFUConsumerResumed       = "sfu-consumer-resumed"
	SFUPeerRemoved           = "sfu-peer-removed"
	SFUError                 = "sfu-error"
)

// RequestOfferType is carried in an offer's type field by a callee asking
// the caller to resend its offer.
const RequestOfferType = "request_offer"

// ID is a server identifier. The server sends ids as strings, numbers or
// populated documents ({"_id": ...}); all decode to the plain id.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	case b[0] == '{':
		var doc struct {
			OID string `json:"_id"`
			ID  string `json:"id"`
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			return err
		}
		if doc.OID != "" {
			*id = ID(doc.OID)
		} else {
			*id = ID(doc.ID)
		}
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*id = ID(n.String())
		return nil
	}
}

func (id ID) String() string { return string(id) }

// UserRef is a user either as a bare id or a populated profile.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

func (u *UserRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		var id ID
		if err := id.UnmarshalJSON(b); err != nil {
			return err
		}
		*u = UserRef{ID: string(id)}
		return nil
	}
	var doc struct {
		OID      string `json:"_id"`
		ID       string `json:"id"`
		Username string `json:"username"`
		Avatar   string `json:"avatar"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	*u = UserRef{ID: doc.ID, Username: doc.Username, Avatar: doc.Avatar}
	if doc.OID != "" {
		u.ID = doc.OID
	}
	return nil
}

// StringList decodes from a single string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(b, &ss); err != nil {
		return err
	}
	*l = ss
	return nil
}

type IncomingCall struct {
	CallID    string    `json:"callId"`
	ChatID    ID        `json:"chatId"`
	CallType  string    `json:"callType"`
	IsGroup   bool      `json:"isGroup,omitempty"`
	Caller    UserRef   `json:"caller"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// CallRef is the payload of call_accepted, call_declined, call_ended,
// join_call_room and leave_call_room.
type CallRef struct {
	CallID string `json:"callId"`
	UserID ID     `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ICEServer struct {
	URLs       StringList `json:"urls"`
	Username   string     `json:"username,omitempty"`
	Credential string     `json:"credential,omitempty"`
}

// WebRTC converts the server's ICE server entry for pion.
func (s ICEServer) WebRTC() webrtc.ICEServer {
	return webrtc.ICEServer{
		URLs:       []string(s.URLs),
		Username:   s.Username,
		Credential: s.Credential,
	}
}

type RoomParticipant struct {
	User   UserRef `json:"userId"`
	Status string  `json:"status,omitempty"`
}

type CallRoomJoined struct {
	CallID       string            `json:"callId"`
	RoomID       string            `json:"roomId"`
	Participants []RoomParticipant `json:"participants"`
	ICEServers   []ICEServer       `json:"iceServers"`
}

// UserCallPresence is the payload of user_joined_call and user_left_call.
type UserCallPresence struct {
	CallID   string `json:"callId"`
	UserID   ID     `json:"userId"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type CallSettings struct {
	MuteAudio   bool `json:"muteAudio"`
	MuteVideo   bool `json:"muteVideo"`
	ScreenShare bool `json:"screenShare,omitempty"`
	Recording   bool `json:"recording,omitempty"`
}

// SettingsUpdate is emitted as call_settings_update.
type SettingsUpdate struct {
	CallID   string       `json:"callId"`
	Settings CallSettings `json:"settings"`
}

// SettingsUpdated is received as call_settings_updated.
type SettingsUpdated struct {
	CallID   string       `json:"callId"`
	UserID   ID           `json:"userId"`
	Username string       `json:"username,omitempty"`
	Settings CallSettings `json:"settings"`
}

type CallError struct {
	Message string `json:"message"`
}

// SessionDescription is an SDP blob as carried on the channel. Type may
// also be RequestOfferType, which pion's own type does not accept.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp,omitempty"`
}

func FromWebRTC(d webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func (d SessionDescription) WebRTC() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

type OfferMessage struct {
	CallID     string             `json:"callId"`
	Offer      SessionDescription `json:"offer"`
	FromUserID ID                 `json:"fromUserId,omitempty"`
}

type AnswerMessage struct {
	CallID     string             `json:"callId"`
	Answer     SessionDescription `json:"answer"`
	FromUserID ID                 `json:"fromUserId,omitempty"`
}

type CandidateMessage struct {
	CallID     string                  `json:"callId"`
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
	FromUserID ID                      `json:"fromUserId,omitempty"`
}

// Decode unmarshals an event's data object into v.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, ErrMalformed
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, &DecodeError{Err: err}
	}
	return v, nil
}

// DecodeError wraps a JSON failure and matches ErrMalformed.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return "signaling: decode: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}
