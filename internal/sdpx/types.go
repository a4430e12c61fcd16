// Package sdpx converts between browser-style SDP and the JSON RTP
// parameter shapes an SFU router speaks, and synthesizes the remote
// answer for SFU transports that never send SDP of their own.
package sdpx

import (
	"encoding/json"
	"strings"
)

const (
	KindAudio = "audio"
	KindVideo = "video"
)

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type CodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     int            `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type HeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type Encoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

// RTPParameters describes what a producer sends or a consumer receives.
type RTPParameters struct {
	MID              string                      `json:"mid,omitempty"`
	Codecs           []CodecParameters           `json:"codecs"`
	HeaderExtensions []HeaderExtensionParameters `json:"headerExtensions"`
	Encodings        []Encoding                  `json:"encodings"`
	RTCP             RTCPParameters              `json:"rtcp"`
}

func (p RTPParameters) Mimes() []string {
	out := make([]string, 0, len(p.Codecs))
	for _, c := range p.Codecs {
		out = append(out, c.MimeType)
	}
	return out
}

type CapabilityCodec struct {
	Kind                 string         `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             int            `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type CapabilityHeaderExtension struct {
	Kind        string `json:"kind"`
	URI         string `json:"uri"`
	PreferredID int    `json:"preferredId"`
	Direction   string `json:"direction,omitempty"`
}

// RTPCapabilities is what a router (or the local side) can handle.
type RTPCapabilities struct {
	Codecs           []CapabilityCodec           `json:"codecs"`
	HeaderExtensions []CapabilityHeaderExtension `json:"headerExtensions"`
}

func (c RTPCapabilities) Empty() bool {
	return len(c.Codecs) == 0 && len(c.HeaderExtensions) == 0
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address,omitempty"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

func (c ICECandidate) host() string {
	if c.IP != "" {
		return c.IP
	}
	return c.Address
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// Transport is the server side of a WebRTC transport as announced in
// sfu-transport-created.
type Transport struct {
	ID             string          `json:"id"`
	ICEParameters  ICEParameters   `json:"iceParameters"`
	ICECandidates  []ICECandidate  `json:"iceCandidates"`
	DTLSParameters DTLSParameters  `json:"dtlsParameters"`
	SCTPParameters json.RawMessage `json:"sctpParameters,omitempty"`
}

var supportedCodecs = map[string]bool{
	"audio/opus": true,
	"video/vp8":  true,
	"video/vp9":  true,
	"video/h264": true,
	"video/av1":  true,
}

// SupportedCodec reports whether mime (e.g. "video/VP8") can be routed.
func SupportedCodec(mime string) bool {
	return supportedCodecs[strings.ToLower(mime)]
}

var headerExtensionPrefixes = []string{
	"urn:ietf:params:rtp-hdrext:",
	"urn:3gpp:video-orientation",
	"http://www.webrtc.org/experiments/rtp-hdrext/",
	"http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
}

// SupportedHeaderExtension reports whether uri is on the router's
// header-extension whitelist.
func SupportedHeaderExtension(uri string) bool {
	lower := strings.ToLower(uri)
	for _, p := range headerExtensionPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func fallbackCodec(kind string) CodecParameters {
	if kind == KindAudio {
		return CodecParameters{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}
	}
	return CodecParameters{MimeType: "video/vp8", PayloadType: 96, ClockRate: 90000}
}
