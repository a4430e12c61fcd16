package sdpx

import (
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/sdp/v3"
)

var log = logging.Logger("sdpx")

// AnswerSetup returns the DTLS setup value an answer uses for an offered
// role.
func AnswerSetup(offered string) string {
	switch strings.ToLower(strings.TrimSpace(offered)) {
	case "active":
		return "passive"
	case "passive", "actpass":
		return "active"
	default:
		return "active"
	}
}

func answerDirection(offered string) (string, bool) {
	switch offered {
	case "sendrecv", "sendonly":
		return "recvonly", true
	case "recvonly":
		return "sendonly", true
	}
	return "", false
}

// Attributes that describe our own outgoing streams.
var localOnly = map[string]bool{
	"ssrc":       true,
	"ssrc-group": true,
	"msid":       true,
}

var transportAttrs = map[string]bool{
	"ice-ufrag":         true,
	"ice-pwd":           true,
	"ice-options":       true,
	"ice-lite":          true,
	"fingerprint":       true,
	"candidate":         true,
	"end-of-candidates": true,
}

// SynthesizeAnswer turns a local offer into the remote answer for an SFU
// transport. Sections of kind get the mirrored direction; sections of
// other kinds keep theirs. An empty kind applies to every section. When
// remote is non-nil its ICE and DTLS parameters replace the local ones.
func SynthesizeAnswer(offer, kind string, remote *Transport) (string, error) {
	s, err := parse(offer)
	if err != nil {
		return "", err
	}

	s.Origin = sdp.Origin{
		Username:       "-",
		SessionID:      0,
		SessionVersion: 0,
		NetworkType:    "IN",
		AddressType:    "IP4",
		UnicastAddress: "0.0.0.0",
	}
	s.Attributes = rewriteSetup(s.Attributes)
	if remote != nil {
		s.Attributes = dropKeys(s.Attributes, transportAttrs)
		if remote.ICEParameters.ICELite {
			s.Attributes = append(s.Attributes, sdp.NewPropertyAttribute("ice-lite"))
		}
	}

	for _, md := range s.MediaDescriptions {
		md.Attributes = rewriteSetup(md.Attributes)
		if kind == "" || md.MediaName.Media == kind {
			md.Attributes = rewriteDirection(md.Attributes)
		}
		if remote != nil && md.MediaName.Port.Value != 0 {
			md.Attributes = append(dropKeys(md.Attributes, transportAttrs), transportAttributes(remote)...)
		}
	}

	out, err := s.Marshal()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func rewriteSetup(attrs []sdp.Attribute) []sdp.Attribute {
	for i, a := range attrs {
		if a.Key == "setup" {
			attrs[i].Value = AnswerSetup(a.Value)
		}
	}
	return attrs
}

func rewriteDirection(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0]
	recvOnly := false
	for _, a := range attrs {
		if dir, ok := answerDirection(a.Key); ok {
			a = sdp.NewPropertyAttribute(dir)
			recvOnly = dir == "recvonly"
		}
		out = append(out, a)
	}
	if recvOnly {
		out = dropKeys(out, localOnly)
	}
	return out
}

func dropKeys(attrs []sdp.Attribute, keys map[string]bool) []sdp.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if !keys[a.Key] {
			out = append(out, a)
		}
	}
	return out
}

func transportAttributes(t *Transport) []sdp.Attribute {
	attrs := []sdp.Attribute{
		sdp.NewAttribute("ice-ufrag", t.ICEParameters.UsernameFragment),
		sdp.NewAttribute("ice-pwd", t.ICEParameters.Password),
	}
	for _, fp := range t.DTLSParameters.Fingerprints {
		attrs = append(attrs, sdp.NewAttribute("fingerprint", fp.Algorithm+" "+fp.Value))
	}
	for _, c := range t.ICECandidates {
		attrs = append(attrs, sdp.NewAttribute("candidate", candidateLine(c)))
	}
	return append(attrs, sdp.NewPropertyAttribute("end-of-candidates"))
}

func candidateLine(c ICECandidate) string {
	var b strings.Builder
	b.WriteString(c.Foundation)
	b.WriteString(" 1 ")
	b.WriteString(strings.ToLower(c.Protocol))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(uint64(c.Priority), 10))
	b.WriteByte(' ')
	b.WriteString(c.host())
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(uint64(c.Port), 10))
	b.WriteString(" typ ")
	b.WriteString(c.Type)
	if strings.EqualFold(c.Protocol, "tcp") && c.TCPType != "" {
		b.WriteString(" tcptype ")
		b.WriteString(c.TCPType)
	}
	return b.String()
}
