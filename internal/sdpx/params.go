package sdpx

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

var (
	ErrNoMediaSection = errors.New("sdpx: no media section of that kind")
	ErrNoFingerprint  = errors.New("sdpx: no DTLS fingerprint")
)

func parse(raw string) (*sdp.SessionDescription, error) {
	var s sdp.SessionDescription
	if err := s.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("sdpx: parse: %w", err)
	}
	return &s, nil
}

// ExtractRTPParameters builds producer RTP parameters from the last m-section
// of kind in a local offer. Unsupported codecs and header extensions are
// dropped; when no codec survives, a default Opus or VP8 codec is used.
func ExtractRTPParameters(raw, kind string) (RTPParameters, error) {
	s, err := parse(raw)
	if err != nil {
		return RTPParameters{}, err
	}
	var md *sdp.MediaDescription
	for _, m := range s.MediaDescriptions {
		if m.MediaName.Media == kind {
			md = m
		}
	}
	if md == nil {
		return RTPParameters{}, fmt.Errorf("%w: %s", ErrNoMediaSection, kind)
	}
	return mediaParameters(md, kind), nil
}

func mediaParameters(md *sdp.MediaDescription, kind string) RTPParameters {
	p := RTPParameters{
		Codecs:           []CodecParameters{},
		HeaderExtensions: []HeaderExtensionParameters{},
		RTCP:             RTCPParameters{ReducedSize: hasAttr(md.Attributes, "rtcp-rsize")},
	}
	p.MID, _ = md.Attribute("mid")

	// GetCodecForPayloadType walks every section, so scope it to this one.
	scoped := &sdp.SessionDescription{MediaDescriptions: []*sdp.MediaDescription{md}}
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		c, err := scoped.GetCodecForPayloadType(uint8(pt))
		if err != nil {
			continue
		}
		mime := kind + "/" + strings.ToLower(c.Name)
		if !SupportedCodec(mime) {
			log.Debugf("SDPX: dropping %s (pt %d)", mime, pt)
			continue
		}
		cp := CodecParameters{
			MimeType:     mime,
			PayloadType:  c.PayloadType,
			ClockRate:    c.ClockRate,
			Parameters:   parseFmtp(c.Fmtp),
			RTCPFeedback: feedback(c.RTCPFeedback),
		}
		if kind == KindAudio {
			cp.Channels = 2
			if n, err := strconv.Atoi(c.EncodingParameters); err == nil && n > 0 {
				cp.Channels = n
			}
		}
		p.Codecs = append(p.Codecs, cp)
	}
	if len(p.Codecs) == 0 {
		log.Warnf("SDPX: no supported %s codec in offer, using fallback", kind)
		p.Codecs = append(p.Codecs, fallbackCodec(kind))
	}

	var ssrc uint32
	for _, a := range md.Attributes {
		switch a.Key {
		case "extmap":
			var ext sdp.ExtMap
			if err := ext.Unmarshal("extmap:" + a.Value); err != nil || ext.URI == nil {
				continue
			}
			if uri := ext.URI.String(); SupportedHeaderExtension(uri) {
				p.HeaderExtensions = append(p.HeaderExtensions, HeaderExtensionParameters{URI: uri, ID: ext.Value})
			}
		case "ssrc":
			id, rest, _ := strings.Cut(a.Value, " ")
			n, err := strconv.ParseUint(id, 10, 32)
			if err != nil {
				continue
			}
			if ssrc == 0 {
				ssrc = uint32(n)
			}
			if uint32(n) == ssrc && p.RTCP.CNAME == "" {
				if name, ok := strings.CutPrefix(rest, "cname:"); ok {
					p.RTCP.CNAME = name
				}
			}
		}
	}
	p.Encodings = []Encoding{{SSRC: ssrc}}
	return p
}

// parseFmtp turns "minptime=10;useinbandfec=1" into a parameter map.
// Integer values are kept as numbers.
func parseFmtp(fmtp string) map[string]any {
	if fmtp == "" {
		return nil
	}
	out := map[string]any{}
	for _, kv := range strings.Split(fmtp, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok || k == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
		} else {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func feedback(fbs []string) []RTCPFeedback {
	var out []RTCPFeedback
	for _, fb := range fbs {
		t, param, _ := strings.Cut(strings.TrimSpace(fb), " ")
		if t == "" {
			continue
		}
		out = append(out, RTCPFeedback{Type: t, Parameter: param})
	}
	return out
}

func hasAttr(attrs []sdp.Attribute, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

// LocalDTLSParameters reads our DTLS fingerprints from a local offer. Our
// role follows from the setup value the synthesized answer will carry.
func LocalDTLSParameters(raw string) (DTLSParameters, error) {
	s, err := parse(raw)
	if err != nil {
		return DTLSParameters{}, err
	}
	offered, ok := s.Attribute("setup")
	for _, md := range s.MediaDescriptions {
		if ok {
			break
		}
		offered, ok = md.Attribute("setup")
	}
	p := DTLSParameters{Role: "client"}
	if AnswerSetup(offered) == "active" {
		p.Role = "server"
	}

	seen := map[string]bool{}
	collect := func(attrs []sdp.Attribute) {
		for _, a := range attrs {
			if a.Key != "fingerprint" {
				continue
			}
			alg, val, ok := strings.Cut(a.Value, " ")
			if !ok || seen[a.Value] {
				continue
			}
			seen[a.Value] = true
			p.Fingerprints = append(p.Fingerprints, DTLSFingerprint{Algorithm: strings.ToLower(alg), Value: val})
		}
	}
	collect(s.Attributes)
	for _, md := range s.MediaDescriptions {
		collect(md.Attributes)
	}
	if len(p.Fingerprints) == 0 {
		return DTLSParameters{}, ErrNoFingerprint
	}
	return p, nil
}

// FilterCapabilities trims router capabilities to the codecs and header
// extensions this client can handle.
func FilterCapabilities(caps RTPCapabilities) RTPCapabilities {
	out := RTPCapabilities{
		Codecs:           []CapabilityCodec{},
		HeaderExtensions: []CapabilityHeaderExtension{},
	}
	for _, c := range caps.Codecs {
		mime := strings.ToLower(c.MimeType)
		if (c.Kind != "" && !strings.HasPrefix(mime, c.Kind+"/")) || !SupportedCodec(mime) {
			continue
		}
		out.Codecs = append(out.Codecs, c)
	}
	for _, h := range caps.HeaderExtensions {
		if SupportedHeaderExtension(h.URI) {
			out.HeaderExtensions = append(out.HeaderExtensions, h)
		}
	}
	return out
}
