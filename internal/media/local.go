package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus comfort-noise frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// LocalMedia holds the tracks this client sends. There is no capture
// device, so the audio track carries Opus silence while unmuted and the
// video track stays idle until a source writes to it.
type LocalMedia struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample

	audioMuted atomic.Bool
	videoMuted atomic.Bool

	once      sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewLocalMedia creates an audio track and, when video is set, a VP8 track
// sharing one stream id.
func NewLocalMedia(video bool) (*LocalMedia, error) {
	stream := "goopcall-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", stream)
	if err != nil {
		return nil, err
	}
	lm := &LocalMedia{Audio: audio, done: make(chan struct{})}
	if video {
		lm.Video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", stream)
		if err != nil {
			return nil, err
		}
	}
	return lm, nil
}

func (l *LocalMedia) Tracks() []webrtc.TrackLocal {
	out := []webrtc.TrackLocal{l.Audio}
	if l.Video != nil {
		out = append(out, l.Video)
	}
	return out
}

func (l *LocalMedia) SetMuted(audio, video bool) {
	l.audioMuted.Store(audio)
	l.videoMuted.Store(video)
}

func (l *LocalMedia) Muted() (audio, video bool) {
	return l.audioMuted.Load(), l.videoMuted.Load()
}

// WriteVideo forwards an encoded VP8 frame unless video is muted.
func (l *LocalMedia) WriteVideo(frame []byte, d time.Duration) error {
	if l.Video == nil || l.videoMuted.Load() {
		return nil
	}
	return l.Video.WriteSample(pmedia.Sample{Data: frame, Duration: d})
}

// Start pumps silence into the audio track until Close.
func (l *LocalMedia) Start() {
	l.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		go l.pump(ctx)
	})
}

func (l *LocalMedia) pump(ctx context.Context) {
	defer close(l.done)
	t := time.NewTicker(frameDuration)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if l.audioMuted.Load() {
				continue
			}
			if err := l.Audio.WriteSample(pmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				log.Debugf("LOCAL: audio write: %v", err)
			}
		}
	}
}

// Close stops the pump. A LocalMedia that was never started cannot be
// started afterwards.
func (l *LocalMedia) Close() {
	l.once.Do(func() {})
	l.closeOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
			<-l.done
		}
	})
}
