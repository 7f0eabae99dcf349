package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single Opus DTX frame. Enough to keep the audio path
// alive from a headless process that has no capture hardware.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// SilenceSource is a local audio source for the headless client: a real
// Opus track fed with silence frames. It honors the single-acquisition
// rule. Acquiring again tears down the previous track first, the same way
// a real microphone handle must be released before reopening the device.
type SilenceSource struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewSilenceSource() *SilenceSource {
	return &SilenceSource{}
}

func (s *SilenceSource) AcquireTrack() (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "piatok-headless")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go pump(ctx, track)

	return track, nil
}

func (s *SilenceSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func pump(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(silenceFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: silenceFrame}); err != nil {
				return
			}
		}
	}
}
