package mesh

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/silviot/live_classroom_go/pkg/apperr"
	"github.com/silviot/live_classroom_go/pkg/audio"
)

const (
	opusSampleRate = 48000
	opusFrameMs    = 20
)

// LocalMediaConfig holds local media settings.
type LocalMediaConfig struct {
	Source   audio.Source
	Gate     *audio.Gate // only the mute flag is consulted
	StreamID string
	Logger   *slog.Logger
}

// LocalMedia encodes the microphone to Opus and exposes it as a track that
// every media call shares.
type LocalMedia struct {
	track       *webrtc.TrackLocalStaticSample
	encoder     *opus.Encoder
	chunker     *audio.ChunkBuffer
	gate        *audio.Gate
	sourceRate  int
	logger      *slog.Logger
	mu          sync.Mutex
	packet      []byte
	unsubscribe func()
	closed      bool
	frameCount  int
}

// NewLocalMedia creates the outbound track and subscribes to the source.
func NewLocalMedia(cfg LocalMediaConfig) (*LocalMedia, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Source == nil || cfg.Source.SampleRate() <= 0 {
		return nil, apperr.MediaAccess("local media", fmt.Errorf("no usable microphone stream"))
	}
	if cfg.Gate == nil {
		cfg.Gate = audio.NewGate()
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "classroom"
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
		"audio", cfg.StreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	encoder, err := opus.NewEncoder(opusSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus encoder: %w", err)
	}

	l := &LocalMedia{
		track:      track,
		encoder:    encoder,
		chunker:    audio.NewChunkBufferForDuration(opusSampleRate, opusFrameMs, cfg.Logger),
		gate:       cfg.Gate,
		sourceRate: cfg.Source.SampleRate(),
		logger:     cfg.Logger,
		packet:     make([]byte, 4000),
	}
	l.unsubscribe = cfg.Source.Subscribe(l.Write)

	return l, nil
}

// Track returns the shared outbound track.
func (l *LocalMedia) Track() webrtc.TrackLocal {
	return l.track
}

// Write encodes samples at the source rate into 20ms Opus frames. Muted
// input is dropped.
func (l *LocalMedia) Write(samples []float32) {
	if l.gate.Muted() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	for _, frame := range l.chunker.Add(audio.Resample(samples, l.sourceRate, opusSampleRate)) {
		n, err := l.encoder.EncodeFloat32(frame, l.packet)
		if err != nil {
			l.logger.Debug("opus encode error", "error", err)
			continue
		}

		l.frameCount++
		if l.frameCount <= 5 || l.frameCount%500 == 0 {
			l.logger.Debug("encoded local frame", "bytes", n, "frameCount", l.frameCount)
		}

		data := make([]byte, n)
		copy(data, l.packet[:n])
		if err := l.track.WriteSample(media.Sample{Data: data, Duration: opusFrameMs * time.Millisecond}); err != nil {
			l.logger.Debug("failed to write local sample", "error", err)
		}
	}
}

// Close stops reading the source.
func (l *LocalMedia) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
	l.chunker.Reset()
}

// RemoteStream decodes one remote participant's Opus track to mono PCM.
type RemoteStream struct {
	peerID     string
	track      *webrtc.TrackRemote
	sampleRate int
	channels   int
	logger     *slog.Logger
	mu         sync.Mutex
	onAudio    func([]float32)
	closeCh    chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

func newRemoteStream(peerID string, track *webrtc.TrackRemote, logger *slog.Logger) *RemoteStream {
	s := &RemoteStream{
		peerID:     peerID,
		track:      track,
		sampleRate: opusSampleRate,
		channels:   1,
		logger:     logger,
		closeCh:    make(chan struct{}),
	}
	if track != nil {
		codec := track.Codec()
		if codec.ClockRate > 0 {
			s.sampleRate = int(codec.ClockRate)
		}
		if codec.Channels > 0 {
			s.channels = int(codec.Channels)
		}
	}
	return s
}

// ID returns the remote stream id.
func (s *RemoteStream) ID() string {
	if s == nil || s.track == nil {
		return ""
	}
	return s.track.StreamID()
}

// SampleRate returns the decoded sample rate.
func (s *RemoteStream) SampleRate() int {
	return s.sampleRate
}

// OnAudio registers the consumer of decoded mono PCM.
func (s *RemoteStream) OnAudio(fn func([]float32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAudio = fn
}

func (s *RemoteStream) start() {
	if s.track == nil {
		return
	}
	s.wg.Add(1)
	go s.readAndDecode()
}

// readAndDecode reads RTP packets, decodes Opus and delivers mono PCM.
func (s *RemoteStream) readAndDecode() {
	defer s.wg.Done()

	decoder, err := opus.NewDecoder(s.sampleRate, s.channels)
	if err != nil {
		s.logger.Error("failed to create Opus decoder", "peerID", s.peerID, "error", err, "channels", s.channels)
		return
	}

	// 120ms is the longest Opus frame.
	pcm := make([]float32, s.sampleRate*120/1000*s.channels)
	frameCount := 0

	for {
		packet, _, err := s.track.ReadRTP()
		if err != nil {
			select {
			case <-s.closeCh:
			default:
				s.logger.Debug("remote track ended", "peerID", s.peerID, "error", err)
			}
			return
		}
		if len(packet.Payload) == 0 {
			continue
		}

		n, err := decoder.DecodeFloat32(packet.Payload, pcm)
		if err != nil {
			s.logger.Debug("opus decode error", "peerID", s.peerID, "error", err, "payloadLen", len(packet.Payload))
			continue
		}
		if n == 0 {
			continue
		}

		frameCount++
		if frameCount <= 5 || frameCount%500 == 0 {
			s.logger.Debug("decoded remote frame", "peerID", s.peerID, "samplesPerCh", n, "frameCount", frameCount)
		}

		s.mu.Lock()
		fn := s.onAudio
		s.mu.Unlock()
		if fn != nil {
			fn(downmix(pcm[:n*s.channels], s.channels))
		}
	}
}

// downmix averages interleaved channels into clamped mono.
func downmix(interleaved []float32, channels int) []float32 {
	n := len(interleaved) / channels
	mono := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		v := sum / float32(channels)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		mono[i] = v
	}
	return mono
}

// Close waits for the decode loop. The owning peer connection must be closed
// first so the pending read returns.
func (s *RemoteStream) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	s.wg.Wait()
}
