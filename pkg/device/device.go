// Package device connects the classroom to the local microphone and
// speaker.
package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/silviot/live_classroom_go/pkg/apperr"
	"github.com/silviot/live_classroom_go/pkg/audio"
)

// MicrophoneConfig holds capture device settings.
type MicrophoneConfig struct {
	SampleRate int
	PeriodMs   int
	Logger     *slog.Logger
}

// Microphone captures mono float32 samples and fans them out to
// subscribers. It implements audio.Source.
type Microphone struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	rate   int
	fan    *fanout
	logger *slog.Logger
	once   sync.Once
}

// OpenMicrophone starts the default capture device.
func OpenMicrophone(cfg MicrophoneConfig) (*Microphone, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.PeriodMs == 0 {
		cfg.PeriodMs = 20
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, apperr.MediaAccess("open microphone", fmt.Errorf("failed to init audio context: %w", err))
	}

	m := &Microphone{
		ctx:    ctx,
		rate:   cfg.SampleRate,
		fan:    newFanout(),
		logger: cfg.Logger,
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(cfg.PeriodMs)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			m.fan.deliver(float32LE(pInputSamples))
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, apperr.MediaAccess("open microphone", fmt.Errorf("failed to init microphone: %w", err))
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return nil, apperr.MediaAccess("open microphone", fmt.Errorf("failed to start microphone: %w", err))
	}

	m.logger.Info("microphone started", "sampleRate", cfg.SampleRate, "periodMs", cfg.PeriodMs)
	return m, nil
}

// SampleRate returns the capture rate.
func (m *Microphone) SampleRate() int {
	return m.rate
}

// Subscribe registers fn for every captured period.
func (m *Microphone) Subscribe(fn func(samples []float32)) func() {
	return m.fan.subscribe(fn)
}

// Close stops the device.
func (m *Microphone) Close() {
	m.once.Do(func() {
		if m.device != nil {
			m.device.Stop()
			m.device.Uninit()
		}
		m.ctx.Uninit()
		m.ctx.Free()
		m.logger.Info("microphone stopped")
	})
}

// float32LE converts little-endian float32 bytes to samples.
func float32LE(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

type fanout struct {
	mu   sync.Mutex
	next int
	subs map[int]func([]float32)
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]func([]float32))}
}

func (f *fanout) subscribe(fn func([]float32)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

func (f *fanout) deliver(samples []float32) {
	f.mu.Lock()
	subs := make([]func([]float32), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(samples)
	}
}

// SpeakerConfig holds output device settings.
type SpeakerConfig struct {
	SampleRate int
	BufferSize time.Duration
	Logger     *slog.Logger
}

// Speaker plays scheduled units through the default output device. It
// implements audio.Sink through its Queue.
type Speaker struct {
	*Queue
	ctx    *oto.Context
	player *oto.Player
	logger *slog.Logger
	once   sync.Once
}

// OpenSpeaker starts the default output device.
func OpenSpeaker(cfg SpeakerConfig) (*Speaker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.OutputSampleRate
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 100 * time.Millisecond
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   cfg.BufferSize,
	})
	if err != nil {
		return nil, apperr.MediaAccess("open speaker", fmt.Errorf("failed to init speaker: %w", err))
	}
	<-ready

	q := NewQueue(cfg.SampleRate)
	player := otoCtx.NewPlayer(q)
	player.Play()

	cfg.Logger.Info("speaker started", "sampleRate", cfg.SampleRate)
	return &Speaker{Queue: q, ctx: otoCtx, player: player, logger: cfg.Logger}, nil
}

// Close stops playback.
func (s *Speaker) Close() {
	s.once.Do(func() {
		s.Queue.Close()
		if err := s.player.Close(); err != nil {
			s.logger.Debug("error closing player", "error", err)
		}
		s.logger.Info("speaker stopped")
	})
}
