package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/silviot/live_classroom_go/pkg/apperr"
)

const (
	// DefaultBlockSize is the capture block length at the device's native rate.
	DefaultBlockSize = 4096
	// DefaultQueueSize bounds the number of encoded blocks waiting for the sender.
	DefaultQueueSize = 64
)

// Sender receives encoded capture blocks, typically the live session transport.
type Sender interface {
	SendAudio(Blob) error
}

// Source delivers microphone samples at its native rate. Subscribe returns a
// function that stops delivery.
type Source interface {
	SampleRate() int
	Subscribe(fn func(samples []float32)) (unsubscribe func())
}

// CaptureConfig holds capture processor settings.
type CaptureConfig struct {
	Gate      *Gate
	Sender    Sender
	Source    Source
	BlockSize int
	QueueSize int
	Logger    *slog.Logger
}

// CaptureProcessor frames microphone input into fixed blocks, gates them on
// the current session and mute state, and forwards them in order to a Sender.
type CaptureProcessor struct {
	gate       *Gate
	sender     Sender
	sourceRate int
	chunker    *ChunkBuffer
	logger     *slog.Logger

	queue       chan Blob
	closed      atomic.Bool
	closeCh     chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	unsubscribe func()

	blockCount atomic.Uint64
	sentCount  atomic.Uint64
}

// NewCaptureProcessor subscribes to the source and starts the sender goroutine.
func NewCaptureProcessor(cfg CaptureConfig) (*CaptureProcessor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gate == nil || cfg.Sender == nil {
		return nil, fmt.Errorf("capture processor requires a gate and a sender")
	}
	if cfg.Source == nil {
		return nil, apperr.MediaAccess("capture", fmt.Errorf("no audio source"))
	}
	if cfg.Source.SampleRate() <= 0 {
		return nil, apperr.MediaAccess("capture", fmt.Errorf("invalid source sample rate %d", cfg.Source.SampleRate()))
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	p := &CaptureProcessor{
		gate:       cfg.Gate,
		sender:     cfg.Sender,
		sourceRate: cfg.Source.SampleRate(),
		chunker:    NewChunkBuffer(cfg.BlockSize, cfg.Logger),
		logger:     cfg.Logger,
		queue:      make(chan Blob, cfg.QueueSize),
		closeCh:    make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sendLoop()

	p.unsubscribe = cfg.Source.Subscribe(p.Write)

	p.logger.Debug("capture processor attached", "sourceRate", p.sourceRate, "blockSize", p.chunker.Size())
	return p, nil
}

// Write accepts samples of any length from the device and processes every
// complete block.
func (p *CaptureProcessor) Write(samples []float32) {
	if p.closed.Load() {
		return
	}
	for _, block := range p.chunker.Add(samples) {
		p.Process(block)
	}
}

// Process handles one block. It reports whether the block was queued for
// sending. It never blocks: if the sender falls behind the block is dropped.
func (p *CaptureProcessor) Process(block []float32) bool {
	if p.closed.Load() || !p.gate.Open() {
		return false
	}

	n := p.blockCount.Add(1)
	if n <= 5 || n%500 == 0 {
		p.logger.Debug("capture block", "samples", len(block), "blockCount", n)
	}

	blob := Encode(Resample(block, p.sourceRate, InputSampleRate))

	select {
	case p.queue <- blob:
		return true
	case <-p.closeCh:
		return false
	default:
		p.logger.Warn("capture queue full, dropping block", "blockCount", n)
		return false
	}
}

func (p *CaptureProcessor) sendLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.closeCh:
			return
		case blob := <-p.queue:
			if p.closed.Load() || !p.gate.Open() {
				continue
			}
			if err := p.sender.SendAudio(blob); err != nil {
				p.logger.Warn("failed to send audio block", "error", err)
				continue
			}
			p.sentCount.Add(1)
		}
	}
}

// Sent returns how many blocks reached the sender successfully.
func (p *CaptureProcessor) Sent() uint64 {
	return p.sentCount.Load()
}

// Close detaches from the source and stops the sender. Once Close returns no
// further block is sent.
func (p *CaptureProcessor) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		close(p.closeCh)
		p.wg.Wait()
		p.chunker.Reset()
		p.logger.Debug("capture processor detached", "blocks", p.blockCount.Load(), "sent", p.sentCount.Load())
	})
}
