package audio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/silviot/live_classroom_go/pkg/apperr"
)

type recordingSender struct {
	mu    sync.Mutex
	blobs []Blob
	sent  chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan struct{}, 128)}
}

func (s *recordingSender) SendAudio(b Blob) error {
	s.mu.Lock()
	s.blobs = append(s.blobs, b)
	s.mu.Unlock()
	s.sent <- struct{}{}
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func (s *recordingSender) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.sent:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for send %d of %d", i+1, n)
		}
	}
}

type fakeSource struct {
	mu   sync.Mutex
	rate int
	fn   func([]float32)
}

func (s *fakeSource) SampleRate() int { return s.rate }

func (s *fakeSource) Subscribe(fn func([]float32)) func() {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.fn = nil
		s.mu.Unlock()
	}
}

func (s *fakeSource) push(samples []float32) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

func constBlock(n int, v float32) []float32 {
	b := make([]float32, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestCaptureProcessorPreservesOrder(t *testing.T) {
	gate := NewGate()
	gate.SetConnected(true)
	sender := newRecordingSender()
	src := &fakeSource{rate: 48000}

	proc, err := NewCaptureProcessor(CaptureConfig{Gate: gate, Sender: sender, Source: src, BlockSize: 480})
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}
	defer proc.Close()

	levels := []float32{0.1, 0.2, 0.3, 0.4, 0.5}
	for _, v := range levels {
		// Deliver each block in two uneven device callbacks.
		block := constBlock(480, v)
		src.push(block[:100])
		src.push(block[100:])
	}
	sender.wait(t, len(levels))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for i, blob := range sender.blobs {
		samples, err := Decode(blob.Data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if len(samples) != 160 {
			t.Errorf("block %d: expected 160 samples at 16kHz, got %d", i, len(samples))
		}
		if abs(samples[0]-levels[i]) > 1.0/32768 {
			t.Errorf("block %d out of order: level %f, want %f", i, samples[0], levels[i])
		}
		if blob.MIMEType != InputMIMEType {
			t.Errorf("block %d: mime %q", i, blob.MIMEType)
		}
	}
}

func TestCaptureProcessorGate(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		muted     bool
		wantSent  bool
	}{
		{name: "connected", connected: true, wantSent: true},
		{name: "muted", connected: true, muted: true},
		{name: "disconnected", connected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate()
			gate.SetConnected(tt.connected)
			gate.SetMuted(tt.muted)

			proc, err := NewCaptureProcessor(CaptureConfig{Gate: gate, Sender: newRecordingSender(), Source: &fakeSource{rate: 16000}, BlockSize: 160})
			if err != nil {
				t.Fatalf("failed to create processor: %v", err)
			}
			defer proc.Close()

			if got := proc.Process(constBlock(160, 0.1)); got != tt.wantSent {
				t.Errorf("Process() = %v, want %v", got, tt.wantSent)
			}
		})
	}
}

func TestCaptureProcessorReadsGateFreshly(t *testing.T) {
	gate := NewGate()
	sender := newRecordingSender()
	proc, err := NewCaptureProcessor(CaptureConfig{Gate: gate, Sender: sender, Source: &fakeSource{rate: 16000}, BlockSize: 160})
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}
	defer proc.Close()

	// Handler bound while the gate is closed must still see the later state.
	process := proc.Process
	if process(constBlock(160, 0.1)) {
		t.Fatal("closed gate must drop the block")
	}

	gate.SetConnected(true)
	if !process(constBlock(160, 0.1)) {
		t.Fatal("open gate must queue the block")
	}
	sender.wait(t, 1)
}

func TestCaptureProcessorNoSendAfterClose(t *testing.T) {
	gate := NewGate()
	gate.SetConnected(true)
	sender := newRecordingSender()
	src := &fakeSource{rate: 16000}

	proc, err := NewCaptureProcessor(CaptureConfig{Gate: gate, Sender: sender, Source: src, BlockSize: 160})
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}

	process := proc.Process
	process(constBlock(160, 0.1))
	sender.wait(t, 1)

	gate.SetConnected(false)
	proc.Close()
	before := sender.count()

	if process(constBlock(160, 0.2)) {
		t.Error("block after close must not be queued")
	}
	src.push(constBlock(320, 0.3))
	proc.Write(constBlock(320, 0.3))

	time.Sleep(20 * time.Millisecond)
	if sender.count() != before {
		t.Errorf("blocks sent after close: before %d, after %d", before, sender.count())
	}

	// Close is idempotent.
	proc.Close()
}

func TestCaptureProcessorRequiresSource(t *testing.T) {
	_, err := NewCaptureProcessor(CaptureConfig{Gate: NewGate(), Sender: newRecordingSender()})
	if !errors.Is(err, apperr.ErrMediaAccess) {
		t.Errorf("expected media access error, got %v", err)
	}
}
