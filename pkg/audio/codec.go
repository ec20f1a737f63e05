package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/silviot/live_classroom_go/pkg/apperr"
)

const (
	// InputSampleRate is the rate the live endpoint expects for microphone audio.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of audio produced by the live endpoint and
	// the speech synthesis collaborator.
	OutputSampleRate = 24000
	// InputMIMEType tags every outbound audio unit.
	InputMIMEType = "audio/pcm;rate=16000"
)

// Blob is the outbound audio wire unit: base64 PCM16 little-endian mono.
type Blob struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// Frame is a fixed-length block of signed 16-bit samples.
type Frame struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Buffer holds deinterleaved float32 PCM ready for playback.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// PCM16 re-interleaves the buffer into little-endian 16-bit bytes.
func (b *Buffer) PCM16() []byte {
	frames := b.Frames()
	channels := len(b.Channels)
	out := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			binary.LittleEndian.PutUint16(out[(i*channels+ch)*2:], uint16(quantize(b.Channels[ch][i])))
		}
	}
	return out
}

// quantize clamps s to [-1, 1] and scales it to the int16 range.
// Values that would exceed 32767 saturate instead of wrapping.
func quantize(s float32) int16 {
	v := float64(s)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	} else if math.IsNaN(v) {
		v = 0
	}
	q := math.Round(v * 32768)
	if q > math.MaxInt16 {
		q = math.MaxInt16
	}
	return int16(q)
}

// EncodePCM16 quantizes samples to little-endian PCM16 bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// Encode packs samples as an outbound audio unit.
func Encode(samples []float32) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(samples)),
		MIMEType: InputMIMEType,
	}
}

// Decode reverses Encode: base64 PCM16 to float32 in [-1, 1).
func Decode(payload string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apperr.Decode("decode payload", err)
	}
	return PCM16ToFloat32(raw)
}

// PCM16ToFloat32 converts little-endian PCM16 bytes to normalized samples.
func PCM16ToFloat32(raw []byte) ([]float32, error) {
	if len(raw)%2 != 0 {
		return nil, apperr.Decode("pcm16", fmt.Errorf("odd byte count %d", len(raw)))
	}
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768.0
	}
	return out, nil
}

// Resample converts samples from sourceRate to targetRate by picking the
// nearest source index for every output sample. There is no interpolation
// or low-pass filtering, so content above the target Nyquist frequency aliases.
func Resample(samples []float32, sourceRate, targetRate int) []float32 {
	if sourceRate == targetRate || sourceRate <= 0 || targetRate <= 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}
	if len(samples) == 0 {
		return []float32{}
	}

	ratio := float64(sourceRate) / float64(targetRate)
	n := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		idx := int(math.Round(float64(i) * ratio))
		if idx > last {
			idx = last
		}
		out[i] = samples[idx]
	}
	return out
}

// DecodePayload decodes a base64 PCM16 payload straight into a playback buffer.
func DecodePayload(payload string, sampleRate, channels int) (*Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apperr.Decode("decode payload", err)
	}
	return DecodeToBuffer(raw, sampleRate, channels)
}

// DecodeToBuffer deinterleaves raw PCM16 into a playback buffer.
func DecodeToBuffer(raw []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, apperr.Decode("buffer", fmt.Errorf("invalid sample rate %d", sampleRate))
	}
	if channels <= 0 {
		return nil, apperr.Decode("buffer", fmt.Errorf("invalid channel count %d", channels))
	}
	samples, err := PCM16ToFloat32(raw)
	if err != nil {
		return nil, err
	}
	if len(samples)%channels != 0 {
		return nil, apperr.Decode("buffer", fmt.Errorf("%d samples do not divide into %d channels", len(samples), channels))
	}

	frames := len(samples) / channels
	buf := &Buffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for ch := 0; ch < channels; ch++ {
		data := make([]float32, frames)
		for i := 0; i < frames; i++ {
			data[i] = samples[i*channels+ch]
		}
		buf.Channels[ch] = data
	}
	return buf, nil
}
