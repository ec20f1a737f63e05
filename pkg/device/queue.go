package device

import (
	"encoding/binary"
	"math"
	"slices"
	"sync"

	"github.com/silviot/live_classroom_go/pkg/audio"
)

type segment struct {
	id   uint64
	data []byte
	done func()
}

// Queue plays scheduled units back to back as PCM16 mono at a fixed rate.
// Voices opened on it are mixed over the main lane. It implements
// audio.Mixer and is read by the output device.
type Queue struct {
	rate   int
	mu     sync.Mutex
	cond   *sync.Cond
	segs   []*segment
	voices []*voice
	closed bool
}

// NewQueue creates a queue rendering at rate.
func NewQueue(rate int) *Queue {
	q := &Queue{rate: rate}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Schedule appends unit after everything already queued. The scheduler
// assigns contiguous start times, so appending keeps playback gapless.
func (q *Queue) Schedule(unit *audio.PlaybackUnit, done func()) {
	q.push(&q.segs, unit, done)
}

// Stop drops whatever is left of unit.
func (q *Queue) Stop(unit *audio.PlaybackUnit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.segs = dropUnit(q.segs, unit.ID)
}

func (q *Queue) push(lane *[]*segment, unit *audio.PlaybackUnit, done func()) {
	data := q.render(unit.Buffer)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	*lane = append(*lane, &segment{id: unit.ID, data: data, done: done})
	q.cond.Signal()
}

func dropUnit(segs []*segment, id uint64) []*segment {
	return slices.DeleteFunc(segs, func(seg *segment) bool { return seg.id == id })
}

// render mixes the buffer down to mono at the queue rate.
func (q *Queue) render(buf *audio.Buffer) []byte {
	if buf == nil || buf.Frames() == 0 {
		return nil
	}
	mono := buf.Channels[0]
	if len(buf.Channels) > 1 {
		mono = make([]float32, buf.Frames())
		for _, ch := range buf.Channels {
			for i, s := range ch {
				mono[i] += s / float32(len(buf.Channels))
			}
		}
	}
	out := &audio.Buffer{SampleRate: q.rate, Channels: [][]float32{audio.Resample(mono, buf.SampleRate, q.rate)}}
	return out.PCM16()
}

// NewVoice opens a lane that plays at the same time as the main one, for a
// speaker with its own timeline.
func (q *Queue) NewVoice() audio.Voice {
	v := &voice{q: q}
	q.mu.Lock()
	if !q.closed {
		q.voices = append(q.voices, v)
	}
	q.mu.Unlock()
	return v
}

// Pending returns the number of queued bytes across all lanes.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := pendingBytes(q.segs)
	for _, v := range q.voices {
		n += pendingBytes(v.segs)
	}
	return n
}

func pendingBytes(segs []*segment) int {
	n := 0
	for _, seg := range segs {
		n += len(seg.data)
	}
	return n
}

func (q *Queue) idle() bool {
	if len(q.segs) > 0 {
		return false
	}
	for _, v := range q.voices {
		if len(v.segs) > 0 {
			return false
		}
	}
	return true
}

// Read fills p with queued audio, blocking while every lane is empty. Units
// that finish are reported after the lock is released, since their done
// callbacks re-enter the scheduler.
func (q *Queue) Read(p []byte) (int, error) {
	q.mu.Lock()
	for q.idle() && !q.closed {
		q.cond.Wait()
	}

	if q.closed && q.idle() {
		q.mu.Unlock()
		clear(p)
		return len(p), nil
	}

	var finished []func()
	n := drain(&q.segs, p, &finished)

	var scratch []byte
	for _, v := range q.voices {
		if len(v.segs) == 0 {
			continue
		}
		if scratch == nil {
			scratch = make([]byte, len(p))
		}
		m := drain(&v.segs, scratch, &finished)
		if m > n {
			clear(p[n:m])
			n = m
		}
		mix16(p[:m], scratch[:m])
	}
	q.mu.Unlock()

	for _, done := range finished {
		done()
	}
	return n, nil
}

// drain copies the head of a lane into p and returns the bytes written.
func drain(lane *[]*segment, p []byte, finished *[]func()) int {
	n := 0
	for n < len(p) && len(*lane) > 0 {
		seg := (*lane)[0]
		c := copy(p[n:], seg.data)
		seg.data = seg.data[c:]
		n += c
		if len(seg.data) == 0 {
			*lane = (*lane)[1:]
			if seg.done != nil {
				*finished = append(*finished, seg.done)
			}
		}
	}
	return n
}

// mix16 adds PCM16 samples from src into dst, saturating at the int16 range.
func mix16(dst, src []byte) {
	for i := 0; i+1 < len(dst) && i+1 < len(src); i += 2 {
		sum := int32(int16(binary.LittleEndian.Uint16(dst[i:]))) + int32(int16(binary.LittleEndian.Uint16(src[i:])))
		sum = min(max(sum, math.MinInt16), math.MaxInt16)
		binary.LittleEndian.PutUint16(dst[i:], uint16(int16(sum)))
	}
}

// Close wakes any blocked reader; the queue then yields silence.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.segs = nil
	q.voices = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

// voice is one extra lane of a Queue.
type voice struct {
	q    *Queue
	segs []*segment
}

func (v *voice) Schedule(unit *audio.PlaybackUnit, done func()) {
	v.q.push(&v.segs, unit, done)
}

func (v *voice) Stop(unit *audio.PlaybackUnit) {
	v.q.mu.Lock()
	defer v.q.mu.Unlock()
	v.segs = dropUnit(v.segs, unit.ID)
}

// Close removes the lane from the mix.
func (v *voice) Close() {
	v.q.mu.Lock()
	defer v.q.mu.Unlock()
	v.segs = nil
	v.q.voices = slices.DeleteFunc(v.q.voices, func(o *voice) bool { return o == v })
}
