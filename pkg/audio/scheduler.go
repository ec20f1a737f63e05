package audio

import (
	"log/slog"
	"sync"
	"time"
)

// Clock reports the playback timeline position.
type Clock interface {
	Now() time.Duration
}

// SystemClock measures the timeline from its creation using the monotonic clock.
type SystemClock struct {
	origin time.Time
}

// NewSystemClock starts a timeline at zero.
func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

// Now returns the elapsed time since the clock was created.
func (c *SystemClock) Now() time.Duration {
	return time.Since(c.origin)
}

// Sink renders scheduled units.
//
// Schedule must start unit at unit.Start on the scheduler's clock and invoke
// done once the unit has played to the end. done must not be invoked from
// within Schedule itself. Stop halts a unit immediately; done is not required
// after Stop and is ignored if it still arrives.
type Sink interface {
	Schedule(unit *PlaybackUnit, done func())
	Stop(unit *PlaybackUnit)
}

// Mixer is a Sink that can open extra lanes played on top of it.
type Mixer interface {
	Sink
	NewVoice() Voice
}

// Voice is one lane of a Mixer. Close drops what it still holds.
type Voice interface {
	Sink
	Close()
}

// PlaybackUnit is one decoded buffer placed on the timeline.
type PlaybackUnit struct {
	ID       uint64
	Buffer   *Buffer
	Start    time.Duration
	Duration time.Duration
}

// End returns the timeline position where the unit finishes.
func (u *PlaybackUnit) End() time.Duration {
	return u.Start + u.Duration
}

// SchedulerConfig holds scheduler dependencies.
type SchedulerConfig struct {
	Clock  Clock
	Sink   Sink
	Logger *slog.Logger
}

// Scheduler places buffers back to back on the timeline and tracks which of
// them are still playing.
type Scheduler struct {
	clock  Clock
	sink   Sink
	logger *slog.Logger

	mu        sync.Mutex
	nextStart time.Duration
	nextID    uint64
	active    map[uint64]*PlaybackUnit
	onIdle    func()
}

// NewScheduler creates a scheduler. A nil clock defaults to SystemClock.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = NewSystemClock()
	}

	return &Scheduler{
		clock:  cfg.Clock,
		sink:   cfg.Sink,
		logger: cfg.Logger,
		active: make(map[uint64]*PlaybackUnit),
	}
}

// SetOnIdle registers the callback fired when the last active unit finishes
// naturally.
func (s *Scheduler) SetOnIdle(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIdle = fn
}

// Enqueue schedules buf right after the previously scheduled unit, or now if
// the timeline has already passed that point.
func (s *Scheduler) Enqueue(buf *Buffer) *PlaybackUnit {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	start := s.nextStart
	if now > start {
		start = now
	}

	s.nextID++
	unit := &PlaybackUnit{
		ID:       s.nextID,
		Buffer:   buf,
		Start:    start,
		Duration: buf.Duration(),
	}
	s.nextStart = unit.End()
	s.active[unit.ID] = unit

	if s.sink != nil {
		id := unit.ID
		s.sink.Schedule(unit, func() { s.complete(id) })
	}

	s.logger.Debug("playback unit scheduled", "unitID", unit.ID,
		"startMs", unit.Start.Milliseconds(), "durationMs", unit.Duration.Milliseconds(),
		"active", len(s.active))

	return unit
}

// complete removes a naturally finished unit.
func (s *Scheduler) complete(id uint64) {
	s.mu.Lock()
	if _, ok := s.active[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	idle := len(s.active) == 0
	fn := s.onIdle
	s.mu.Unlock()

	if idle && fn != nil {
		fn()
	}
}

// StopAll halts every active unit and rewinds the timeline to now so nothing
// stale plays after a teardown. The idle callback is not fired.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, unit := range s.active {
		if s.sink != nil {
			s.sink.Stop(unit)
		}
		delete(s.active, id)
	}
	s.nextStart = s.clock.Now()
}

// Speaking reports whether any unit is still playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// ActiveCount returns the number of units still playing.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns where the next enqueued unit would begin at the earliest.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
