// Package classroom wires the live teacher session, the peer mesh, chat and
// the tutor into one class for the local student.
package classroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/silviot/live_classroom_go/pkg/apperr"
	"github.com/silviot/live_classroom_go/pkg/audio"
	"github.com/silviot/live_classroom_go/pkg/chat"
	"github.com/silviot/live_classroom_go/pkg/mesh"
	"github.com/silviot/live_classroom_go/pkg/metrics"
	"github.com/silviot/live_classroom_go/pkg/session"
	"github.com/silviot/live_classroom_go/pkg/signaling"
	"github.com/silviot/live_classroom_go/pkg/tutor"
)

const (
	// TeacherSender attributes XP messages in the chat log.
	TeacherSender = "teacher"
	// DefaultTargetChar is the first character to practise writing.
	DefaultTargetChar = "永"
	// CalligraphyThreshold is the writing score that earns a reward.
	CalligraphyThreshold = 80
	// CalligraphyXP is awarded with the calligrapher achievement.
	CalligraphyXP = 50
	// FirstWordsXP is the single grant that unlocks first words.
	FirstWordsXP = 50
)

// Achievement ids.
const (
	AchievementFirstWords   = "first-words"
	AchievementCalligrapher = "calligrapher"
	AchievementGoodListener = "good-listener"
)

// Achievement is one unlockable badge.
type Achievement struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Icon        string `json:"icon"`
	Description string `json:"description"`
	Unlocked    bool   `json:"unlocked"`
}

func defaultAchievements() []Achievement {
	return []Achievement{
		{ID: AchievementFirstWords, Title: "First Words", Icon: "🗣️", Description: "Speak your first phrase correctly."},
		{ID: AchievementCalligrapher, Title: "Calligrapher", Icon: "✍️", Description: "Score 80+ on a writing task."},
		{ID: AchievementGoodListener, Title: "Good Listener", Icon: "👂", Description: "Complete a listening exercise."},
	}
}

// TeacherPrompt is the system prompt for a student called name.
func TeacherPrompt(name string) string {
	return fmt.Sprintf("You are Teacher Wei, a friendly Chinese teacher. The user is %s. Engage with them simply.", name)
}

// Tutor scores handwriting and synthesizes speech.
type Tutor interface {
	ScoreWriting(ctx context.Context, png []byte, symbol string) (tutor.Feedback, error)
	Speak(ctx context.Context, text string) ([]byte, error)
}

// Listener is told about changes worth rendering. All methods are optional
// through NopListener embedding.
type Listener interface {
	StateChanged(session.State)
	StatusChanged(text string)
	ChatMessage(chat.Envelope)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) StateChanged(session.State) {}
func (NopListener) StatusChanged(string)       {}
func (NopListener) ChatMessage(chat.Envelope)  {}

// Config holds classroom dependencies.
type Config struct {
	Name  string
	Level int

	// Source is the microphone. It feeds both the live session and the
	// outbound peer track.
	Source audio.Source
	// Sink renders teacher and read-aloud audio. Classmates play on their
	// own voices when it is an audio.Mixer and share its timeline otherwise.
	Sink audio.Sink
	// Clock drives the playback timeline; defaults to the system clock.
	Clock audio.Clock

	Dial      session.DialFunc
	BlockSize int
	Tutor     Tutor

	// Mesh enables multi-participant mode. Its callbacks and Self are
	// filled in by the classroom.
	Mesh *mesh.Config

	Listener Listener
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Snapshot is the student's view of the class.
type Snapshot struct {
	SelfID       string          `json:"selfId"`
	State        string          `json:"state"`
	Status       string          `json:"status"`
	Name         string          `json:"name"`
	Level        int             `json:"level"`
	XP           int             `json:"xp"`
	Muted        bool            `json:"muted"`
	Topic        session.Topic   `json:"topic"`
	TargetChar   string          `json:"targetChar"`
	Feedback     *tutor.Feedback `json:"feedback,omitempty"`
	Achievements []Achievement   `json:"achievements"`
	Participants int             `json:"participants"`
}

// Classroom is the single context object of a running class.
type Classroom struct {
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	listener   Listener
	gate       *audio.Gate
	scheduler  *audio.Scheduler
	controller *session.Controller
	relay      *chat.Relay
	mesh       *mesh.Mesh
	tutor      Tutor
	source     audio.Source

	mu           sync.Mutex
	selfID       string
	xp           int
	topic        session.Topic
	targetChar   string
	feedback     *tutor.Feedback
	achievements []Achievement
	local        *mesh.LocalMedia
	joined       bool
	peers        map[string]*peerAudio
}

// peerAudio plays one classmate's decoded stream.
type peerAudio struct {
	scheduler *audio.Scheduler
	voice     audio.Voice
}

// New assembles a classroom. Nothing connects until Start.
func New(cfg Config) (*Classroom, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "Student"
	}
	if cfg.Level <= 0 {
		cfg.Level = 1
	}
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}
	if cfg.Clock == nil {
		cfg.Clock = audio.NewSystemClock()
	}
	if cfg.Sink == nil {
		return nil, apperr.Configuration("classroom", "audio output is required")
	}

	c := &Classroom{
		cfg:          cfg,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		listener:     cfg.Listener,
		gate:         audio.NewGate(),
		tutor:        cfg.Tutor,
		source:       cfg.Source,
		topic:        session.DefaultTopic,
		targetChar:   DefaultTargetChar,
		achievements: defaultAchievements(),
		peers:        make(map[string]*peerAudio),
	}

	c.scheduler = audio.NewScheduler(audio.SchedulerConfig{
		Clock:  cfg.Clock,
		Sink:   cfg.Sink,
		Logger: cfg.Logger,
	})

	c.controller = session.NewController(session.Config{
		Dial:      cfg.Dial,
		Scheduler: c.scheduler,
		Gate:      c.gate,
		Tools:     c,
		Observer:  c,
		BlockSize: cfg.BlockSize,
		Metrics:   cfg.Metrics,
		Logger:    cfg.Logger,
	})

	var links chat.LinkSet
	if cfg.Mesh != nil {
		meshCfg := *cfg.Mesh
		meshCfg.Self = signaling.Metadata{Name: cfg.Name, Level: cfg.Level}
		meshCfg.OnParticipantJoined = c.participantJoined
		meshCfg.OnParticipantLeft = c.participantLeft
		meshCfg.OnSignalingLost = c.signalingLost
		if meshCfg.Metrics == nil {
			meshCfg.Metrics = cfg.Metrics
		}
		if meshCfg.Logger == nil {
			meshCfg.Logger = cfg.Logger
		}

		m, err := mesh.New(meshCfg)
		if err != nil {
			return nil, err
		}
		c.mesh = m
		links = chat.LinkSetFunc(func() []chat.Link {
			return lo.Map(m.Links(), func(l *mesh.DataLink, _ int) chat.Link { return l })
		})
	}

	c.relay = chat.NewRelay(chat.Config{
		Links:     links,
		OnMessage: c.listener.ChatMessage,
		Metrics:   cfg.Metrics,
		Logger:    cfg.Logger,
	})
	if c.mesh != nil {
		c.mesh.HandleFrame(chat.FrameType, c.relay.HandleFrame)
	}

	return c, nil
}

// Start joins the class and calls the teacher. With an empty rendezvousID
// this student hosts; the returned id is what classmates join with. A
// failure to reach the teacher leaves the class joined.
func (c *Classroom) Start(ctx context.Context, rendezvousID string) (string, error) {
	selfID, err := c.Join(ctx, rendezvousID)
	if err != nil {
		return "", err
	}
	return selfID, c.ConnectTeacher(ctx)
}

// Join enters the peer mesh. Without a mesh the class is solo and the id is
// local.
func (c *Classroom) Join(ctx context.Context, rendezvousID string) (string, error) {
	c.mu.Lock()
	if c.joined {
		id := c.selfID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	if c.mesh == nil {
		c.setSelf("me", nil)
		return "me", nil
	}

	var local *mesh.LocalMedia
	if c.source != nil {
		var err error
		local, err = mesh.NewLocalMedia(mesh.LocalMediaConfig{
			Source: c.source,
			Gate:   c.gate,
			Logger: c.logger,
		})
		if err != nil {
			return "", err
		}
	}

	selfID, err := c.mesh.Join(ctx, local, rendezvousID)
	if err != nil {
		if local != nil {
			local.Close()
		}
		return "", err
	}

	c.setSelf(selfID, local)
	c.logger.Info("joined classroom", "selfID", selfID, "host", rendezvousID == "")
	return selfID, nil
}

func (c *Classroom) setSelf(id string, local *mesh.LocalMedia) {
	c.mu.Lock()
	c.selfID = id
	c.local = local
	c.joined = true
	c.mu.Unlock()
	c.relay.SetSelfID(id)
}

// ConnectTeacher opens the live session with the teacher prompt.
func (c *Classroom) ConnectTeacher(ctx context.Context) error {
	return c.controller.Connect(ctx, TeacherPrompt(c.cfg.Name), c.source)
}

// DisconnectTeacher ends the live session.
func (c *Classroom) DisconnectTeacher() {
	c.controller.Disconnect()
}

// Close ends the teacher session and leaves the class.
func (c *Classroom) Close() {
	c.controller.Disconnect()
	if c.mesh != nil {
		c.mesh.Leave()
	}

	c.mu.Lock()
	local := c.local
	c.local = nil
	c.joined = false
	peers := c.peers
	c.peers = make(map[string]*peerAudio)
	c.mu.Unlock()

	if local != nil {
		local.Close()
	}
	for _, pa := range peers {
		pa.close()
	}
}

// SendChat posts text to the class.
func (c *Classroom) SendChat(text string) chat.Envelope {
	return c.relay.Send(text)
}

// History returns the chat log.
func (c *Classroom) History() []chat.Envelope {
	return c.relay.History()
}

// Roster returns the local student followed by classmates in join order.
func (c *Classroom) Roster() []mesh.Participant {
	c.mu.Lock()
	self := mesh.Participant{
		ID:    c.selfID,
		Name:  c.cfg.Name,
		Role:  mesh.RoleSelf,
		Level: c.cfg.Level,
		XP:    c.xp,
	}
	c.mu.Unlock()

	out := []mesh.Participant{self}
	if c.mesh != nil {
		out = append(out, c.mesh.Roster().List()...)
	}
	return out
}

// Snapshot returns the current class state.
func (c *Classroom) Snapshot() Snapshot {
	participants := 1
	if c.mesh != nil {
		participants += c.mesh.Roster().Len()
	}
	state, status := c.controller.State(), c.controller.Status()

	c.mu.Lock()
	defer c.mu.Unlock()

	var fb *tutor.Feedback
	if c.feedback != nil {
		copied := *c.feedback
		fb = &copied
	}

	return Snapshot{
		SelfID:       c.selfID,
		State:        state.String(),
		Status:       status,
		Name:         c.cfg.Name,
		Level:        c.cfg.Level,
		XP:           c.xp,
		Muted:        c.gate.Muted(),
		Topic:        c.topic,
		TargetChar:   c.targetChar,
		Feedback:     fb,
		Achievements: append([]Achievement(nil), c.achievements...),
		Participants: participants,
	}
}

// State returns the teacher session state.
func (c *Classroom) State() session.State {
	return c.controller.State()
}

// ToggleMic flips the mute flag and reports whether the mic is now muted.
// Muting silences both the teacher session and classmates.
func (c *Classroom) ToggleMic() bool {
	muted := c.gate.ToggleMute()
	c.logger.Info("microphone toggled", "muted", muted)
	return muted
}

// SetTargetChar changes the character to practise writing.
func (c *Classroom) SetTargetChar(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetChar = symbol
	c.feedback = nil
}

// CheckWriting scores a handwriting sample. An empty symbol uses the
// current target character. Failures yield the unreachable feedback.
func (c *Classroom) CheckWriting(ctx context.Context, png []byte, symbol string) tutor.Feedback {
	c.mu.Lock()
	if symbol == "" {
		symbol = c.targetChar
	}
	c.mu.Unlock()

	fb := tutor.Unreachable
	if c.tutor != nil {
		scored, err := c.tutor.ScoreWriting(ctx, png, symbol)
		if err != nil {
			c.logger.Error("writing check failed", "symbol", symbol, "error", err)
		} else {
			fb = scored
		}
	}

	c.mu.Lock()
	c.feedback = &fb
	rewarded := fb.Score > CalligraphyThreshold
	if rewarded {
		c.xp += CalligraphyXP
		c.unlockLocked(AchievementCalligrapher)
	}
	c.mu.Unlock()

	c.logger.Info("writing checked", "symbol", symbol, "score", fb.Score, "rewarded", rewarded)
	return fb
}

// ReadAloud synthesizes text and plays it on the teacher's output.
func (c *Classroom) ReadAloud(ctx context.Context, text string) error {
	if c.tutor == nil {
		return apperr.Configuration("read aloud", "speech synthesis is not configured")
	}

	pcm, err := c.tutor.Speak(ctx, text)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		c.logger.Warn("speech synthesis returned no audio")
		return nil
	}

	buf, err := audio.DecodeToBuffer(pcm, audio.OutputSampleRate, 1)
	if err != nil {
		return err
	}
	unit := c.scheduler.Enqueue(buf)
	c.logger.Debug("reading aloud", "chars", len(text), "duration", unit.Duration)
	return nil
}

// Unlock marks an achievement unlocked. It reports whether it changed.
func (c *Classroom) Unlock(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlockLocked(id)
}

func (c *Classroom) unlockLocked(id string) bool {
	for i := range c.achievements {
		if c.achievements[i].ID == id && !c.achievements[i].Unlocked {
			c.achievements[i].Unlocked = true
			c.logger.Info("achievement unlocked", "id", id)
			return true
		}
	}
	return false
}

// GrantXP implements session.ToolHandler.
func (c *Classroom) GrantXP(amount int) {
	c.mu.Lock()
	c.xp += amount
	total := c.xp
	if amount >= FirstWordsXP {
		c.unlockLocked(AchievementFirstWords)
	}
	c.mu.Unlock()

	c.relay.Post(TeacherSender, fmt.Sprintf("Teacher granted you %d XP! Total: %d", amount, total))
}

// SetTopic implements session.ToolHandler.
func (c *Classroom) SetTopic(topic session.Topic) {
	c.mu.Lock()
	c.topic = topic
	c.mu.Unlock()
	c.logger.Info("topic changed", "chinese", topic.Chinese, "english", topic.English)
}

// StateChanged implements session.Observer.
func (c *Classroom) StateChanged(s session.State) {
	c.listener.StateChanged(s)
}

// StatusChanged implements session.Observer.
func (c *Classroom) StatusChanged(text string) {
	c.listener.StatusChanged(text)
}

// Notice implements session.Observer.
func (c *Classroom) Notice(text string) {
	c.relay.Notice(text)
}

func (c *Classroom) participantJoined(p mesh.Participant) {
	if p.Stream != nil {
		c.attachPeerAudio(p.ID)
		peerID, rate := p.ID, p.Stream.SampleRate()
		p.Stream.OnAudio(func(samples []float32) {
			c.playPeerAudio(peerID, rate, samples)
		})
	}
	c.relay.Notice(p.Name + " joined the class.")
}

func (c *Classroom) participantLeft(p mesh.Participant) {
	c.mu.Lock()
	pa := c.peers[p.ID]
	delete(c.peers, p.ID)
	c.mu.Unlock()
	if pa != nil {
		pa.close()
	}
	c.logger.Info("classmate left", "peerID", p.ID, "name", p.Name, "stayed", time.Since(p.JoinedAt).Round(time.Second))
}

func (c *Classroom) signalingLost(error) {
	c.relay.Notice("Lost connection to the class server. Classmates already here stay connected.")
}

// attachPeerAudio gives a classmate a playback timeline of their own.
func (c *Classroom) attachPeerAudio(peerID string) {
	pa := &peerAudio{}
	sink := c.cfg.Sink
	if mixer, ok := sink.(audio.Mixer); ok {
		pa.voice = mixer.NewVoice()
		sink = pa.voice
	}
	pa.scheduler = audio.NewScheduler(audio.SchedulerConfig{
		Clock:  c.cfg.Clock,
		Sink:   sink,
		Logger: c.logger.With("peerID", peerID),
	})

	c.mu.Lock()
	old := c.peers[peerID]
	c.peers[peerID] = pa
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
}

// playPeerAudio queues decoded mono PCM from a classmate.
func (c *Classroom) playPeerAudio(peerID string, rate int, samples []float32) {
	if len(samples) == 0 {
		return
	}
	c.mu.Lock()
	pa := c.peers[peerID]
	c.mu.Unlock()
	if pa == nil {
		return
	}
	pa.scheduler.Enqueue(&audio.Buffer{SampleRate: rate, Channels: [][]float32{samples}})
}

func (pa *peerAudio) close() {
	pa.scheduler.StopAll()
	if pa.voice != nil {
		pa.voice.Close()
	}
}

// IsMediaAccess reports whether err means the microphone is unavailable.
func IsMediaAccess(err error) bool {
	return errors.Is(err, apperr.ErrMediaAccess)
}
