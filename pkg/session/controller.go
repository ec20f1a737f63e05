package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/silviot/live_classroom_go/pkg/apperr"
	"github.com/silviot/live_classroom_go/pkg/audio"
	"github.com/silviot/live_classroom_go/pkg/live"
	"github.com/silviot/live_classroom_go/pkg/metrics"
)

// State is the live session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status texts surfaced to the orchestrator.
const (
	StatusJoined       = "Teacher joined."
	StatusLeft         = "Teacher left."
	StatusDisconnected = "Teacher disconnected."
)

// Transport is an open live session.
type Transport interface {
	SendAudio(audio.Blob) error
	SendToolResponse([]live.FunctionResponse) error
	Close() error
}

// DialFunc opens a transport. Handlers may fire before DialFunc returns.
type DialFunc func(ctx context.Context, opts live.SessionOptions, h live.Handlers) (Transport, error)

// LiveDialer dials the live endpoint with cfg.
func LiveDialer(cfg live.Config) DialFunc {
	return func(ctx context.Context, opts live.SessionOptions, h live.Handlers) (Transport, error) {
		client := live.NewClient(cfg)
		if err := client.Connect(ctx, opts, h); err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Observer receives state, status and notice updates. Calls are made without
// holding controller locks.
type Observer interface {
	StateChanged(State)
	StatusChanged(text string)
	Notice(text string)
}

// Config holds controller dependencies.
type Config struct {
	Dial      DialFunc
	Scheduler *audio.Scheduler
	Gate      *audio.Gate
	Tools     ToolHandler
	Observer  Observer
	BlockSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// activeSession is one connect attempt. A callback carrying a session that is
// no longer c.active belongs to a superseded transport and is ignored.
type activeSession struct {
	source    audio.Source
	transport Transport
	capture   *audio.CaptureProcessor
	open      bool
	attached  bool
}

// Controller owns the single live session.
type Controller struct {
	dial      DialFunc
	scheduler *audio.Scheduler
	gate      *audio.Gate
	tools     ToolHandler
	observer  Observer
	blockSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	state  State
	status string
	active *activeSession
}

// NewController creates a disconnected controller and subscribes to the
// scheduler's idle signal.
func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Gate == nil {
		cfg.Gate = audio.NewGate()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = audio.NewScheduler(audio.SchedulerConfig{Logger: cfg.Logger})
	}

	c := &Controller{
		dial:      cfg.Dial,
		scheduler: cfg.Scheduler,
		gate:      cfg.Gate,
		tools:     cfg.Tools,
		observer:  cfg.Observer,
		blockSize: cfg.BlockSize,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	c.scheduler.SetOnIdle(c.handlePlaybackIdle)
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the latest status text.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Gate returns the shared connected/mute cell.
func (c *Controller) Gate() *audio.Gate {
	return c.gate
}

// Connect opens a new live session, tearing down any existing one first,
// even when the new one cannot start. It returns once the transport is
// dialed; the session becomes Connected when the endpoint acknowledges it.
func (c *Controller) Connect(ctx context.Context, systemPrompt string, source audio.Source) error {
	c.teardown()

	if source == nil {
		return apperr.MediaAccess("session connect", fmt.Errorf("no microphone stream"))
	}
	if c.dial == nil {
		return apperr.Configuration("session connect", "no live transport configured")
	}

	sess := &activeSession{source: source}

	c.mu.Lock()
	c.active = sess
	changed := c.swapStateLocked(StateConnecting)
	c.mu.Unlock()
	if changed {
		c.emitState(StateConnecting)
	}
	c.setStatus("Connecting to teacher...")

	opts := live.SessionOptions{
		SystemInstruction: systemPrompt + ToolUsageSuffix,
		Tools:             ToolDeclarations(),
	}
	handlers := live.Handlers{
		OnOpen:    func() { c.handleOpen(sess) },
		OnMessage: func(m *live.ServerMessage) { c.handleMessage(sess, m) },
		OnClose:   func(err error) { c.handleClose(sess, err) },
	}

	transport, err := c.dial(ctx, opts, handlers)
	if err != nil {
		c.metrics.RecordConnect("error")
		c.logger.Error("failed to open live session", "error", err)

		c.mu.Lock()
		current := c.active == sess
		changed := false
		if current {
			c.active = nil
			changed = c.swapStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		if changed {
			c.emitState(StateDisconnected)
		}
		if current {
			c.setStatus(fmt.Sprintf("Connection failed: %v", err))
		}
		return err
	}

	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		c.logger.Info("live session superseded while dialing")
		transport.Close()
		return nil
	}
	sess.transport = transport
	ready := sess.open && !sess.attached
	if ready {
		sess.attached = true
	}
	c.mu.Unlock()

	c.metrics.RecordConnect("ok")
	if ready {
		c.attach(sess)
	}
	return nil
}

func (c *Controller) handleOpen(sess *activeSession) {
	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		return
	}
	sess.open = true
	ready := sess.transport != nil && !sess.attached
	if ready {
		sess.attached = true
	}
	c.mu.Unlock()

	if ready {
		c.attach(sess)
	}
}

// attach starts capture for an opened session.
func (c *Controller) attach(sess *activeSession) {
	capture, err := audio.NewCaptureProcessor(audio.CaptureConfig{
		Gate:      c.gate,
		Sender:    &meteredSender{transport: sess.transport, metrics: c.metrics},
		Source:    sess.source,
		BlockSize: c.blockSize,
		Logger:    c.logger,
	})
	if err != nil {
		c.logger.Error("failed to attach microphone", "error", err)
		c.fail(sess, err)
		return
	}

	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		capture.Close()
		return
	}
	sess.capture = capture
	c.gate.SetConnected(true)
	changed := c.swapStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("live session connected")
	if changed {
		c.emitState(StateConnected)
	}
	c.setStatus(StatusJoined)
	c.notice("Teacher Wei joined the class.")
}

func (c *Controller) handleMessage(sess *activeSession, msg *live.ServerMessage) {
	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		return
	}
	transport := sess.transport
	c.mu.Unlock()

	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 {
		responses := c.executeTools(msg.ToolCall.FunctionCalls)
		if transport != nil {
			if err := transport.SendToolResponse(responses); err != nil {
				c.logger.Warn("failed to send tool response", "error", err, "count", len(responses))
			}
		}
	}

	for _, payload := range msg.AudioPayloads() {
		c.playPayload(payload)
	}

	if text := msg.Transcript(); text != "" {
		c.setStatus(text)
	}

	if msg.ServerContent != nil && msg.ServerContent.Interrupted {
		c.logger.Debug("teacher interrupted, dropping queued audio")
		c.scheduler.StopAll()
		c.leaveSpeaking()
	}
}

// executeTools runs every invocation in order and returns one response per
// invocation with matching id.
func (c *Controller) executeTools(calls []live.FunctionCall) []live.FunctionResponse {
	responses := make([]live.FunctionResponse, 0, len(calls))

	for _, call := range calls {
		inv := ToolInvocation{ID: call.ID, Name: call.Name, Args: call.Args}
		resp := live.FunctionResponse{ID: inv.ID, Name: inv.Name}

		tool, err := ParseTool(inv)
		if err != nil {
			c.logger.Warn("invalid tool arguments", "tool", inv.Name, "id", inv.ID, "error", err)
			c.metrics.RecordToolCall(inv.Name, "invalid")
			resp.Response = map[string]any{"error": err.Error()}
			responses = append(responses, resp)
			continue
		}

		switch t := tool.(type) {
		case GrantXP:
			if c.tools != nil {
				c.tools.GrantXP(t.Amount)
			}
			resp.Response = map[string]any{"result": "XP granted"}
			c.metrics.RecordToolCall(inv.Name, "ok")
		case SetTopic:
			if c.tools != nil {
				c.tools.SetTopic(t.Topic)
			}
			resp.Response = map[string]any{"result": "Topic updated on screen"}
			c.metrics.RecordToolCall(inv.Name, "ok")
		case UnsupportedTool:
			err := apperr.New(apperr.ErrUnsupportedTool, "tool call", fmt.Errorf("%q", t.Name))
			c.logger.Warn("rejecting tool call", "tool", t.Name, "id", inv.ID, "error", err)
			resp.Response = map[string]any{"error": "unsupported tool: " + t.Name}
			c.metrics.RecordToolCall("unsupported", "rejected")
		}
		responses = append(responses, resp)
	}

	return responses
}

func (c *Controller) playPayload(payload string) {
	buf, err := audio.DecodePayload(payload, audio.OutputSampleRate, 1)
	if err != nil {
		c.metrics.RecordDecodeError()
		c.logger.Warn("dropping malformed audio payload", "error", err, "bytes", len(payload))
		return
	}
	if buf.Frames() == 0 {
		return
	}

	c.scheduler.Enqueue(buf)
	c.metrics.RecordPlayback(buf.Duration().Seconds())

	// First buffer of a burst.
	c.setStateIf(StateConnected, StateSpeaking)
}

func (c *Controller) handlePlaybackIdle() {
	c.leaveSpeaking()
}

func (c *Controller) leaveSpeaking() {
	c.setStateIf(StateSpeaking, StateConnected)
}

func (c *Controller) handleClose(sess *activeSession, err error) {
	if !c.deactivate(sess) {
		return
	}

	// This runs on the transport's read goroutine; closing the transport
	// here would wait on ourselves.
	c.release(sess, true)

	if err != nil {
		c.logger.Error("live session failed", "error", err)
		c.setStatus(fmt.Sprintf("Connection error: %v", err))
	} else {
		c.logger.Info("live session closed by endpoint")
		c.setStatus(StatusLeft)
	}
	c.notice("Teacher Wei left the class.")
}

// fail tears down sess after a local error during setup.
func (c *Controller) fail(sess *activeSession, err error) {
	if !c.deactivate(sess) {
		return
	}
	c.release(sess, true)
	c.setStatus(fmt.Sprintf("Connection error: %v", err))
}

// deactivate clears sess if it is still the active session, closes the gate,
// drops queued playback and moves to Disconnected.
func (c *Controller) deactivate(sess *activeSession) bool {
	c.mu.Lock()
	if sess == nil || c.active != sess {
		c.mu.Unlock()
		return false
	}
	c.active = nil
	c.gate.SetConnected(false)
	c.scheduler.StopAll()
	changed := c.swapStateLocked(StateDisconnected)
	c.mu.Unlock()

	if changed {
		c.emitState(StateDisconnected)
	}
	return true
}

// Disconnect closes the live session. It is safe to call at any time,
// including before any successful Connect.
func (c *Controller) Disconnect() {
	wasActive := c.teardown()
	c.setStatus(StatusDisconnected)
	if wasActive {
		c.notice("Teacher Wei left the class.")
	}
}

// teardown detaches the active session and waits for capture and transport
// to stop. It reports whether a session was active.
func (c *Controller) teardown() bool {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()

	if !c.deactivate(sess) {
		c.mu.Lock()
		c.gate.SetConnected(false)
		c.scheduler.StopAll()
		changed := c.swapStateLocked(StateDisconnected)
		c.mu.Unlock()
		if changed {
			c.emitState(StateDisconnected)
		}
		return false
	}

	c.logger.Info("tearing down live session")
	c.release(sess, false)
	return sess.attached
}

// release closes the transport of a session that is no longer active, then
// stops capture. Closing the transport first unblocks a sender stuck in a
// write. async runs both in the background.
func (c *Controller) release(sess *activeSession, async bool) {
	c.mu.Lock()
	capture := sess.capture
	transport := sess.transport
	sess.capture = nil
	sess.transport = nil
	c.mu.Unlock()

	stop := func() {
		if transport != nil {
			if err := transport.Close(); err != nil {
				c.logger.Debug("error closing live transport", "error", err)
			}
		}
		if capture != nil {
			capture.Close()
		}
	}
	if async {
		go stop()
		return
	}
	stop()
}

// swapStateLocked sets the state and reports whether it changed. c.mu must be held.
func (c *Controller) swapStateLocked(s State) bool {
	changed := c.state != s
	c.state = s
	return changed
}

func (c *Controller) setStateIf(from, to State) {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	c.emitState(to)
}

func (c *Controller) emitState(s State) {
	c.logger.Debug("session state changed", "state", s.String())
	c.metrics.SetSessionState(int(s))
	if c.observer != nil {
		c.observer.StateChanged(s)
	}
}

func (c *Controller) setStatus(text string) {
	c.mu.Lock()
	c.status = text
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.StatusChanged(text)
	}
}

func (c *Controller) notice(text string) {
	if c.observer != nil {
		c.observer.Notice(text)
	}
}

// meteredSender counts blocks that reach the transport.
type meteredSender struct {
	transport Transport
	metrics   *metrics.Metrics
}

func (s *meteredSender) SendAudio(blob audio.Blob) error {
	if err := s.transport.SendAudio(blob); err != nil {
		return err
	}
	s.metrics.RecordAudioBlockSent()
	return nil
}
