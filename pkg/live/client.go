package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/live_classroom_go/pkg/apperr"
	"github.com/silviot/live_classroom_go/pkg/audio"
)

const (
	DefaultURL   = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice = "Kore"
)

// Handlers receive session events. They are invoked from the read goroutine,
// so they must not call Close synchronously.
type Handlers struct {
	OnOpen    func()
	OnMessage func(*ServerMessage)
	// OnClose receives nil when the server closed the session normally.
	OnClose func(err error)
}

// Config holds live client configuration.
type Config struct {
	URL              string
	APIKey           string
	Model            string
	Voice            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           *slog.Logger
}

// SessionOptions describe one conversation.
type SessionOptions struct {
	SystemInstruction string
	Tools             []FunctionDeclaration
}

// Client manages one websocket session with the live endpoint.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	conn     *websocket.Conn
	mu       sync.Mutex
	writeMu  sync.Mutex
	handlers Handlers
	closing  bool
	open     bool
	wg       sync.WaitGroup
}

// NewClient creates a live client.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Connect dials the endpoint, sends the setup frame and starts reading.
// OnOpen fires once the server acknowledges the setup.
func (c *Client) Connect(ctx context.Context, opts SessionOptions, h Handlers) error {
	if c.cfg.APIKey == "" {
		return apperr.Configuration("live connect", "missing Gemini API key")
	}

	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return apperr.Configuration("live connect", "invalid live url %q: %v", c.cfg.URL, err)
	}
	q := endpoint.Query()
	q.Set("key", c.cfg.APIKey)
	endpoint.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		c.logger.Error("failed to connect to live endpoint", "url", c.cfg.URL, "error", err)
		return apperr.Transport("live connect", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.handlers = h
	c.mu.Unlock()

	if err := c.write(ClientMessage{Setup: c.buildSetup(opts)}); err != nil {
		conn.Close()
		return apperr.Transport("live setup", err)
	}

	c.logger.Info("connected to live endpoint", "model", c.cfg.Model)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

func (c *Client) buildSetup(opts SessionOptions) *Setup {
	model := c.cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	setup := &Setup{
		Model: model,
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &SpeechConfig{
				VoiceConfig: VoiceConfig{PrebuiltVoiceConfig: PrebuiltVoiceConfig{VoiceName: c.cfg.Voice}},
			},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if opts.SystemInstruction != "" {
		setup.SystemInstruction = &Content{Parts: []Part{{Text: opts.SystemInstruction}}}
	}
	if len(opts.Tools) > 0 {
		setup.Tools = []Tool{{FunctionDeclarations: opts.Tools}}
	}
	return setup
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.open = false
			onClose := c.handlers.OnClose
			c.mu.Unlock()

			if closing {
				return
			}
			if isNormalClose(err) {
				c.logger.Info("live session closed by server")
				err = nil
			} else {
				c.logger.Error("live read error", "error", err)
				err = apperr.Transport("live read", err)
			}
			if onClose != nil {
				onClose(err)
			}
			return
		}

		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("failed to parse live message", "error", err, "bytes", len(data))
			continue
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		h := c.handlers
		opened := false
		if msg.SetupComplete != nil && !c.open {
			c.open = true
			opened = true
		}
		c.mu.Unlock()

		if opened {
			c.logger.Debug("live setup complete")
			if h.OnOpen != nil {
				h.OnOpen()
			}
		}
		if msg.GoAway != nil {
			c.logger.Warn("live endpoint going away", "timeLeft", msg.GoAway.TimeLeft)
		}
		if h.OnMessage != nil && (msg.ServerContent != nil || msg.ToolCall != nil) {
			h.OnMessage(&msg)
		}
	}
}

func (c *Client) write(msg ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	closing := c.closing
	c.mu.Unlock()

	if conn == nil || closing {
		return fmt.Errorf("not connected to live endpoint")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendAudio streams one microphone block.
func (c *Client) SendAudio(blob audio.Blob) error {
	if err := c.write(ClientMessage{RealtimeInput: &RealtimeInput{MediaChunks: []audio.Blob{blob}}}); err != nil {
		return apperr.Transport("live send audio", err)
	}
	return nil
}

// SendToolResponse answers a tool call batch with one frame.
func (c *Client) SendToolResponse(responses []FunctionResponse) error {
	if err := c.write(ClientMessage{ToolResponse: &ToolResponse{FunctionResponses: responses}}); err != nil {
		return apperr.Transport("live send tool response", err)
	}
	return nil
}

// IsOpen reports whether the setup was acknowledged and the socket is alive.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closing
}

// Close closes the session. No handler fires after Close returns. It does
// not wait for a pending write; closing the socket fails that write.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.open = false
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		// WriteControl and Close may run concurrently with WriteMessage.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}

	c.wg.Wait()
	return nil
}

func isNormalClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent)
}
