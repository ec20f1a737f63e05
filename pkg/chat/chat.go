// Package chat keeps the local message log and fans outgoing messages out
// to every open data link.
package chat

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silviot/live_classroom_go/pkg/apperr"
	"github.com/silviot/live_classroom_go/pkg/metrics"
)

const (
	// FrameType tags chat frames on a data link.
	FrameType = "CHAT"

	// SystemSender is the sender id of local notices.
	SystemSender = "system"
)

// Envelope is one chat message.
type Envelope struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	System    bool   `json:"isSystem,omitempty"`
}

// Time returns the timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

type frame struct {
	Type    string   `json:"type"`
	Payload Envelope `json:"payload"`
}

// Link is one outbound data link.
type Link interface {
	PeerID() string
	IsOpen() bool
	Send(data []byte) error
}

// LinkSet yields the links a message is broadcast over.
type LinkSet interface {
	Links() []Link
}

// LinkSetFunc adapts a function to LinkSet.
type LinkSetFunc func() []Link

func (f LinkSetFunc) Links() []Link { return f() }

// Config holds relay configuration.
type Config struct {
	Links     LinkSet
	OnMessage func(Envelope)
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Relay is the chat log of one participant. Logs of different
// participants are not reconciled and may diverge.
type Relay struct {
	links     LinkSet
	onMessage func(Envelope)
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	selfID string
	log    []Envelope
}

// NewRelay creates an empty relay.
func NewRelay(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		links:     cfg.Links,
		onMessage: cfg.OnMessage,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// SetSelfID sets the sender id stamped on outgoing messages.
func (r *Relay) SetSelfID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = id
}

// Send appends text to the log and sends it to every open link. Links that
// are closed miss the message; send failures are only logged.
func (r *Relay) Send(text string) Envelope {
	r.mu.Lock()
	sender := r.selfID
	r.mu.Unlock()

	env := r.appendNew(sender, text, false)
	r.metrics.RecordChat("out")

	if r.links == nil {
		return env
	}

	data, err := json.Marshal(frame{Type: FrameType, Payload: env})
	if err != nil {
		r.logger.Error("failed to encode chat frame", "error", err)
		return env
	}

	sent := 0
	for _, link := range r.links.Links() {
		if !link.IsOpen() {
			continue
		}
		if err := link.Send(data); err != nil {
			r.logger.Warn("failed to send chat message", "peerID", link.PeerID(), "error", err)
			continue
		}
		sent++
	}
	r.logger.Debug("chat message sent", "id", env.ID, "links", sent)

	return env
}

// Receive appends a message from a peer as-is.
func (r *Relay) Receive(env Envelope) {
	r.append(env)
	r.metrics.RecordChat("in")
}

// HandleFrame decodes the payload of a CHAT frame and receives it.
func (r *Relay) HandleFrame(from string, payload json.RawMessage) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("dropping malformed chat frame", "peerID", from, "error", apperr.Decode("chat frame", err))
		return
	}
	r.Receive(env)
}

// Notice appends a local system message. Notices are never transmitted.
func (r *Relay) Notice(text string) Envelope {
	return r.appendNew(SystemSender, text, true)
}

// Post appends a local message attributed to senderID without sending it.
func (r *Relay) Post(senderID, text string) Envelope {
	return r.appendNew(senderID, text, false)
}

// History returns a copy of the log in append order.
func (r *Relay) History() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.log))
	copy(out, r.log)
	return out
}

func (r *Relay) appendNew(sender, text string, system bool) Envelope {
	env := Envelope{
		ID:        uuid.NewString(),
		SenderID:  sender,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		System:    system,
	}
	r.append(env)
	return env
}

func (r *Relay) append(env Envelope) {
	r.mu.Lock()
	r.log = append(r.log, env)
	r.mu.Unlock()

	if r.onMessage != nil {
		r.onMessage(env)
	}
}
