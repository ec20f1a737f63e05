package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the Prometheus collectors for the classroom.
// All Record methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// Live session metrics
	SessionConnects    *prometheus.CounterVec
	SessionState       prometheus.Gauge
	AudioBlocksSent    prometheus.Counter
	AudioBuffersPlayed prometheus.Counter
	PlaybackSeconds    prometheus.Counter
	DecodeErrors       prometheus.Counter
	ToolCalls          *prometheus.CounterVec

	// Mesh metrics
	PeersActive  prometheus.Gauge
	PeerFailures *prometheus.CounterVec
	ChatMessages *prometheus.CounterVec

	// Signaling server metrics
	SignalingClients  prometheus.Gauge
	SignalingMessages *prometheus.CounterVec

	// Tutor collaborator metrics
	TutorRequests *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionConnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classroom_session_connects_total",
			Help: "Live session connection attempts by outcome",
		}, []string{"outcome"}),
		SessionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "classroom_session_state",
			Help: "Current live session state (0 disconnected, 1 connecting, 2 connected, 3 speaking)",
		}),
		AudioBlocksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "classroom_audio_blocks_sent_total",
			Help: "Microphone blocks sent to the live endpoint",
		}),
		AudioBuffersPlayed: f.NewCounter(prometheus.CounterOpts{
			Name: "classroom_audio_buffers_scheduled_total",
			Help: "Decoded output buffers scheduled for playback",
		}),
		PlaybackSeconds: f.NewCounter(prometheus.CounterOpts{
			Name: "classroom_playback_seconds_total",
			Help: "Seconds of audio scheduled for playback",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "classroom_decode_errors_total",
			Help: "Inbound audio payloads dropped because they failed to decode",
		}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classroom_tool_calls_total",
			Help: "Tool invocations by name and outcome",
		}, []string{"tool", "outcome"}),

		PeersActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "classroom_peers_active",
			Help: "Remote participants currently in the roster",
		}),
		PeerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classroom_peer_failures_total",
			Help: "Peer call or link failures by kind",
		}, []string{"kind"}),
		ChatMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classroom_chat_messages_total",
			Help: "Chat messages by direction",
		}, []string{"direction"}),

		SignalingClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "classroom_signaling_clients",
			Help: "Peers connected to the signaling server",
		}),
		SignalingMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classroom_signaling_messages_total",
			Help: "Signaling messages relayed by type",
		}, []string{"type"}),

		TutorRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "classroom_tutor_requests_total",
			Help: "Scoring and speech synthesis requests by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordConnect counts a connection attempt.
func (m *Metrics) RecordConnect(outcome string) {
	if m == nil {
		return
	}
	m.SessionConnects.WithLabelValues(outcome).Inc()
}

// SetSessionState publishes the numeric session state.
func (m *Metrics) SetSessionState(state int) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(state))
}

// RecordAudioBlockSent counts one outbound microphone block.
func (m *Metrics) RecordAudioBlockSent() {
	if m == nil {
		return
	}
	m.AudioBlocksSent.Inc()
}

// RecordPlayback counts one scheduled output buffer.
func (m *Metrics) RecordPlayback(seconds float64) {
	if m == nil {
		return
	}
	m.AudioBuffersPlayed.Inc()
	m.PlaybackSeconds.Add(seconds)
}

// RecordDecodeError counts a dropped inbound payload.
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordToolCall counts one tool invocation.
func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

// SetPeersActive publishes the roster size.
func (m *Metrics) SetPeersActive(n int) {
	if m == nil {
		return
	}
	m.PeersActive.Set(float64(n))
}

// RecordPeerFailure counts a failed call or link.
func (m *Metrics) RecordPeerFailure(kind string) {
	if m == nil {
		return
	}
	m.PeerFailures.WithLabelValues(kind).Inc()
}

// RecordChat counts a chat message ("sent", "received" or "dropped").
func (m *Metrics) RecordChat(direction string) {
	if m == nil {
		return
	}
	m.ChatMessages.WithLabelValues(direction).Inc()
}

// SetSignalingClients publishes the number of signaling connections.
func (m *Metrics) SetSignalingClients(n int) {
	if m == nil {
		return
	}
	m.SignalingClients.Set(float64(n))
}

// RecordSignalingMessage counts one relayed signaling message.
func (m *Metrics) RecordSignalingMessage(msgType string) {
	if m == nil {
		return
	}
	m.SignalingMessages.WithLabelValues(msgType).Inc()
}

// RecordTutorRequest counts one collaborator request.
func (m *Metrics) RecordTutorRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.TutorRequests.WithLabelValues(kind, outcome).Inc()
}
