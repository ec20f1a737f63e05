package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/silviot/live_classroom_go/pkg/apperr"
	"github.com/silviot/live_classroom_go/pkg/metrics"
	"github.com/silviot/live_classroom_go/pkg/signaling"
)

const (
	// DefaultName is shown for participants that did not announce a name.
	DefaultName = "Classmate"
	// DefaultLevel is assumed for participants that did not announce a level.
	DefaultLevel = 1

	dataChannelLabel = "chat"
)

// Signaler is the rendezvous connection the mesh negotiates over.
type Signaler interface {
	Connect(ctx context.Context) (string, error)
	Send(msg signaling.Message) error
	MessageChan() <-chan signaling.Message
	// ErrorChan reports why the connection dropped, before MessageChan closes.
	ErrorChan() <-chan error
	Close() error
}

// TURNServer holds TURN server credentials.
type TURNServer struct {
	URL        string
	Username   string
	Credential string
}

// Config holds mesh configuration.
type Config struct {
	STUNServers []string
	TURNServers []TURNServer
	// IncludeLoopback gathers loopback candidates, for single-host classes.
	IncludeLoopback bool

	Signaler Signaler
	Self     signaling.Metadata

	OnParticipantJoined func(Participant)
	OnParticipantLeft   func(Participant)
	// OnSignalingLost fires when the rendezvous connection drops while
	// joined. Established calls and links keep running.
	OnSignalingLost func(error)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// FrameHandler receives an application frame from a data link.
type FrameHandler func(from string, payload json.RawMessage)

// Frame is the envelope of every data link message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// connection is one PeerConnection, carrying either a media call or a data
// link with one remote peer.
type connection struct {
	id     string
	peerID string
	kind   signaling.ConnectionKind
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	meta      signaling.Metadata
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	stream    *RemoteStream
	link      *DataLink
	closed    bool
}

func (c *connection) metadata() signaling.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// DataLink is an open data channel to one peer.
type DataLink struct {
	connectionID string
	peerID       string
	dc           *webrtc.DataChannel
	open         atomic.Bool
}

// PeerID returns the remote peer id.
func (l *DataLink) PeerID() string { return l.peerID }

// IsOpen reports whether the channel can carry messages.
func (l *DataLink) IsOpen() bool {
	return l.open.Load() && l.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send writes one text frame.
func (l *DataLink) Send(data []byte) error {
	return l.dc.SendText(string(data))
}

// Mesh keeps one media call and one data link per remote participant, each
// on its own PeerConnection, and tracks who is in the class.
type Mesh struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	api       *webrtc.API
	rtcConfig webrtc.Configuration
	signaler  Signaler
	roster    *Roster

	mu       sync.Mutex
	selfID   string
	local    *LocalMedia
	conns    map[string]*connection
	links    map[string]*DataLink
	handlers map[string]FrameHandler
	joined   bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a mesh. Nothing is negotiated until Join.
func New(cfg Config) (*Mesh, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Signaler == nil {
		return nil, apperr.Configuration("mesh", "signaling client is required")
	}

	var iceServers []webrtc.ICEServer
	for _, stun := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{stun}})
	}
	for _, turn := range cfg.TURNServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       []string{turn.URL},
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetReceiveMTU(16384)
	settingEngine.SetSRTPReplayProtectionWindow(1024)
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	ctx, cancel := context.WithCancel(context.Background())

	return &Mesh{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		rtcConfig: webrtc.Configuration{ICEServers: iceServers},
		signaler:  cfg.Signaler,
		roster:    NewRoster(),
		conns:     make(map[string]*connection),
		links:     make(map[string]*DataLink),
		handlers:  make(map[string]FrameHandler),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Roster returns the remote participants.
func (m *Mesh) Roster() *Roster {
	return m.roster
}

// SelfID returns the id issued by the rendezvous server.
func (m *Mesh) SelfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

// HandleFrame registers fn for data link frames of frameType.
func (m *Mesh) HandleFrame(frameType string, fn FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[frameType] = fn
}

// Links returns the currently open data links.
func (m *Mesh) Links() []*DataLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(lo.Values(m.links), func(l *DataLink, _ int) bool { return l.IsOpen() })
}

// Join registers with the rendezvous server. With an empty rendezvousID this
// peer hosts and waits for inbound calls; otherwise it calls the host and
// opens a data link to it.
func (m *Mesh) Join(ctx context.Context, local *LocalMedia, rendezvousID string) (string, error) {
	m.mu.Lock()
	if m.joined || m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("mesh already joined")
	}
	m.joined = true
	m.local = local
	m.mu.Unlock()

	id, err := m.signaler.Connect(ctx)
	if err != nil {
		m.mu.Lock()
		m.joined = false
		m.mu.Unlock()
		return "", apperr.Transport("join class", err)
	}

	m.mu.Lock()
	m.selfID = id
	m.mu.Unlock()

	m.logger.Info("joined class", "peerID", id, "host", rendezvousID == "")

	m.wg.Add(1)
	go m.dispatchLoop(m.signaler.MessageChan(), m.signaler.ErrorChan())

	if rendezvousID != "" {
		if err := m.Call(rendezvousID); err != nil {
			m.logger.Error("failed to call host", "host", rendezvousID, "error", err)
		}
		if err := m.Connect(rendezvousID); err != nil {
			m.logger.Error("failed to open data link to host", "host", rendezvousID, "error", err)
		}
	}

	return id, nil
}

// Call places a media call to peerID.
func (m *Mesh) Call(peerID string) error {
	conn, err := m.newConnection("mc_"+uuid.NewString(), peerID, signaling.KindMedia, signaling.Metadata{})
	if err != nil {
		return err
	}
	if err := m.addLocalMedia(conn); err != nil {
		m.fail(conn, err)
		return err
	}
	return m.sendOffer(conn, m.cfg.Self)
}

// Connect opens a data link to peerID.
func (m *Mesh) Connect(peerID string) error {
	conn, err := m.newConnection("dc_"+uuid.NewString(), peerID, signaling.KindData, signaling.Metadata{})
	if err != nil {
		return err
	}

	ordered := true
	dc, err := conn.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		err = apperr.PeerConnection("create data channel", err)
		m.fail(conn, err)
		return err
	}
	m.bindDataChannel(conn, dc)

	return m.sendOffer(conn, signaling.Metadata{Name: m.cfg.Self.Name})
}

func (m *Mesh) sendOffer(conn *connection, meta signaling.Metadata) error {
	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		err = apperr.PeerConnection("create offer", err)
		m.fail(conn, err)
		return err
	}
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		err = apperr.PeerConnection("set local description", err)
		m.fail(conn, err)
		return err
	}

	err = m.signaler.Send(signaling.Message{
		Type: signaling.TypeOffer,
		Dst:  conn.peerID,
		Payload: &signaling.Payload{
			ConnectionID: conn.id,
			Kind:         conn.kind,
			SDP:          &offer,
			Metadata:     &meta,
		},
	})
	if err != nil {
		err = apperr.Transport("send offer", err)
		m.fail(conn, err)
		return err
	}

	m.logger.Debug("sent offer", "peerID", conn.peerID, "connectionID", conn.id, "kind", conn.kind)
	return nil
}

// newConnection creates and registers a PeerConnection for one call or link.
func (m *Mesh) newConnection(id, peerID string, kind signaling.ConnectionKind, meta signaling.Metadata) (*connection, error) {
	pc, err := m.api.NewPeerConnection(m.rtcConfig)
	if err != nil {
		m.metrics.RecordPeerFailure("create")
		return nil, apperr.PeerConnection("create peer connection", err)
	}

	conn := &connection{id: id, peerID: peerID, kind: kind, pc: pc, meta: meta}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		pc.Close()
		return nil, fmt.Errorf("mesh closed")
	}
	m.conns[id] = conn
	m.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		err := m.signaler.Send(signaling.Message{
			Type: signaling.TypeCandidate,
			Dst:  peerID,
			Payload: &signaling.Payload{
				ConnectionID: id,
				Kind:         kind,
				Candidate:    &init,
			},
		})
		if err != nil {
			m.logger.Debug("failed to send candidate", "peerID", peerID, "error", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.logger.Info("remote track received",
			"peerID", peerID,
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		stream := newRemoteStream(peerID, track, m.logger)
		stream.start()
		m.onRemoteStream(conn, stream)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug("peer connection state changed", "peerID", peerID, "connectionID", id, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			m.metrics.RecordPeerFailure("ice")
			go m.closeConnection(conn, "failed")
		}
	})

	return conn, nil
}

func (m *Mesh) addLocalMedia(conn *connection) error {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()

	if local == nil {
		_, err := conn.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return apperr.PeerConnection("add transceiver", err)
		}
		return nil
	}

	sender, err := conn.pc.AddTrack(local.Track())
	if err != nil {
		return apperr.PeerConnection("add local track", err)
	}

	// RTCP has to be drained for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// onRemoteStream registers the caller the first time one of its calls
// yields a stream. Later calls from the same peer do not add entries.
func (m *Mesh) onRemoteStream(conn *connection, stream *RemoteStream) {
	conn.mu.Lock()
	conn.stream = stream
	meta := conn.meta
	conn.mu.Unlock()

	p := Participant{
		ID:           conn.peerID,
		Name:         lo.Ternary(meta.Name != "", meta.Name, DefaultName),
		Role:         RoleRemote,
		Level:        lo.Ternary(meta.Level > 0, meta.Level, DefaultLevel),
		JoinedAt:     time.Now(),
		Stream:       stream,
		connectionID: conn.id,
	}

	if !m.roster.Add(p) {
		m.logger.Debug("participant already in roster", "peerID", conn.peerID, "connectionID", conn.id)
		return
	}

	m.metrics.SetPeersActive(m.roster.Len())
	m.logger.Info("participant joined", "peerID", p.ID, "name", p.Name, "level", p.Level)
	if m.cfg.OnParticipantJoined != nil {
		m.cfg.OnParticipantJoined(p)
	}
}

func (m *Mesh) bindDataChannel(conn *connection, dc *webrtc.DataChannel) {
	link := &DataLink{connectionID: conn.id, peerID: conn.peerID, dc: dc}

	conn.mu.Lock()
	conn.link = link
	conn.mu.Unlock()

	dc.OnOpen(func() {
		link.open.Store(true)
		m.mu.Lock()
		if _, live := m.conns[conn.id]; live {
			m.links[conn.id] = link
		}
		m.mu.Unlock()
		m.logger.Info("data link open", "peerID", conn.peerID, "connectionID", conn.id)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.dispatchFrame(conn.peerID, msg.Data)
	})

	dc.OnClose(func() {
		link.open.Store(false)
		go m.closeConnection(conn, "data link closed")
	})
}

func (m *Mesh) dispatchFrame(from string, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.logger.Debug("ignoring malformed frame", "peerID", from, "error", err)
		return
	}

	m.mu.Lock()
	fn := m.handlers[frame.Type]
	m.mu.Unlock()

	if fn == nil {
		m.logger.Debug("no handler for frame", "peerID", from, "type", frame.Type)
		return
	}
	fn(from, frame.Payload)
}

func (m *Mesh) dispatchLoop(msgs <-chan signaling.Message, errs <-chan error) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if m.ctx.Err() != nil {
					return
				}
				var err error
				select {
				case err = <-errs:
				default:
				}
				m.signalingLost(err)
				return
			}
			m.handleSignal(msg)
		}
	}
}

func (m *Mesh) signalingLost(err error) {
	m.logger.Error("signaling connection lost", "error", err)
	m.metrics.RecordPeerFailure("signaling")
	if m.cfg.OnSignalingLost != nil {
		m.cfg.OnSignalingLost(err)
	}
}

func (m *Mesh) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeOffer:
		m.handleOffer(msg)
	case signaling.TypeAnswer:
		m.handleAnswer(msg)
	case signaling.TypeCandidate:
		m.handleCandidate(msg)
	case signaling.TypeLeave:
		m.handleLeave(msg.Src)
	case signaling.TypeExpire:
		if conn := m.lookup(msg); conn != nil {
			m.logger.Warn("peer unreachable", "peerID", msg.Src, "connectionID", conn.id)
			m.metrics.RecordPeerFailure("expired")
			m.closeConnection(conn, "expired")
		}
	case signaling.TypeError:
		m.logger.Warn("signaling error", "msg", payloadMsg(msg))
	default:
		m.logger.Debug("ignoring signaling message", "type", msg.Type)
	}
}

func payloadMsg(msg signaling.Message) string {
	if msg.Payload == nil {
		return ""
	}
	return msg.Payload.Msg
}

func (m *Mesh) lookup(msg signaling.Message) *connection {
	if msg.Payload == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[msg.Payload.ConnectionID]
}

// handleOffer answers an inbound call or data link automatically.
func (m *Mesh) handleOffer(msg signaling.Message) {
	p := msg.Payload
	if p == nil || p.SDP == nil || p.ConnectionID == "" {
		m.logger.Warn("offer without session description", "peerID", msg.Src)
		return
	}

	var meta signaling.Metadata
	if p.Metadata != nil {
		meta = *p.Metadata
	}

	conn, err := m.newConnection(p.ConnectionID, msg.Src, p.Kind, meta)
	if err != nil {
		m.logger.Error("failed to accept connection", "peerID", msg.Src, "error", err)
		return
	}

	answerMeta := signaling.Metadata{Name: m.cfg.Self.Name}
	switch p.Kind {
	case signaling.KindData:
		conn.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.bindDataChannel(conn, dc)
		})
	default:
		answerMeta = m.cfg.Self
		if err := m.addLocalMedia(conn); err != nil {
			m.fail(conn, err)
			return
		}
	}

	if err := conn.pc.SetRemoteDescription(*p.SDP); err != nil {
		m.fail(conn, apperr.PeerConnection("set remote description", err))
		return
	}
	m.flushCandidates(conn)

	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		m.fail(conn, apperr.PeerConnection("create answer", err))
		return
	}
	if err := conn.pc.SetLocalDescription(answer); err != nil {
		m.fail(conn, apperr.PeerConnection("set local description", err))
		return
	}

	err = m.signaler.Send(signaling.Message{
		Type: signaling.TypeAnswer,
		Dst:  msg.Src,
		Payload: &signaling.Payload{
			ConnectionID: conn.id,
			Kind:         conn.kind,
			SDP:          &answer,
			Metadata:     &answerMeta,
		},
	})
	if err != nil {
		m.fail(conn, apperr.Transport("send answer", err))
		return
	}

	m.logger.Info("answered", "peerID", msg.Src, "connectionID", conn.id, "kind", conn.kind, "name", meta.Name)
}

func (m *Mesh) handleAnswer(msg signaling.Message) {
	conn := m.lookup(msg)
	if conn == nil || conn.peerID != msg.Src || msg.Payload.SDP == nil {
		m.logger.Debug("ignoring answer", "peerID", msg.Src)
		return
	}

	if msg.Payload.Metadata != nil {
		conn.mu.Lock()
		conn.meta = *msg.Payload.Metadata
		conn.mu.Unlock()
	}

	if err := conn.pc.SetRemoteDescription(*msg.Payload.SDP); err != nil {
		m.fail(conn, apperr.PeerConnection("set remote description", err))
		return
	}
	m.flushCandidates(conn)
}

// handleCandidate applies a candidate, or queues it until the remote
// description is known.
func (m *Mesh) handleCandidate(msg signaling.Message) {
	conn := m.lookup(msg)
	if conn == nil || msg.Payload.Candidate == nil {
		return
	}

	conn.mu.Lock()
	if !conn.remoteSet {
		conn.pending = append(conn.pending, *msg.Payload.Candidate)
		conn.mu.Unlock()
		return
	}
	conn.mu.Unlock()

	if err := conn.pc.AddICECandidate(*msg.Payload.Candidate); err != nil {
		m.logger.Debug("failed to add candidate", "peerID", conn.peerID, "error", err)
	}
}

func (m *Mesh) flushCandidates(conn *connection) {
	conn.mu.Lock()
	conn.remoteSet = true
	pending := conn.pending
	conn.pending = nil
	conn.mu.Unlock()

	for _, c := range pending {
		if err := conn.pc.AddICECandidate(c); err != nil {
			m.logger.Debug("failed to add queued candidate", "peerID", conn.peerID, "error", err)
		}
	}
}

func (m *Mesh) handleLeave(peerID string) {
	m.mu.Lock()
	conns := lo.Filter(lo.Values(m.conns), func(c *connection, _ int) bool { return c.peerID == peerID })
	m.mu.Unlock()

	m.logger.Info("peer left", "peerID", peerID, "connections", len(conns))
	for _, conn := range conns {
		m.closeConnection(conn, "peer left")
	}
}

// fail isolates a negotiation failure to its own connection.
func (m *Mesh) fail(conn *connection, err error) {
	kind := "negotiation"
	if errors.Is(err, apperr.ErrTransport) {
		kind = "signaling"
	}
	m.metrics.RecordPeerFailure(kind)
	m.logger.Error("peer connection failed", "peerID", conn.peerID, "connectionID", conn.id, "error", err)
	m.closeConnection(conn, "failed")
}

// closeConnection tears down one call or link. A media call that produced
// the participant's roster entry removes it.
func (m *Mesh) closeConnection(conn *connection, reason string) {
	m.mu.Lock()
	delete(m.conns, conn.id)
	delete(m.links, conn.id)
	m.mu.Unlock()

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	stream := conn.stream
	conn.mu.Unlock()

	if err := conn.pc.Close(); err != nil {
		m.logger.Debug("error closing peer connection", "peerID", conn.peerID, "error", err)
	}
	if stream != nil {
		stream.Close()
	}

	m.logger.Debug("connection closed", "peerID", conn.peerID, "connectionID", conn.id, "kind", conn.kind, "reason", reason)

	if conn.kind != signaling.KindMedia {
		return
	}
	if p, ok := m.roster.removeForConnection(conn.peerID, conn.id); ok {
		m.metrics.SetPeersActive(m.roster.Len())
		m.logger.Info("participant left", "peerID", p.ID, "name", p.Name)
		if m.cfg.OnParticipantLeft != nil {
			m.cfg.OnParticipantLeft(p)
		}
	}
}

// Leave tells every connected peer goodbye, closes all connections and the
// rendezvous connection. It is safe before Join and when called twice.
func (m *Mesh) Leave() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	joined := m.joined
	conns := lo.Values(m.conns)
	m.mu.Unlock()

	if joined {
		peers := lo.Uniq(lo.Map(conns, func(c *connection, _ int) string { return c.peerID }))
		for _, peerID := range peers {
			if err := m.signaler.Send(signaling.Message{Type: signaling.TypeLeave, Dst: peerID}); err != nil {
				m.logger.Debug("failed to send leave", "peerID", peerID, "error", err)
			}
		}
	}

	for _, conn := range conns {
		m.closeConnection(conn, "leaving")
	}

	m.cancel()
	if err := m.signaler.Close(); err != nil {
		m.logger.Debug("error closing signaling client", "error", err)
	}
	m.wg.Wait()

	m.roster.Clear()
	m.metrics.SetPeersActive(0)
	m.logger.Info("left class")
}
