package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/silviot/live_classroom_go/pkg/metrics"
)

// Path is where the server accepts peer websockets.
const Path = "/peerjs"

// ServerConfig holds rendezvous server configuration.
type ServerConfig struct {
	ListenAddr  string
	IdleTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// peerConn is one registered peer.
type peerConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peerConn) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Server issues peer ids and relays negotiation messages between peers.
// It never inspects SDP or candidates.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu    sync.Mutex
	peers map[string]*peerConn
}

// NewServer creates a rendezvous server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*peerConn),
	}
}

// Handler returns the HTTP routes: the peer websocket and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Listen binds the listen address. It is split from Serve so callers learn
// the bound address before serving.
func (s *Server) Listen() (net.Addr, error) {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener
	return listener.Addr(), nil
}

// Serve serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, extra ...func(*http.ServeMux)) error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", s.Handler())
	for _, fn := range extra {
		fn(mux)
	}
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("signaling server started", "addr", s.listener.Addr().String())
		errCh <- s.server.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeAll()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"peers":  s.PeerCount(),
	})
}

// handleWebSocket registers a peer and relays its messages until it leaves.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}
	peer := &peerConn{id: id, conn: conn}

	if !s.register(peer) {
		s.logger.Warn("peer id already taken", "peerID", id)
		peer.send(Message{Type: TypeIDTaken, Payload: &Payload{Msg: "ID is taken"}})
		conn.Close()
		return
	}

	defer func() {
		s.unregister(peer)
		conn.Close()
	}()

	if err := peer.send(Message{Type: TypeOpen, Dst: id}); err != nil {
		s.logger.Error("failed to send open", "peerID", id, "error", err)
		return
	}
	s.logger.Info("peer connected", "peerID", id)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("peer read error", "peerID", id, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("failed to parse message", "peerID", id, "error", err)
			peer.send(Message{Type: TypeError, Payload: &Payload{Msg: "invalid message"}})
			continue
		}

		s.route(peer, msg)
	}
}

func (s *Server) route(from *peerConn, msg Message) {
	if msg.Type == TypeHeartbeat {
		return
	}
	if !msg.Type.relayable() {
		s.logger.Debug("ignoring message", "peerID", from.id, "type", msg.Type)
		return
	}

	// The sender cannot spoof its source.
	msg.Src = from.id
	s.metrics.RecordSignalingMessage(string(msg.Type))

	s.mu.Lock()
	to := s.peers[msg.Dst]
	s.mu.Unlock()

	if to == nil {
		if msg.Type == TypeLeave {
			return
		}
		s.logger.Debug("destination not connected", "src", from.id, "dst", msg.Dst, "type", msg.Type)
		from.send(Message{Type: TypeExpire, Src: msg.Dst, Payload: &Payload{
			Msg:          fmt.Sprintf("could not send %s to peer %s", msg.Type, msg.Dst),
			ConnectionID: connectionID(msg),
		}})
		return
	}

	if err := to.send(msg); err != nil {
		s.logger.Warn("failed to relay message", "src", from.id, "dst", msg.Dst, "type", msg.Type, "error", err)
	}
}

func connectionID(msg Message) string {
	if msg.Payload == nil {
		return ""
	}
	return msg.Payload.ConnectionID
}

func (s *Server) register(p *peerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.peers[p.id]; exists {
		return false
	}
	s.peers[p.id] = p
	s.metrics.SetSignalingClients(len(s.peers))
	return true
}

func (s *Server) unregister(p *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
	s.metrics.SetSignalingClients(len(s.peers))
	s.logger.Info("peer disconnected", "peerID", p.id)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	peers := make([]*peerConn, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.writeMu.Lock()
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		p.conn.Close()
	}
}
