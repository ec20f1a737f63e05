package signaling

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
)

// ErrIDTaken is returned by Connect when the requested id is in use.
var ErrIDTaken = errors.New("peer id is taken")

// ClientConfig holds rendezvous client configuration.
type ClientConfig struct {
	URL               string // ws(s)://host:port, Path is appended when missing
	ID                string // optional requested peer id
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Client is one peer's connection to the rendezvous server.
type Client struct {
	cfg       ClientConfig
	logger    *slog.Logger
	conn      *websocket.Conn
	id        string
	mu        sync.Mutex
	writeMu   sync.Mutex
	msgChan   chan Message
	errChan   chan error
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a rendezvous client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}

	return &Client{
		cfg:       cfg,
		logger:    cfg.Logger,
		msgChan:   make(chan Message, 100),
		errChan:   make(chan error, 10),
		closeChan: make(chan struct{}),
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(u.Path, Path) {
		u.Path = strings.TrimSuffix(u.Path, "/") + Path
	}
	if c.cfg.ID != "" {
		q := u.Query()
		q.Set("id", c.cfg.ID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the server and waits for the issued peer id.
func (c *Client) Connect(ctx context.Context) (string, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return "", fmt.Errorf("invalid signaling url %q: %w", c.cfg.URL, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.logger.Error("failed to connect to signaling server", "url", c.cfg.URL, "error", err)
		return "", err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}

	var open Message
	if err := conn.ReadJSON(&open); err != nil {
		conn.Close()
		return "", fmt.Errorf("waiting for peer id: %w", err)
	}
	switch open.Type {
	case TypeOpen:
	case TypeIDTaken:
		conn.Close()
		return "", ErrIDTaken
	default:
		conn.Close()
		return "", fmt.Errorf("unexpected %s before open", open.Type)
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.id = open.Dst
	c.mu.Unlock()

	c.logger.Info("connected to signaling server", "url", c.cfg.URL, "peerID", open.Dst)

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop()

	return open.Dst, nil
}

// ID returns the issued peer id.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.msgChan)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closeChan:
			default:
				c.logger.Error("signaling read error", "error", err)
				select {
				case c.errChan <- err:
				default:
				}
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("failed to parse signaling message", "error", err)
			continue
		}

		c.logger.Debug("received signaling message", "type", msg.Type, "src", msg.Src)

		select {
		case c.msgChan <- msg:
		case <-c.closeChan:
			return
		}
	}
}

// writeLoop keeps the server from expiring an idle peer.
func (c *Client) writeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-ticker.C:
			if err := c.Send(Message{Type: TypeHeartbeat}); err != nil {
				c.logger.Error("failed to send heartbeat", "error", err)
			}
		}
	}
}

// Send writes msg with this peer as the source.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	msg.Src = c.id
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected to signaling server")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// MessageChan delivers inbound messages. It is closed when the connection ends.
func (c *Client) MessageChan() <-chan Message {
	return c.msgChan
}

// ErrorChan reports connection failures.
func (c *Client) ErrorChan() <-chan error {
	return c.errChan
}

// Close disconnects from the server.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeChan)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		}
	})
	c.wg.Wait()
	return nil
}
