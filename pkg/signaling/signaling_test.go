package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(ServerConfig{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func connect(t *testing.T, url, id string) *Client {
	t.Helper()
	c := NewClient(ClientConfig{URL: url, ID: id})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case msg := <-c.MessageChan():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestServerIssuesIDs(t *testing.T) {
	srv, url := startServer(t)

	a := connect(t, url, "")
	b := connect(t, url, "")

	assert.NotEmpty(t, a.ID())
	assert.NotEmpty(t, b.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Eventually(t, func() bool { return srv.PeerCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRequestedIDTaken(t *testing.T) {
	_, url := startServer(t)

	connect(t, url, "host")

	c := NewClient(ClientConfig{URL: url, ID: "host"})
	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrIDTaken)
}

func TestServerRelaysWithSource(t *testing.T) {
	_, url := startServer(t)

	host := connect(t, url, "host")
	guest := connect(t, url, "guest")

	offer := Message{
		Type: TypeOffer,
		Dst:  "host",
		Src:  "spoofed",
		Payload: &Payload{
			ConnectionID: "mc_1",
			Kind:         KindMedia,
			SDP:          &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
			Metadata:     &Metadata{Name: "Li", Level: 2},
		},
	}
	require.NoError(t, guest.Send(offer))

	got := receive(t, host)
	assert.Equal(t, TypeOffer, got.Type)
	assert.Equal(t, "guest", got.Src, "server stamps the real source")
	require.NotNil(t, got.Payload)
	assert.Equal(t, "mc_1", got.Payload.ConnectionID)
	assert.Equal(t, KindMedia, got.Payload.Kind)
	assert.Equal(t, webrtc.SDPTypeOffer, got.Payload.SDP.Type)
	assert.Equal(t, "Li", got.Payload.Metadata.Name)
	assert.Equal(t, 2, got.Payload.Metadata.Level)
}

func TestServerExpiresUnknownDestination(t *testing.T) {
	_, url := startServer(t)
	guest := connect(t, url, "guest")

	require.NoError(t, guest.Send(Message{Type: TypeOffer, Dst: "nobody", Payload: &Payload{ConnectionID: "dc_9"}}))

	got := receive(t, guest)
	assert.Equal(t, TypeExpire, got.Type)
	assert.Equal(t, "nobody", got.Src)
	assert.Equal(t, "dc_9", got.Payload.ConnectionID)
}

func TestServerUnregistersOnClose(t *testing.T) {
	srv, url := startServer(t)

	c := NewClient(ClientConfig{URL: url})
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.PeerCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return srv.PeerCount() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-c.MessageChan()
	assert.False(t, ok, "message channel closes with the connection")
}

func TestHealthz(t *testing.T) {
	srv, url := startServer(t)
	connect(t, url, "")
	require.Eventually(t, func() bool { return srv.PeerCount() == 1 }, time.Second, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["peers"])
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0"})
	addr, err := srv.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	c := NewClient(ClientConfig{URL: "ws://" + addr.String()})
	require.Eventually(t, func() bool {
		_, err := c.Connect(context.Background())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer c.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
