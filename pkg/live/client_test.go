package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/live_classroom_go/pkg/apperr"
	"github.com/silviot/live_classroom_go/pkg/audio"
)

// mockLiveServer simulates the live websocket endpoint.
type mockLiveServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	mu       sync.Mutex
	query    string
	received []ClientMessage
	conn     *websocket.Conn
	gotMsg   chan ClientMessage
	// skipSetupComplete keeps the session from opening.
	skipSetupComplete bool
}

func newMockLiveServer() *mockLiveServer {
	m := &mockLiveServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		gotMsg:   make(chan ClientMessage, 32),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *mockLiveServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.query = r.URL.RawQuery
	m.conn = conn
	m.mu.Unlock()

	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		m.mu.Lock()
		m.received = append(m.received, msg)
		skip := m.skipSetupComplete
		m.mu.Unlock()
		m.gotMsg <- msg

		if msg.Setup != nil && !skip {
			m.send(map[string]any{"setupComplete": map[string]any{}})
		}
	}
}

func (m *mockLiveServer) send(msg any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return
	}
	data, _ := json.Marshal(msg)
	_ = m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *mockLiveServer) closeConn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		m.conn.Close()
	}
}

func (m *mockLiveServer) wsURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockLiveServer) next(t *testing.T) ClientMessage {
	t.Helper()
	select {
	case msg := <-m.gotMsg:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return ClientMessage{}
	}
}

func TestConnectSendsSetupAndOpens(t *testing.T) {
	srv := newMockLiveServer()
	defer srv.server.Close()

	client := NewClient(Config{URL: srv.wsURL(), APIKey: "secret", Voice: "Kore"})
	defer client.Close()

	opened := make(chan struct{})
	err := client.Connect(context.Background(), SessionOptions{
		SystemInstruction: "be kind",
		Tools:             []FunctionDeclaration{{Name: "grantXP"}},
	}, Handlers{OnOpen: func() { close(opened) }})
	require.NoError(t, err)

	setup := srv.next(t)
	require.NotNil(t, setup.Setup)
	assert.Equal(t, "models/"+DefaultModel, setup.Setup.Model)
	assert.Equal(t, []string{"AUDIO"}, setup.Setup.GenerationConfig.ResponseModalities)
	assert.Equal(t, "Kore", setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	assert.Equal(t, "be kind", setup.Setup.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "grantXP", setup.Setup.Tools[0].FunctionDeclarations[0].Name)
	assert.NotNil(t, setup.Setup.OutputAudioTranscription)

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen not called")
	}
	assert.True(t, client.IsOpen())

	srv.mu.Lock()
	assert.Contains(t, srv.query, "key=secret")
	srv.mu.Unlock()
}

func TestConnectRequiresAPIKey(t *testing.T) {
	client := NewClient(Config{URL: "ws://127.0.0.1:1"})
	err := client.Connect(context.Background(), SessionOptions{}, Handlers{})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestConnectDialFailure(t *testing.T) {
	client := NewClient(Config{URL: "ws://127.0.0.1:1", APIKey: "k", HandshakeTimeout: time.Second})
	err := client.Connect(context.Background(), SessionOptions{}, Handlers{})
	assert.ErrorIs(t, err, apperr.ErrTransport)
}

func TestSendAudioAndToolResponse(t *testing.T) {
	srv := newMockLiveServer()
	defer srv.server.Close()

	client := NewClient(Config{URL: srv.wsURL(), APIKey: "k"})
	defer client.Close()
	require.NoError(t, client.Connect(context.Background(), SessionOptions{}, Handlers{}))
	srv.next(t) // setup

	blob := audio.Encode([]float32{0.5, -0.5})
	require.NoError(t, client.SendAudio(blob))
	msg := srv.next(t)
	require.NotNil(t, msg.RealtimeInput)
	assert.Equal(t, []audio.Blob{blob}, msg.RealtimeInput.MediaChunks)

	require.NoError(t, client.SendToolResponse([]FunctionResponse{
		{ID: "a", Name: "grantXP", Response: map[string]any{"result": "XP granted"}},
		{ID: "b", Name: "setTopic", Response: map[string]any{"result": "Topic updated on screen"}},
	}))
	msg = srv.next(t)
	require.NotNil(t, msg.ToolResponse)
	require.Len(t, msg.ToolResponse.FunctionResponses, 2)
	assert.Equal(t, "a", msg.ToolResponse.FunctionResponses[0].ID)
	assert.Equal(t, "b", msg.ToolResponse.FunctionResponses[1].ID)
}

func TestServerMessagesDispatched(t *testing.T) {
	srv := newMockLiveServer()
	defer srv.server.Close()

	got := make(chan *ServerMessage, 4)
	client := NewClient(Config{URL: srv.wsURL(), APIKey: "k"})
	defer client.Close()
	require.NoError(t, client.Connect(context.Background(), SessionOptions{}, Handlers{
		OnMessage: func(m *ServerMessage) { got <- m },
	}))
	srv.next(t)

	srv.send(map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAA="}},
			}},
			"outputTranscription": map[string]any{"text": "你好"},
		},
		"toolCall": map[string]any{"functionCalls": []any{
			map[string]any{"id": "1", "name": "grantXP", "args": map[string]any{"amount": 10}},
		}},
	})

	select {
	case m := <-got:
		assert.Equal(t, []string{"AAA="}, m.AudioPayloads())
		assert.Equal(t, "你好", m.Transcript())
		require.NotNil(t, m.ToolCall)
		assert.Equal(t, "grantXP", m.ToolCall.FunctionCalls[0].Name)
		assert.EqualValues(t, 10, m.ToolCall.FunctionCalls[0].Args["amount"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}
}

func TestServerCloseNotifies(t *testing.T) {
	srv := newMockLiveServer()
	defer srv.server.Close()

	closed := make(chan error, 1)
	client := NewClient(Config{URL: srv.wsURL(), APIKey: "k"})
	defer client.Close()
	require.NoError(t, client.Connect(context.Background(), SessionOptions{}, Handlers{
		OnClose: func(err error) { closed <- err },
	}))
	srv.next(t)

	srv.closeConn()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	assert.False(t, client.IsOpen())
}

func TestCloseSuppressesHandlers(t *testing.T) {
	srv := newMockLiveServer()
	defer srv.server.Close()

	var calls int
	var mu sync.Mutex
	client := NewClient(Config{URL: srv.wsURL(), APIKey: "k"})
	require.NoError(t, client.Connect(context.Background(), SessionOptions{}, Handlers{
		OnClose: func(error) { mu.Lock(); calls++; mu.Unlock() },
	}))
	srv.next(t)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()

	err := client.SendAudio(audio.Blob{})
	assert.True(t, errors.Is(err, apperr.ErrTransport))
}

func TestCloseDoesNotWaitForPendingWrite(t *testing.T) {
	srv := newMockLiveServer()
	defer srv.server.Close()

	client := NewClient(Config{URL: srv.wsURL(), APIKey: "k"})
	require.NoError(t, client.Connect(context.Background(), SessionOptions{}, Handlers{}))
	srv.next(t)

	// A writer stuck on a full socket holds the write lock.
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	done := make(chan error, 1)
	go func() { done <- client.Close() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for the write lock")
	}
}

func TestWriteTimeoutDefault(t *testing.T) {
	client := NewClient(Config{})
	assert.Equal(t, 5*time.Second, client.cfg.WriteTimeout)
}
