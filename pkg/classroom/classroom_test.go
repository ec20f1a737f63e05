package classroom

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silviot/live_classroom_go/pkg/apperr"
	"github.com/silviot/live_classroom_go/pkg/audio"
	"github.com/silviot/live_classroom_go/pkg/chat"
	"github.com/silviot/live_classroom_go/pkg/live"
	"github.com/silviot/live_classroom_go/pkg/mesh"
	"github.com/silviot/live_classroom_go/pkg/session"
	"github.com/silviot/live_classroom_go/pkg/signaling"
	"github.com/silviot/live_classroom_go/pkg/tutor"
)

// holdSink keeps every unit playing until the test ends.
type holdSink struct {
	mu    sync.Mutex
	units []*audio.PlaybackUnit
}

func (s *holdSink) Schedule(u *audio.PlaybackUnit, _ func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, u)
}

func (s *holdSink) Stop(*audio.PlaybackUnit) {}

func (s *holdSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

type fakeSource struct{}

func (fakeSource) SampleRate() int                  { return 16000 }
func (fakeSource) Subscribe(func([]float32)) func() { return func() {} }

type fakeTransport struct {
	mu        sync.Mutex
	responses [][]live.FunctionResponse
}

func (t *fakeTransport) SendAudio(audio.Blob) error { return nil }

func (t *fakeTransport) SendToolResponse(r []live.FunctionResponse) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, r)
	return nil
}

func (t *fakeTransport) Close() error { return nil }

// openDialer opens every session immediately and keeps its handlers so the
// test can play the endpoint.
type openDialer struct {
	mu        sync.Mutex
	handlers  live.Handlers
	opts      live.SessionOptions
	transport *fakeTransport
}

func (d *openDialer) dial(_ context.Context, opts live.SessionOptions, h live.Handlers) (session.Transport, error) {
	d.mu.Lock()
	d.handlers = h
	d.opts = opts
	d.transport = &fakeTransport{}
	t := d.transport
	d.mu.Unlock()
	h.OnOpen()
	return t, nil
}

func (d *openDialer) send(msg *live.ServerMessage) {
	d.mu.Lock()
	h := d.handlers
	d.mu.Unlock()
	h.OnMessage(msg)
}

type fakeTutor struct {
	feedback tutor.Feedback
	err      error
	pcm      []byte
	symbols  []string
}

func (f *fakeTutor) ScoreWriting(_ context.Context, _ []byte, symbol string) (tutor.Feedback, error) {
	f.symbols = append(f.symbols, symbol)
	return f.feedback, f.err
}

func (f *fakeTutor) Speak(context.Context, string) ([]byte, error) {
	return f.pcm, f.err
}

type recordingListener struct {
	NopListener
	mu       sync.Mutex
	messages []chat.Envelope
}

func (l *recordingListener) ChatMessage(env chat.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, env)
}

func newClassroom(t *testing.T, mutate func(*Config)) (*Classroom, *holdSink) {
	t.Helper()
	sink := &holdSink{}
	cfg := Config{Name: "Lin", Level: 2, Sink: sink}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, sink
}

func achievement(s Snapshot, id string) Achievement {
	for _, a := range s.Achievements {
		if a.ID == id {
			return a
		}
	}
	return Achievement{}
}

func TestNewRequiresSink(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestNewDefaults(t *testing.T) {
	c, err := New(Config{Sink: &holdSink{}})
	require.NoError(t, err)

	s := c.Snapshot()
	assert.Equal(t, "Student", s.Name)
	assert.Equal(t, 1, s.Level)
	assert.Equal(t, session.DefaultTopic, s.Topic)
	assert.Equal(t, DefaultTargetChar, s.TargetChar)
	assert.Equal(t, session.StateDisconnected.String(), s.State)
	assert.Len(t, s.Achievements, 3)
	assert.Equal(t, 1, s.Participants)
}

func TestTeacherPrompt(t *testing.T) {
	assert.Equal(t,
		"You are Teacher Wei, a friendly Chinese teacher. The user is Lin. Engage with them simply.",
		TeacherPrompt("Lin"))
}

func TestSoloJoinPutsSelfFirst(t *testing.T) {
	c, _ := newClassroom(t, nil)

	id, err := c.Join(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "me", id)

	roster := c.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "me", roster[0].ID)
	assert.Equal(t, "Lin", roster[0].Name)
	assert.Equal(t, mesh.RoleSelf, roster[0].Role)
	assert.Equal(t, 2, roster[0].Level)

	env := c.SendChat("hello")
	assert.Equal(t, "me", env.SenderID)
}

func TestToolCallsDriveTheClassroom(t *testing.T) {
	d := &openDialer{}
	listener := &recordingListener{}
	c, _ := newClassroom(t, func(cfg *Config) {
		cfg.Source = fakeSource{}
		cfg.Dial = d.dial
		cfg.Listener = listener
	})

	_, err := c.Start(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, session.StateConnected, c.State())
	assert.True(t, strings.HasPrefix(d.opts.SystemInstruction, TeacherPrompt("Lin")))

	d.send(&live.ServerMessage{ToolCall: &live.ToolCall{FunctionCalls: []live.FunctionCall{
		{ID: "1", Name: session.ToolGrantXP, Args: map[string]any{"amount": 20.0}},
		{ID: "2", Name: session.ToolGrantXP, Args: map[string]any{"amount": 60.0}},
		{ID: "3", Name: session.ToolSetTopic, Args: map[string]any{"chinese": "谢谢", "english": "Thank you", "pinyin": "Xièxie"}},
	}}})

	s := c.Snapshot()
	assert.Equal(t, 80, s.XP)
	assert.Equal(t, session.Topic{Chinese: "谢谢", English: "Thank you", Pinyin: "Xièxie"}, s.Topic)
	assert.True(t, achievement(s, AchievementFirstWords).Unlocked)
	assert.False(t, achievement(s, AchievementCalligrapher).Unlocked)

	history := c.History()
	require.Len(t, history, 3)
	assert.Equal(t, "Teacher Wei joined the class.", history[0].Text)
	assert.True(t, history[0].System)
	assert.Equal(t, TeacherSender, history[1].SenderID)
	assert.Equal(t, "Teacher granted you 20 XP! Total: 20", history[1].Text)
	assert.Equal(t, "Teacher granted you 60 XP! Total: 80", history[2].Text)

	listener.mu.Lock()
	assert.Len(t, listener.messages, 3)
	listener.mu.Unlock()

	d.transport.mu.Lock()
	require.Len(t, d.transport.responses, 1)
	assert.Len(t, d.transport.responses[0], 3)
	d.transport.mu.Unlock()
}

func TestSmallGrantKeepsFirstWordsLocked(t *testing.T) {
	c, _ := newClassroom(t, nil)
	c.GrantXP(49)
	assert.False(t, achievement(c.Snapshot(), AchievementFirstWords).Unlocked)
}

func TestConnectWithoutMicrophone(t *testing.T) {
	d := &openDialer{}
	c, _ := newClassroom(t, func(cfg *Config) { cfg.Dial = d.dial })

	err := c.ConnectTeacher(context.Background())
	assert.True(t, IsMediaAccess(err))
	assert.Equal(t, session.StateDisconnected, c.State())
}

func TestCheckWriting(t *testing.T) {
	tests := []struct {
		name       string
		tutor      *fakeTutor
		want       tutor.Feedback
		wantXP     int
		wantUnlock bool
	}{
		{
			name:       "high score is rewarded",
			tutor:      &fakeTutor{feedback: tutor.Feedback{Score: 85, Feedback: "Great balance."}},
			want:       tutor.Feedback{Score: 85, Feedback: "Great balance."},
			wantXP:     CalligraphyXP,
			wantUnlock: true,
		},
		{
			name:  "threshold score is not rewarded",
			tutor: &fakeTutor{feedback: tutor.Feedback{Score: 80, Feedback: "Close."}},
			want:  tutor.Feedback{Score: 80, Feedback: "Close."},
		},
		{
			name:  "tutor failure",
			tutor: &fakeTutor{err: apperr.Transport("score writing", errors.New("down"))},
			want:  tutor.Unreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newClassroom(t, func(cfg *Config) { cfg.Tutor = tt.tutor })

			got := c.CheckWriting(context.Background(), []byte("png"), "")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []string{DefaultTargetChar}, tt.tutor.symbols)

			s := c.Snapshot()
			assert.Equal(t, tt.wantXP, s.XP)
			assert.Equal(t, tt.wantUnlock, achievement(s, AchievementCalligrapher).Unlocked)
			require.NotNil(t, s.Feedback)
			assert.Equal(t, tt.want, *s.Feedback)
		})
	}
}

func TestCheckWritingWithoutTutor(t *testing.T) {
	c, _ := newClassroom(t, nil)
	assert.Equal(t, tutor.Unreachable, c.CheckWriting(context.Background(), nil, "水"))
}

func TestSetTargetCharClearsFeedback(t *testing.T) {
	ft := &fakeTutor{feedback: tutor.Feedback{Score: 50, Feedback: "ok"}}
	c, _ := newClassroom(t, func(cfg *Config) { cfg.Tutor = ft })

	c.CheckWriting(context.Background(), nil, "")
	c.SetTargetChar("水")

	s := c.Snapshot()
	assert.Equal(t, "水", s.TargetChar)
	assert.Nil(t, s.Feedback)

	c.CheckWriting(context.Background(), nil, "")
	assert.Equal(t, []string{DefaultTargetChar, "水"}, ft.symbols)
}

func TestReadAloud(t *testing.T) {
	pcm := audio.EncodePCM16(make([]float32, 2400))
	c, sink := newClassroom(t, func(cfg *Config) { cfg.Tutor = &fakeTutor{pcm: pcm} })

	require.NoError(t, c.ReadAloud(context.Background(), "你好"))
	require.Equal(t, 1, sink.count())
	assert.Equal(t, audio.OutputSampleRate, sink.units[0].Buffer.SampleRate)
	assert.Equal(t, 2400, sink.units[0].Buffer.Frames())
}

func TestReadAloudEmptyAudio(t *testing.T) {
	c, sink := newClassroom(t, func(cfg *Config) { cfg.Tutor = &fakeTutor{} })
	require.NoError(t, c.ReadAloud(context.Background(), "你好"))
	assert.Zero(t, sink.count())
}

func TestReadAloudWithoutTutor(t *testing.T) {
	c, _ := newClassroom(t, nil)
	err := c.ReadAloud(context.Background(), "你好")
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestToggleMic(t *testing.T) {
	c, _ := newClassroom(t, nil)
	assert.True(t, c.ToggleMic())
	assert.True(t, c.Snapshot().Muted)
	assert.False(t, c.ToggleMic())
}

func TestUnlockIsOneShot(t *testing.T) {
	c, _ := newClassroom(t, nil)
	assert.True(t, c.Unlock(AchievementGoodListener))
	assert.False(t, c.Unlock(AchievementGoodListener))
	assert.False(t, c.Unlock("unknown"))
}

type fakeSignaler struct {
	mu     sync.Mutex
	msgs   chan signaling.Message
	errs   chan error
	closed bool
}

func (s *fakeSignaler) Connect(context.Context) (string, error)  { return "peer-self", nil }
func (s *fakeSignaler) Send(signaling.Message) error             { return nil }
func (s *fakeSignaler) MessageChan() <-chan signaling.Message    { return s.msgs }
func (s *fakeSignaler) ErrorChan() <-chan error                  { return s.errs }

func (s *fakeSignaler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestMeshJoinAndClose(t *testing.T) {
	sig := &fakeSignaler{msgs: make(chan signaling.Message), errs: make(chan error, 1)}
	c, _ := newClassroom(t, func(cfg *Config) {
		cfg.Mesh = &mesh.Config{Signaler: sig}
	})

	id, err := c.Join(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "peer-self", id)

	again, err := c.Join(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	env := c.SendChat("anyone here?")
	assert.Equal(t, "peer-self", env.SenderID)
	assert.Len(t, c.History(), 1)

	c.Close()
	sig.mu.Lock()
	assert.True(t, sig.closed)
	sig.mu.Unlock()
}

func TestSignalingLossPostsNotice(t *testing.T) {
	sig := &fakeSignaler{msgs: make(chan signaling.Message), errs: make(chan error, 1)}
	c, _ := newClassroom(t, func(cfg *Config) {
		cfg.Mesh = &mesh.Config{Signaler: sig}
	})
	_, err := c.Join(context.Background(), "")
	require.NoError(t, err)

	sig.errs <- errors.New("websocket: close 1006")
	close(sig.msgs)

	assert.Eventually(t, func() bool {
		for _, env := range c.History() {
			if env.System && strings.Contains(env.Text, "Lost connection to the class server") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

type stillClock struct{}

func (stillClock) Now() time.Duration { return 0 }

// mixSink hands out a recording voice per classmate.
type mixSink struct {
	holdSink
	mu     sync.Mutex
	voices []*fakeVoice
}

func (m *mixSink) NewVoice() audio.Voice {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := &fakeVoice{}
	m.voices = append(m.voices, v)
	return v
}

type fakeVoice struct {
	holdSink
	closed bool
}

func (v *fakeVoice) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
}

func TestClassmateAudioReachesSink(t *testing.T) {
	c, sink := newClassroom(t, nil)
	c.participantJoined(mesh.Participant{ID: "peer-1", Name: "Mei"})
	c.playPeerAudio("peer-1", 48000, make([]float32, 960))
	assert.Zero(t, sink.count(), "a classmate without a stream has no playback")

	c.attachPeerAudio("peer-1")
	c.playPeerAudio("peer-1", 48000, make([]float32, 960))
	c.playPeerAudio("peer-1", 48000, nil)
	c.playPeerAudio("stranger", 48000, make([]float32, 960))

	require.Equal(t, 1, sink.count())
	sink.mu.Lock()
	u := sink.units[0]
	sink.mu.Unlock()
	assert.Equal(t, 48000, u.Buffer.SampleRate)
	assert.Equal(t, 20*time.Millisecond, u.Duration)
}

func TestClassmatesGetTheirOwnVoice(t *testing.T) {
	sink := &mixSink{}
	c, err := New(Config{Name: "Lin", Sink: sink, Clock: stillClock{}})
	require.NoError(t, err)

	c.attachPeerAudio("peer-1")
	c.attachPeerAudio("peer-2")
	c.playPeerAudio("peer-1", 48000, make([]float32, 960))
	c.playPeerAudio("peer-2", 48000, make([]float32, 480))
	c.playPeerAudio("peer-2", 48000, make([]float32, 480))

	require.Len(t, sink.voices, 2)
	assert.Zero(t, sink.count(), "classmates stay off the teacher lane")
	assert.Equal(t, 1, sink.voices[0].count())
	assert.Equal(t, 2, sink.voices[1].count())
	second := sink.voices[1].units[1]
	assert.Equal(t, sink.voices[1].units[0].End(), second.Start, "one classmate plays gapless")

	c.participantLeft(mesh.Participant{ID: "peer-1", JoinedAt: time.Now()})
	assert.True(t, sink.voices[0].closed)
	assert.False(t, sink.voices[1].closed)

	c.Close()
	assert.True(t, sink.voices[1].closed)
}

func TestAPITarget(t *testing.T) {
	ft := &fakeTutor{feedback: tutor.Feedback{Score: 60}}
	c, _ := newClassroom(t, func(cfg *Config) { cfg.Tutor = ft })
	c.CheckWriting(context.Background(), []byte("png"), "")
	srv := newServer(t, c)

	resp := post(t, srv.URL+"/api/v1/target", `{"symbol":" 水 "}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := c.Snapshot()
	assert.Equal(t, "水", snap.TargetChar)
	assert.Nil(t, snap.Feedback)

	resp = post(t, srv.URL+"/api/v1/target", `{"symbol":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIUnlockAchievement(t *testing.T) {
	c, _ := newClassroom(t, nil)
	srv := newServer(t, c)

	var got map[string]bool
	resp := post(t, srv.URL+"/api/v1/achievements/"+AchievementGoodListener, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.True(t, got["unlocked"])

	resp = post(t, srv.URL+"/api/v1/achievements/"+AchievementGoodListener, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.False(t, got["unlocked"])

	resp = post(t, srv.URL+"/api/v1/achievements/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func newServer(t *testing.T, c *Classroom) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	c.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIChat(t *testing.T) {
	c, _ := newClassroom(t, nil)
	srv := newServer(t, c)

	resp := post(t, srv.URL+"/api/v1/chat", `{"text":"  你好  "}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sent chat.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sent))
	assert.Equal(t, "你好", sent.Text)

	resp = post(t, srv.URL+"/api/v1/chat", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/v1/chat", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	got, err := http.Get(srv.URL + "/api/v1/chat")
	require.NoError(t, err)
	defer got.Body.Close()
	var history []chat.Envelope
	require.NoError(t, json.NewDecoder(got.Body).Decode(&history))
	require.Len(t, history, 1)
	assert.Equal(t, sent.ID, history[0].ID)
}

func TestAPIState(t *testing.T) {
	c, _ := newClassroom(t, nil)
	srv := newServer(t, c)

	resp := post(t, srv.URL+"/api/v1/mic", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mic map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&mic))
	assert.True(t, mic["muted"])

	got, err := http.Get(srv.URL + "/api/v1/state")
	require.NoError(t, err)
	defer got.Body.Close()
	var s Snapshot
	require.NoError(t, json.NewDecoder(got.Body).Decode(&s))
	assert.Equal(t, "Lin", s.Name)
	assert.True(t, s.Muted)
	assert.Equal(t, DefaultTargetChar, s.TargetChar)
}

func TestAPISessionWithoutMicrophone(t *testing.T) {
	d := &openDialer{}
	c, _ := newClassroom(t, func(cfg *Config) { cfg.Dial = d.dial })
	srv := newServer(t, c)

	resp := post(t, srv.URL+"/api/v1/session", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/session", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	assert.Equal(t, http.StatusOK, del.StatusCode)
}

func TestAPIWriting(t *testing.T) {
	ft := &fakeTutor{feedback: tutor.Feedback{Score: 90, Feedback: "Beautiful."}}
	c, _ := newClassroom(t, func(cfg *Config) { cfg.Tutor = ft })
	srv := newServer(t, c)

	image := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png"))
	resp := post(t, srv.URL+"/api/v1/writing", `{"image":"`+image+`","symbol":"水"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fb tutor.Feedback
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fb))
	assert.Equal(t, 90, fb.Score)
	assert.Equal(t, []string{"水"}, ft.symbols)

	resp = post(t, srv.URL+"/api/v1/writing", `{"image":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/v1/writing", `{"image":"%%%"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPISpeechWithoutTutor(t *testing.T) {
	c, _ := newClassroom(t, nil)
	srv := newServer(t, c)

	resp := post(t, srv.URL+"/api/v1/speech", `{"text":"你好"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPIRejectsOversizedBodies(t *testing.T) {
	c, _ := newClassroom(t, func(cfg *Config) { cfg.Tutor = &fakeTutor{} })

	rec := httptest.NewRecorder()
	body := `{"text":"` + strings.Repeat("a", maxTextBody) + `"}`
	c.HandleChatRequest(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, c.History())

	rec = httptest.NewRecorder()
	body = `{"image":"` + strings.Repeat("A", maxImageBody) + `"}`
	c.HandleWritingRequest(rec, httptest.NewRequest(http.MethodPost, "/api/v1/writing", strings.NewReader(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
