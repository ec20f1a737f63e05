package classroom

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/samber/lo"

	"github.com/silviot/live_classroom_go/pkg/apperr"
	"github.com/silviot/live_classroom_go/pkg/tutor"
)

// Request body limits.
const (
	maxTextBody  = 64 << 10
	maxImageBody = 8 << 20
)

// ChatRequest posts a chat message.
type ChatRequest struct {
	Text string `json:"text"`
}

// WritingRequest submits a handwriting sample.
type WritingRequest struct {
	Image  string `json:"image"`            // base64 PNG, data URL prefix allowed
	Symbol string `json:"symbol,omitempty"` // defaults to the current target character
}

// SpeechRequest asks for text to be read aloud.
type SpeechRequest struct {
	Text string `json:"text"`
}

// TargetRequest changes the character to practise.
type TargetRequest struct {
	Symbol string `json:"symbol"`
}

// Routes registers the local control API on mux.
func (c *Classroom) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/session", c.HandleConnectRequest)
	mux.HandleFunc("DELETE /api/v1/session", c.HandleDisconnectRequest)
	mux.HandleFunc("GET /api/v1/state", c.HandleStateRequest)
	mux.HandleFunc("GET /api/v1/roster", c.HandleRosterRequest)
	mux.HandleFunc("GET /api/v1/chat", c.HandleHistoryRequest)
	mux.HandleFunc("POST /api/v1/chat", c.HandleChatRequest)
	mux.HandleFunc("POST /api/v1/mic", c.HandleMicRequest)
	mux.HandleFunc("POST /api/v1/writing", c.HandleWritingRequest)
	mux.HandleFunc("POST /api/v1/speech", c.HandleSpeechRequest)
	mux.HandleFunc("POST /api/v1/target", c.HandleTargetRequest)
	mux.HandleFunc("POST /api/v1/achievements/{id}", c.HandleUnlockRequest)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads at most limit bytes of JSON into v. On failure it writes
// the error response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

// statusFor maps error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrMediaAccess):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleConnectRequest handles POST /api/v1/session
func (c *Classroom) HandleConnectRequest(w http.ResponseWriter, r *http.Request) {
	if err := c.ConnectTeacher(r.Context()); err != nil {
		c.logger.Error("failed to connect teacher", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  c.State().String(),
	})
}

// HandleDisconnectRequest handles DELETE /api/v1/session
func (c *Classroom) HandleDisconnectRequest(w http.ResponseWriter, r *http.Request) {
	c.DisconnectTeacher()
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "stopped",
		"state":  c.State().String(),
	})
}

// HandleStateRequest handles GET /api/v1/state
func (c *Classroom) HandleStateRequest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// HandleRosterRequest handles GET /api/v1/roster
func (c *Classroom) HandleRosterRequest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Roster())
}

// HandleHistoryRequest handles GET /api/v1/chat
func (c *Classroom) HandleHistoryRequest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.History())
}

// HandleChatRequest handles POST /api/v1/chat
func (c *Classroom) HandleChatRequest(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeBody(w, r, maxTextBody, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}

	writeJSON(w, http.StatusOK, c.SendChat(text))
}

// HandleMicRequest handles POST /api/v1/mic
func (c *Classroom) HandleMicRequest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"muted": c.ToggleMic()})
}

// HandleWritingRequest handles POST /api/v1/writing
func (c *Classroom) HandleWritingRequest(w http.ResponseWriter, r *http.Request) {
	var req WritingRequest
	if !decodeBody(w, r, maxImageBody, &req) {
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "image required")
		return
	}

	png, err := tutor.DecodeImage(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, "image must be base64")
		return
	}

	writeJSON(w, http.StatusOK, c.CheckWriting(r.Context(), png, req.Symbol))
}

// HandleSpeechRequest handles POST /api/v1/speech
func (c *Classroom) HandleSpeechRequest(w http.ResponseWriter, r *http.Request) {
	var req SpeechRequest
	if !decodeBody(w, r, maxTextBody, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}

	if err := c.ReadAloud(r.Context(), req.Text); err != nil {
		c.logger.Error("failed to read aloud", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleTargetRequest handles POST /api/v1/target
func (c *Classroom) HandleTargetRequest(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if !decodeBody(w, r, maxTextBody, &req) {
		return
	}
	symbol := strings.TrimSpace(req.Symbol)
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}

	c.SetTargetChar(symbol)
	writeJSON(w, http.StatusOK, map[string]string{"targetChar": symbol})
}

// HandleUnlockRequest handles POST /api/v1/achievements/{id}
func (c *Classroom) HandleUnlockRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	known := lo.ContainsBy(c.Snapshot().Achievements, func(a Achievement) bool { return a.ID == id })
	if !known {
		writeError(w, http.StatusNotFound, "unknown achievement")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": c.Unlock(id)})
}
