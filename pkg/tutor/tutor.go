// Package tutor wraps the one-shot model calls used outside the live
// session: handwriting scoring and speech synthesis.
package tutor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"google.golang.org/genai"

	"github.com/silviot/live_classroom_go/pkg/apperr"
	"github.com/silviot/live_classroom_go/pkg/metrics"
)

const (
	DefaultScoringModel = "gemini-2.5-flash"
	DefaultSpeechModel  = "gemini-2.5-flash-preview-tts"
	DefaultVoice        = "Kore"
)

// Generator is the content generation call of the model client.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Feedback is a handwriting evaluation.
type Feedback struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

var (
	// Unanalyzed is returned when the model gives no verdict.
	Unanalyzed = Feedback{Score: 0, Feedback: "Could not analyze."}
	// Unreachable is shown when scoring fails.
	Unreachable = Feedback{Score: 0, Feedback: "Error connecting to AI teacher."}
)

// Config holds tutor configuration.
type Config struct {
	APIKey       string
	ScoringModel string
	SpeechModel  string
	Voice        string
	Generator    Generator // overrides the API client, mainly for tests
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Tutor scores handwriting and synthesizes speech.
type Tutor struct {
	cfg       Config
	generator Generator
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a tutor. Without a Generator an API key is required.
func New(ctx context.Context, cfg Config) (*Tutor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ScoringModel == "" {
		cfg.ScoringModel = DefaultScoringModel
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = DefaultSpeechModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}

	gen := cfg.Generator
	if gen == nil {
		if cfg.APIKey == "" {
			return nil, apperr.Configuration("create tutor", "API key is missing")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, apperr.Transport("create tutor", err)
		}
		gen = client.Models
	}

	return &Tutor{
		cfg:       cfg,
		generator: gen,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}, nil
}

func scoringPrompt(symbol string) string {
	return fmt.Sprintf(`I am a beginner learning Chinese. I tried to write the character "%s".
Please evaluate my handwriting.
1. Give a score from 0 to 100 based on accuracy and balance.
2. Provide short, encouraging feedback on what stroke I might have missed or proportion issues.
3. Return ONLY a JSON object: { "score": number, "feedback": "string" }`, symbol)
}

// ScoreWriting asks the scoring model to grade a PNG of symbol.
func (t *Tutor) ScoreWriting(ctx context.Context, png []byte, symbol string) (Feedback, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(png, "image/png"),
			genai.NewPartFromText(scoringPrompt(symbol)),
		}, genai.RoleUser),
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"score":    {Type: genai.TypeNumber},
				"feedback": {Type: genai.TypeString},
			},
		},
	}

	resp, err := t.generator.GenerateContent(ctx, t.cfg.ScoringModel, contents, config)
	if err != nil {
		t.metrics.RecordTutorRequest("score", "error")
		t.logger.Error("handwriting evaluation failed", "symbol", symbol, "error", err)
		return Feedback{}, apperr.Transport("score writing", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		t.metrics.RecordTutorRequest("score", "empty")
		return Unanalyzed, nil
	}

	var raw struct {
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		t.metrics.RecordTutorRequest("score", "error")
		return Feedback{}, apperr.Decode("score writing", err)
	}

	t.metrics.RecordTutorRequest("score", "ok")
	score := int(math.Round(math.Max(0, math.Min(100, raw.Score))))
	t.logger.Info("handwriting evaluated", "symbol", symbol, "score", score)

	return Feedback{Score: score, Feedback: raw.Feedback}, nil
}

// Speak synthesizes text to raw PCM16 mono at 24 kHz. It returns nil
// without error when the model produced no audio.
func (t *Tutor) Speak(ctx context.Context, text string) ([]byte, error) {
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: t.cfg.Voice},
			},
		},
	}

	resp, err := t.generator.GenerateContent(ctx, t.cfg.SpeechModel, genai.Text(text), config)
	if err != nil {
		t.metrics.RecordTutorRequest("speech", "error")
		t.logger.Error("speech synthesis failed", "error", err)
		return nil, apperr.Transport("synthesize speech", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		t.metrics.RecordTutorRequest("speech", "empty")
		return nil, nil
	}
	part := resp.Candidates[0].Content.Parts[0]
	if part.InlineData == nil || len(part.InlineData.Data) == 0 {
		t.metrics.RecordTutorRequest("speech", "empty")
		return nil, nil
	}

	t.metrics.RecordTutorRequest("speech", "ok")
	t.logger.Debug("speech synthesized", "chars", len(text), "bytes", len(part.InlineData.Data))
	return part.InlineData.Data, nil
}

var dataURLPrefix = regexp.MustCompile(`^data:image/\w+;base64,`)

// DecodeImage decodes a base64 image, with or without a data URL prefix.
func DecodeImage(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(dataURLPrefix.ReplaceAllString(encoded, ""))
	if err != nil {
		return nil, apperr.Decode("decode image", err)
	}
	return raw, nil
}
