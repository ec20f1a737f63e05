// Package config loads classroom configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/silviot/live_classroom_go/pkg/apperr"
)

// Config is the complete classroom configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level" split_words:"true" validate:"required,oneof=debug info warn error"`
	Student   StudentConfig   `yaml:"student" envconfig:"STUDENT"`
	Gemini    GeminiConfig    `yaml:"gemini" envconfig:"GEMINI"`
	Signaling SignalingConfig `yaml:"signaling" envconfig:"CLASSROOM_SIGNALING"`
	WebRTC    WebRTCConfig    `yaml:"webrtc" envconfig:"CLASSROOM_WEBRTC"`
	Audio     AudioConfig     `yaml:"audio" envconfig:"CLASSROOM_AUDIO"`
	HTTP      HTTPConfig      `yaml:"http" envconfig:"CLASSROOM_HTTP"`
}

// StudentConfig describes the local participant.
type StudentConfig struct {
	Name  string `yaml:"name" split_words:"true" validate:"required"`
	Level int    `yaml:"level" split_words:"true" validate:"min=1"`
}

// GeminiConfig holds the live tutor and the scoring/speech models.
type GeminiConfig struct {
	APIKey       string `yaml:"api_key" split_words:"true"`
	LiveURL      string `yaml:"live_url" split_words:"true" validate:"required,url"`
	LiveModel    string `yaml:"live_model" split_words:"true" validate:"required"`
	Voice        string `yaml:"voice" split_words:"true" validate:"required"`
	ScoringModel string `yaml:"scoring_model" split_words:"true" validate:"required"`
	SpeechModel  string `yaml:"speech_model" split_words:"true" validate:"required"`
}

// SignalingConfig holds the rendezvous server location.
type SignalingConfig struct {
	URL        string `yaml:"url" split_words:"true" validate:"required,url"`
	ListenAddr string `yaml:"listen_addr" split_words:"true" validate:"required"`
}

// TURNConfig holds one TURN server.
type TURNConfig struct {
	URL        string `yaml:"url" validate:"required"`
	Username   string `yaml:"username"`
	Credential string `yaml:"credential"`
}

// WebRTCConfig holds ICE servers for the peer mesh.
type WebRTCConfig struct {
	STUN []string     `yaml:"stun" split_words:"true"`
	TURN []TURNConfig `yaml:"turn" ignored:"true" validate:"dive"`
}

// AudioConfig holds device and capture settings.
type AudioConfig struct {
	BlockSize  int `yaml:"block_size" split_words:"true" validate:"min=256,max=16384"`
	DeviceRate int `yaml:"device_rate" split_words:"true" validate:"min=8000,max=192000"`
	OutputRate int `yaml:"output_rate" split_words:"true" validate:"min=8000,max=192000"`
}

// HTTPConfig holds the local control API address.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr" split_words:"true" validate:"required"`
}

// Default returns a complete configuration for a local class.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Student: StudentConfig{
			Name:  "Student",
			Level: 1,
		},
		Gemini: GeminiConfig{
			LiveURL:      "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent",
			LiveModel:    "gemini-2.5-flash-native-audio-preview-09-2025",
			Voice:        "Kore",
			ScoringModel: "gemini-2.5-flash",
			SpeechModel:  "gemini-2.5-flash-preview-tts",
		},
		Signaling: SignalingConfig{
			URL:        "ws://localhost:9000",
			ListenAddr: ":9000",
		},
		WebRTC: WebRTCConfig{
			STUN: []string{"stun:stun.l.google.com:19302"},
		},
		Audio: AudioConfig{
			BlockSize:  4096,
			DeviceRate: 48000,
			OutputRate: 24000,
		},
		HTTP: HTTPConfig{
			ListenAddr: "127.0.0.1:8080",
		},
	}
}

// Load reads the YAML file at path over the defaults, overlays the
// environment and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperr.New(apperr.ErrConfiguration, "load config", fmt.Errorf("failed to read config file %s: %w", path, err))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperr.New(apperr.ErrConfiguration, "load config", fmt.Errorf("failed to parse config file %s: %w", path, err))
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, apperr.New(apperr.ErrConfiguration, "load config", fmt.Errorf("failed to read environment: %w", err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return apperr.New(apperr.ErrConfiguration, "validate config", err)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
