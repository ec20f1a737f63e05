package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/silviot/live_classroom_go/pkg/audio"
	"github.com/silviot/live_classroom_go/pkg/chat"
	"github.com/silviot/live_classroom_go/pkg/classroom"
	"github.com/silviot/live_classroom_go/pkg/config"
	"github.com/silviot/live_classroom_go/pkg/device"
	"github.com/silviot/live_classroom_go/pkg/live"
	"github.com/silviot/live_classroom_go/pkg/mesh"
	"github.com/silviot/live_classroom_go/pkg/metrics"
	"github.com/silviot/live_classroom_go/pkg/session"
	"github.com/silviot/live_classroom_go/pkg/signaling"
	"github.com/silviot/live_classroom_go/pkg/tutor"
)

var (
	configPath string
	envFile    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "classroom",
	Short: "Live Chinese classroom with an AI teacher and peer-to-peer classmates",
	Long: `classroom runs a voice lesson with a live AI teacher. Students in the same
class hear each other over WebRTC and share a text chat.`,
	SilenceUsage: true,
}

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Run the rendezvous server classmates use to find each other",
	RunE:  runSignal,
}

var joinCmd = &cobra.Command{
	Use:   "join [host-id]",
	Short: "Join a class; without a host id this student hosts it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJoin,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	signalCmd.Flags().String("listen", "", "listen address, overrides signaling.listen_addr")

	joinCmd.Flags().String("name", "", "student name, overrides student.name")
	joinCmd.Flags().String("signaling-url", "", "rendezvous server, overrides signaling.url")
	joinCmd.Flags().Bool("solo", false, "skip the peer mesh and study alone with the teacher")

	rootCmd.AddCommand(signalCmd, joinCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the dotenv file, the config file and the environment, in
// that order, then applies the log level flag.
func loadConfig() (*config.Config, *slog.Logger, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := setupLogger(cfg.SlogLevel())
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runSignal(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.Signaling.ListenAddr = addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	srv := signaling.NewServer(signaling.ServerConfig{
		ListenAddr: cfg.Signaling.ListenAddr,
		Metrics:    m,
		Logger:     logger,
	})

	logger.Info("starting signaling server", "addr", cfg.Signaling.ListenAddr)
	if err := srv.Serve(ctx, func(mux *http.ServeMux) {
		mux.Handle("GET /metrics", m.Handler())
	}); err != nil {
		logger.Error("signaling server failed", "error", err)
		return err
	}

	logger.Info("signaling server stopped")
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if name, _ := cmd.Flags().GetString("name"); name != "" {
		cfg.Student.Name = name
	}
	if url, _ := cmd.Flags().GetString("signaling-url"); url != "" {
		cfg.Signaling.URL = url
	}
	solo, _ := cmd.Flags().GetBool("solo")

	var hostID string
	if len(args) == 1 {
		hostID = args[0]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	// The class still runs without a microphone; the teacher just cannot
	// hear this student.
	var source audio.Source
	mic, err := device.OpenMicrophone(device.MicrophoneConfig{
		SampleRate: cfg.Audio.DeviceRate,
		Logger:     logger,
	})
	if err != nil {
		logger.Warn("microphone unavailable", "error", err)
	} else {
		defer mic.Close()
		source = mic
	}

	speaker, err := device.OpenSpeaker(device.SpeakerConfig{
		SampleRate: cfg.Audio.OutputRate,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer speaker.Close()

	var tutorClient classroom.Tutor
	if cfg.Gemini.APIKey == "" {
		logger.Warn("GEMINI_API_KEY not set, writing checks and read-aloud are disabled")
	} else {
		t, err := tutor.New(ctx, tutor.Config{
			APIKey:       cfg.Gemini.APIKey,
			ScoringModel: cfg.Gemini.ScoringModel,
			SpeechModel:  cfg.Gemini.SpeechModel,
			Voice:        cfg.Gemini.Voice,
			Metrics:      m,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		tutorClient = t
	}

	var meshCfg *mesh.Config
	if !solo {
		meshCfg = &mesh.Config{
			STUNServers: cfg.WebRTC.STUN,
			TURNServers: lo.Map(cfg.WebRTC.TURN, func(t config.TURNConfig, _ int) mesh.TURNServer {
				return mesh.TURNServer{URL: t.URL, Username: t.Username, Credential: t.Credential}
			}),
			Signaler: signaling.NewClient(signaling.ClientConfig{
				URL:    cfg.Signaling.URL,
				Logger: logger,
			}),
		}
	}

	room, err := classroom.New(classroom.Config{
		Name:   cfg.Student.Name,
		Level:  cfg.Student.Level,
		Source: source,
		Sink:   speaker,
		Dial: session.LiveDialer(live.Config{
			URL:    cfg.Gemini.LiveURL,
			APIKey: cfg.Gemini.APIKey,
			Model:  cfg.Gemini.LiveModel,
			Voice:  cfg.Gemini.Voice,
			Logger: logger,
		}),
		BlockSize: cfg.Audio.BlockSize,
		Tutor:     tutorClient,
		Mesh:      meshCfg,
		Listener:  consoleListener{},
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer room.Close()

	mux := http.NewServeMux()
	room.Routes(mux)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"state":     room.State().String(),
			"timestamp": time.Now().Unix(),
		})
	})

	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		selfID, err := room.Start(gctx, hostID)
		if selfID == "" {
			return err
		}
		if err != nil {
			logger.Warn("teacher unavailable, class continues without them", "error", err)
		}
		if hostID == "" && !solo {
			color.Green.Printf("Hosting class. Classmates join with: classroom join %s\n", selfID)
		} else {
			color.Green.Printf("Joined class as %s (%s)\n", cfg.Student.Name, selfID)
		}
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, gracefully shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("classroom stopped")
	return err
}

// consoleListener prints the class to the terminal.
type consoleListener struct {
	classroom.NopListener
}

func (consoleListener) StateChanged(s session.State) {
	color.Cyan.Printf("[teacher %s]\n", s)
}

func (consoleListener) StatusChanged(text string) {
	color.Yellow.Println(text)
}

func (consoleListener) ChatMessage(env chat.Envelope) {
	stamp := env.Time().Format("15:04")
	if env.System {
		color.Magenta.Printf("%s * %s\n", stamp, env.Text)
		return
	}
	sender := color.New(color.FgGreen, color.OpBold).Render(env.SenderID)
	fmt.Printf("%s %s: %s\n", stamp, sender, env.Text)
}

// setupLogger creates a structured logger
func setupLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
