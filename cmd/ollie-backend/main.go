package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"ollie/internal/agents"
	"ollie/internal/backend"
	"ollie/internal/capture"
	"ollie/internal/channel"
	"ollie/internal/config"
	"ollie/internal/proxy"
	"ollie/internal/session"
	"ollie/internal/tools"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

// The backend serves browser clients: audio and transcripts stream out
// as websocket events instead of the local speaker.
func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	cfgFile := cli.StringP("config", "c", "ollie.toml", "Config file path")
	listen := cli.StringP("listen", "L", "", "Listen address (overrides config)")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	godotenv.Load(*envFile)
	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Error("Failed to load config", "err", err)
		os.Exit(1)
	}
	if cfg.Model.APIKey == "" {
		log.Error("GEMINI_API_KEY not set")
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Backend.Listen = *listen
	}

	var httpClient *http.Client
	if cfg.Proxy.Socks != "" {
		httpClient, err = proxy.NewSocksClient(cfg.Proxy.Socks)
		if err != nil {
			log.Error("Failed to dial socks proxy", "proxy", cfg.Proxy.Socks, "err", err)
			os.Exit(1)
		}
	}

	if err := capture.Init(); err != nil {
		log.Error("Failed to init audio", "err", err)
		os.Exit(1)
	}
	defer capture.Terminate()

	registry := tools.NewRegistry()
	ac := agents.Config{
		ProjectsDir:  cfg.Tools.ProjectsDir,
		WorkspaceDir: cfg.Tools.WorkspaceDir,
		SmartDevices: cfg.Devices,
		PrinterHosts: cfg.Tools.Printers,
		WebAgentURL:  cfg.Tools.WebAgentURL,
	}
	if cfg.Model.OpenAIAPIKey != "" {
		client := openai.NewClient(option.WithAPIKey(cfg.Model.OpenAIAPIKey))
		ac.OpenAI = &client
	}
	if err := agents.RegisterAll(registry, ac); err != nil {
		log.Error("Failed to register tools", "err", err)
		os.Exit(1)
	}

	policy := tools.NewPolicy()
	for tool, level := range cfg.Tools.Permissions {
		policy.Merge(map[string]tools.Level{tool: tools.Level(level)})
	}

	orch := session.NewOrchestrator(registry, policy, session.Deps{
		Dial: func(ctx context.Context) (channel.Channel, error) {
			return channel.DialGemini(ctx, channel.GeminiConfig{
				APIKey:       cfg.Model.APIKey,
				Model:        cfg.Model.Name,
				SystemPrompt: cfg.Model.SystemPrompt,
				Voice:        cfg.Model.Voice,
				HTTPClient:   httpClient,
				Registry:     registry,
			})
		},
		OpenMic: func(device int) (session.AudioSource, error) {
			return capture.OpenMic(device)
		},
		OpenFrames: func(mode session.VideoMode) (session.FrameSource, error) {
			if mode == session.VideoScreen {
				return capture.OpenScreen(cfg.Video.Display)
			}
			return capture.OpenCamera()
		},
		PlaybackCapacity: cfg.Audio.PlaybackCapacity,
	})

	srv := backend.NewServer(orch, session.Config{
		InputDevice: cfg.Audio.InputDevice,
		VideoMode:   session.VideoMode(cfg.Video.Mode),
	})
	go srv.Run(context.Background())

	log.Info("Backend listening", "addr", cfg.Backend.Listen)
	if err := http.ListenAndServe(cfg.Backend.Listen, srv.Handler()); err != nil {
		log.Error("Server failed", "err", err)
		os.Exit(1)
	}
}
