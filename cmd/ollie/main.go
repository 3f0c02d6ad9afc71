package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"ollie/internal/agents"
	"ollie/internal/capture"
	"ollie/internal/channel"
	"ollie/internal/config"
	"ollie/internal/ipc"
	"ollie/internal/notify"
	"ollie/internal/playout"
	"ollie/internal/proxy"
	"ollie/internal/record"
	"ollie/internal/session"
	"ollie/internal/tools"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	cfgFile := cli.StringP("config", "c", "ollie.toml", "Config file path")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	log.Info("Booting up")

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

	var httpClient *http.Client
	if cfg.Proxy.Socks != "" {
		httpClient, err = proxy.NewSocksClient(cfg.Proxy.Socks)
		if err != nil {
			log.Error("Failed to dial socks proxy", "proxy", cfg.Proxy.Socks, "err", err)
			os.Exit(1)
		}
		log.Debug("Loaded proxy")
	}

	if err := capture.Init(); err != nil {
		log.Error("Failed to init audio", "err", err)
		os.Exit(1)
	}
	defer capture.Terminate()

	registry := tools.NewRegistry()
	if err := agents.RegisterAll(registry, agentConfig(cfg)); err != nil {
		log.Error("Failed to register tools", "err", err)
		os.Exit(1)
	}

	policy := tools.NewPolicy()
	policy.Merge(permLevels(cfg.Tools.Permissions))

	deps := session.Deps{
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
		OpenFrames:       openFrames(cfg.Video.Display),
		PlaybackCapacity: cfg.Audio.PlaybackCapacity,
	}

	if cfg.Audio.RecordDir != "" {
		rec, err := record.New(cfg.Audio.RecordDir, playout.SampleRate)
		if err != nil {
			log.Error("Failed to open recording", "err", err)
			os.Exit(1)
		}
		defer rec.Close()
		deps.Record = rec.Write
	}

	orch := session.NewOrchestrator(registry, policy, deps)

	sink := playout.NewSink(orch.Playback())
	if err := sink.Start(); err != nil {
		log.Error("Failed to init speaker", "err", err)
		os.Exit(1)
	}

	chimes := notify.New(orch.Playback())
	loadChimes(chimes, cfg.Audio.ChimeDir)

	ducker := playout.NewDucker([]string{"ollie"}, 20)
	go drainEvents(orch, chimes, ducker)

	sessionCfg := session.Config{
		InputDevice: cfg.Audio.InputDevice,
		VideoMode:   session.VideoMode(cfg.Video.Mode),
	}
	srv, err := ipc.Listen(cfg.Control.Socket, controlHandler(orch, chimes, sessionCfg))
	if err != nil {
		log.Error("Failed ipc server", "err", err)
		os.Exit(1)
	}
	defer srv.Close()

	log.Info("Boot up - successful", "socket", cfg.Control.Socket)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down")
	orch.Stop()
}

func agentConfig(cfg *config.Config) agents.Config {
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
	return ac
}

func permLevels(perms map[string]string) map[string]tools.Level {
	out := make(map[string]tools.Level, len(perms))
	for tool, level := range perms {
		out[tool] = tools.Level(level)
	}
	return out
}

func openFrames(display int) func(session.VideoMode) (session.FrameSource, error) {
	return func(mode session.VideoMode) (session.FrameSource, error) {
		switch mode {
		case session.VideoScreen:
			return capture.OpenScreen(display)
		default:
			return capture.OpenCamera()
		}
	}
}

func loadChimes(chimes *notify.Notifier, dir string) {
	if dir == "" {
		return
	}
	ctx := context.Background()
	for _, name := range []string{"listening", "confirm"} {
		path := filepath.Join(dir, name+".mp3")
		if err := chimes.Load(ctx, name, path); err != nil {
			log.Warn("Failed to load chime", "name", name, "err", err)
		}
	}
}

func drainEvents(orch *session.Orchestrator, chimes *notify.Notifier, ducker *playout.Ducker) {
	ctx := context.Background()
	for ev := range orch.Events() {
		switch ev.Kind {
		case session.EventStatus:
			log.Info("Session", "state", ev.State, "detail", ev.Detail)
			switch ev.State {
			case session.StateActive:
				go ducker.Duck(ctx, 0.3, 300*time.Millisecond)
			case session.StatePaused, session.StateStopped:
				go ducker.Restore(ctx, 300*time.Millisecond)
			}
		case session.EventTranscript:
			log.Info("O.L.L.I.E", "says", ev.Text)
		case session.EventConfirmRequest:
			chimes.Play("confirm")
			log.Warn("Tool awaiting confirmation",
				"call", ev.Call.ID, "tool", ev.Call.Name, "args", ev.Call.Args)
		case session.EventToolResult:
			log.Info("Tool finished",
				"call", ev.Result.ID, "tool", ev.Result.Name, "status", ev.Result.Status)
		case session.EventError:
			log.Error("Session error", "err", ev.Err)
		}
	}
}

func controlHandler(orch *session.Orchestrator, chimes *notify.Notifier, sessionCfg session.Config) ipc.Handler {
	return func(cmd ipc.Command) ipc.Reply {
		switch cmd.Cmd {
		case ipc.CmdStart:
			if err := orch.Start(sessionCfg); err != nil {
				return ipc.Reply{Detail: err.Error()}
			}
			chimes.Play("listening")
			return ipc.Reply{OK: true, Detail: "session started"}

		case ipc.CmdStop:
			orch.Stop()
			return ipc.Reply{OK: true, Detail: "session stopped"}

		case ipc.CmdPause:
			orch.Pause()
			return ipc.Reply{OK: true}

		case ipc.CmdResume:
			orch.Resume()
			return ipc.Reply{OK: true}

		case ipc.CmdSay:
			if err := orch.InjectText(cmd.Text); err != nil {
				return ipc.Reply{Detail: err.Error()}
			}
			return ipc.Reply{OK: true}

		case ipc.CmdConfirm:
			if err := orch.ResolveToolConfirmation(cmd.CallID, cmd.Approve); err != nil {
				return ipc.Reply{Detail: err.Error()}
			}
			return ipc.Reply{OK: true}

		case ipc.CmdPerm:
			orch.UpdatePermissions(permLevels(cmd.Perms))
			return ipc.Reply{OK: true}

		case ipc.CmdClear:
			orch.ClearPlayback()
			return ipc.Reply{OK: true}

		case ipc.CmdStatus:
			return ipc.Reply{OK: true, Detail: string(orch.State())}

		default:
			log.Warn("Unknown command", "cmd", cmd.Cmd)
			return ipc.Reply{Detail: "unknown command " + cmd.Cmd}
		}
	}
}
