// Package config loads the daemon configuration from ollie.toml plus
// API keys from the environment.
package config

import (
	"errors"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	Model   Model             `toml:"model"`
	Audio   Audio             `toml:"audio"`
	Video   Video             `toml:"video"`
	Tools   Tools             `toml:"tools"`
	Devices map[string]string `toml:"devices"`
	Backend Backend           `toml:"backend"`
	Proxy   Proxy             `toml:"proxy"`
	Control Control           `toml:"control"`
}

type Model struct {
	Name         string `toml:"name"`
	Voice        string `toml:"voice"`
	SystemPrompt string `toml:"system_prompt"`

	// Filled from the environment, never from the file.
	APIKey       string `toml:"-"`
	OpenAIAPIKey string `toml:"-"`
}

type Audio struct {
	InputDevice      int    `toml:"input_device"`
	PlaybackCapacity int    `toml:"playback_capacity"`
	RecordDir        string `toml:"record_dir"` // empty disables recording
	ChimeDir         string `toml:"chime_dir"`
}

type Video struct {
	Mode    string `toml:"mode"` // none, camera, screen
	Display int    `toml:"display"`
}

type Tools struct {
	ProjectsDir  string            `toml:"projects_dir"`
	WorkspaceDir string            `toml:"workspace_dir"`
	WebAgentURL  string            `toml:"web_agent_url"`
	Printers     []string          `toml:"printers"`
	Permissions  map[string]string `toml:"permissions"` // tool -> auto|confirm|deny
}

type Backend struct {
	Listen string `toml:"listen"`
}

type Proxy struct {
	Socks string `toml:"socks"` // empty disables the proxy
}

type Control struct {
	Socket string `toml:"socket"`
}

const (
	defaultModel  = "gemini-2.0-flash-live-001"
	defaultSocket = "/tmp/ollie.sock"
	defaultListen = "127.0.0.1:8765"
)

// Load reads the TOML file at path. A missing file yields the defaults;
// a malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	default:
		return nil, err
	}

	cfg.applyDefaults()
	cfg.Model.APIKey = os.Getenv("GEMINI_API_KEY")
	cfg.Model.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Model.Name == "" {
		c.Model.Name = defaultModel
	}
	if c.Audio.InputDevice == 0 {
		c.Audio.InputDevice = -1 // system default input
	}
	if c.Video.Mode == "" {
		c.Video.Mode = "none"
	}
	if c.Backend.Listen == "" {
		c.Backend.Listen = defaultListen
	}
	if c.Control.Socket == "" {
		c.Control.Socket = defaultSocket
	}
	if c.Tools.ProjectsDir == "" {
		c.Tools.ProjectsDir = "projects"
	}
	if c.Tools.WorkspaceDir == "" {
		c.Tools.WorkspaceDir = "workspace"
	}
}

func (c *Config) validate() error {
	switch c.Video.Mode {
	case "none", "camera", "screen":
	default:
		return fmt.Errorf("video.mode must be none, camera or screen, got %q", c.Video.Mode)
	}
	for tool, level := range c.Tools.Permissions {
		switch level {
		case "auto", "confirm", "deny":
		default:
			return fmt.Errorf("tools.permissions[%s]: bad level %q", tool, level)
		}
	}
	return nil
}
