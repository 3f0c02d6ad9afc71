// Package agents holds the tool backends the model can invoke through
// the gateway: CAD generation, smart-home control, printer discovery,
// web automation and workspace file access.
package agents

import (
	"fmt"

	openai "github.com/openai/openai-go/v3"

	"ollie/internal/tools"
)

// Config wires the backends to their external collaborators.
type Config struct {
	ProjectsDir  string            // CAD project workspace
	WorkspaceDir string            // root for file tools
	OpenAI       *openai.Client    // CAD script generation; nil disables CAD tools
	SmartDevices map[string]string // device name -> host:port
	PrinterHosts []string          // candidate 3D printer hosts
	WebAgentURL  string            // external web-automation agent endpoint
}

// RegisterAll registers every configured tool backend.
func RegisterAll(reg *tools.Registry, cfg Config) error {
	cad := &CadAgent{client: cfg.OpenAI, projectsDir: cfg.ProjectsDir}
	kasa := &KasaAgent{devices: cfg.SmartDevices}
	printers := &PrinterAgent{hosts: cfg.PrinterHosts, projectsDir: cfg.ProjectsDir}
	web := &WebAgent{endpoint: cfg.WebAgentURL}
	files := &FileAgent{root: cfg.WorkspaceDir}

	for _, r := range []func(*tools.Registry) error{
		cad.Register,
		kasa.Register,
		printers.Register,
		web.Register,
		files.Register,
	} {
		if err := r(reg); err != nil {
			return fmt.Errorf("register tools: %w", err)
		}
	}
	return nil
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
