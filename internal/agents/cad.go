package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	log "log/slog"

	openai "github.com/openai/openai-go/v3"

	"ollie/internal/tools"
)

const cadModelFile = "model.scad"

const cadSystemPrompt = `You are a parametric CAD assistant. Reply with a complete
OpenSCAD script and nothing else: no markdown fences, no commentary.
Use named parameters at the top of the script and millimetre units.`

const cadIteratePrompt = `You are a parametric CAD assistant. You will receive an
existing OpenSCAD script and a change request. Reply with the full revised
script and nothing else: no markdown fences, no commentary.`

// CadAgent turns natural-language part descriptions into OpenSCAD
// projects on disk.
type CadAgent struct {
	client      *openai.Client
	projectsDir string
}

func (a *CadAgent) Register(reg *tools.Registry) error {
	descs := []struct {
		d tools.Descriptor
		h tools.Handler
	}{
		{
			tools.Descriptor{
				Name:        "generate_cad",
				Description: "Generate a new parametric CAD model from a description and save it as a project.",
				Parameters: objectSchema(map[string]any{
					"description": stringProp("What the part should be, with dimensions where known."),
					"project":     stringProp("Short project name for the new model."),
				}, "description", "project"),
				Category: tools.CategoryEffect,
			},
			a.generate,
		},
		{
			tools.Descriptor{
				Name:        "iterate_cad",
				Description: "Revise an existing CAD project according to a change request.",
				Parameters: objectSchema(map[string]any{
					"project": stringProp("Name of the project to revise."),
					"change":  stringProp("What to change about the model."),
				}, "project", "change"),
				Category: tools.CategoryEffect,
			},
			a.iterate,
		},
		{
			tools.Descriptor{
				Name:        "list_projects",
				Description: "List existing CAD projects.",
				Parameters:  objectSchema(map[string]any{}),
				Category:    tools.CategoryRead,
			},
			a.list,
		},
	}
	for _, t := range descs {
		if err := reg.Register(t.d, t.h); err != nil {
			return err
		}
	}
	return nil
}

func (a *CadAgent) generate(ctx context.Context, args map[string]any) (map[string]any, error) {
	desc, err := argString(args, "description")
	if err != nil {
		return nil, err
	}
	name, err := argString(args, "project")
	if err != nil {
		return nil, err
	}

	script, err := a.complete(ctx, cadSystemPrompt, desc)
	if err != nil {
		return nil, err
	}

	path, err := a.writeProject(name, script)
	if err != nil {
		return nil, err
	}
	log.Info("generated cad project", "project", name, "path", path)
	return map[string]any{"project": projectSlug(name), "path": path}, nil
}

func (a *CadAgent) iterate(ctx context.Context, args map[string]any) (map[string]any, error) {
	name, err := argString(args, "project")
	if err != nil {
		return nil, err
	}
	change, err := argString(args, "change")
	if err != nil {
		return nil, err
	}

	path := filepath.Join(a.projectsDir, projectSlug(name), cadModelFile)
	current, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("project %q: %w", name, err)
	}

	prompt := fmt.Sprintf("Current script:\n%s\n\nChange request: %s", current, change)
	script, err := a.complete(ctx, cadIteratePrompt, prompt)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return nil, err
	}
	log.Info("revised cad project", "project", name)
	return map[string]any{"project": projectSlug(name), "path": path}, nil
}

func (a *CadAgent) list(_ context.Context, _ map[string]any) (map[string]any, error) {
	entries, err := os.ReadDir(a.projectsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{"projects": []string{}}, nil
		}
		return nil, err
	}

	projects := []string{}
	for _, e := range entries {
		if e.IsDir() {
			projects = append(projects, e.Name())
		}
	}
	sort.Strings(projects)
	return map[string]any{"projects": projects}, nil
}

func (a *CadAgent) complete(ctx context.Context, system, user string) (string, error) {
	if a.client == nil {
		return "", errors.New("cad generation is not configured")
	}

	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model: openai.ChatModelGPT5Nano,
	})
	if err != nil {
		return "", fmt.Errorf("cad completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("cad completion: empty response")
	}
	return stripFences(resp.Choices[0].Message.Content), nil
}

func (a *CadAgent) writeProject(name, script string) (string, error) {
	dir := filepath.Join(a.projectsDir, projectSlug(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, cadModelFile)
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func projectSlug(name string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// stripFences drops a markdown code fence if the model wrapped the
// script in one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
