package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ollie/internal/tools"
)

// readFileLimit caps read_file output; the reply travels back through
// the model context.
const readFileLimit = 256 * 1024

// FileAgent exposes a workspace directory to the model. All paths are
// resolved relative to the root and may not escape it.
type FileAgent struct {
	root string
}

func (a *FileAgent) Register(reg *tools.Registry) error {
	descs := []struct {
		d tools.Descriptor
		h tools.Handler
	}{
		{
			tools.Descriptor{
				Name:        "read_directory",
				Description: "List the entries of a directory inside the workspace.",
				Parameters: objectSchema(map[string]any{
					"path": stringProp("Directory path relative to the workspace root. Use \".\" for the root."),
				}, "path"),
				Category: tools.CategoryRead,
			},
			a.readDir,
		},
		{
			tools.Descriptor{
				Name:        "read_file",
				Description: "Read a text file inside the workspace.",
				Parameters: objectSchema(map[string]any{
					"path": stringProp("File path relative to the workspace root."),
				}, "path"),
				Category: tools.CategoryRead,
			},
			a.readFile,
		},
		{
			tools.Descriptor{
				Name:        "write_file",
				Description: "Write a text file inside the workspace, creating parent directories as needed.",
				Parameters: objectSchema(map[string]any{
					"path":    stringProp("File path relative to the workspace root."),
					"content": stringProp("Full file content to write."),
				}, "path", "content"),
				Category: tools.CategoryEffect,
			},
			a.writeFile,
		},
	}
	for _, t := range descs {
		if err := reg.Register(t.d, t.h); err != nil {
			return err
		}
	}
	return nil
}

func (a *FileAgent) readDir(_ context.Context, args map[string]any) (map[string]any, error) {
	path, err := a.resolve(args)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{"entries": names}, nil
}

func (a *FileAgent) readFile(_ context.Context, args map[string]any) (map[string]any, error) {
	path, err := a.resolve(args)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > readFileLimit {
		return nil, fmt.Errorf("file is too large to read (%d bytes, limit %d)", info.Size(), readFileLimit)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": string(data)}, nil
}

func (a *FileAgent) writeFile(_ context.Context, args map[string]any) (map[string]any, error) {
	path, err := a.resolve(args)
	if err != nil {
		return nil, err
	}
	content, err := argString(args, "content")
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes": len(content)}, nil
}

// resolve joins the path argument onto the workspace root and rejects
// anything that escapes it.
func (a *FileAgent) resolve(args map[string]any) (string, error) {
	rel, err := argString(args, "path")
	if err != nil {
		return "", err
	}
	if a.root == "" {
		return "", fmt.Errorf("workspace root is not configured")
	}

	full := filepath.Join(a.root, filepath.Clean("/"+rel))
	rootClean := filepath.Clean(a.root)
	if full != rootClean && !strings.HasPrefix(full, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return full, nil
}
