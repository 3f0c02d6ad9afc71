package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "log/slog"

	"ollie/internal/tools"
)

// PrinterAgent probes OctoPrint-compatible hosts and submits sliced
// models for printing.
type PrinterAgent struct {
	hosts       []string
	projectsDir string
	client      *http.Client
}

const printerProbeTimeout = 2 * time.Second

func (a *PrinterAgent) Register(reg *tools.Registry) error {
	if err := reg.Register(tools.Descriptor{
		Name:        "discover_printers",
		Description: "Find reachable 3D printers on the local network.",
		Parameters:  objectSchema(map[string]any{}),
		Category:    tools.CategoryRead,
	}, a.discover); err != nil {
		return err
	}
	return reg.Register(tools.Descriptor{
		Name:        "print_stl",
		Description: "Upload a project's exported STL to a printer and start the print.",
		Parameters: objectSchema(map[string]any{
			"project": stringProp("CAD project whose STL to print."),
			"printer": stringProp("Printer host as returned by discover_printers."),
		}, "project", "printer"),
		Category: tools.CategoryEffect,
	}, a.print)
}

func (a *PrinterAgent) discover(ctx context.Context, _ map[string]any) (map[string]any, error) {
	found := []map[string]any{}
	for _, host := range a.hosts {
		version, err := a.probe(ctx, host)
		if err != nil {
			log.Debug("printer probe failed", "host", host, "err", err)
			continue
		}
		found = append(found, map[string]any{"host": host, "version": version})
	}
	return map[string]any{"printers": found}, nil
}

func (a *PrinterAgent) print(ctx context.Context, args map[string]any) (map[string]any, error) {
	project, err := argString(args, "project")
	if err != nil {
		return nil, err
	}
	printer, err := argString(args, "printer")
	if err != nil {
		return nil, err
	}

	stl := filepath.Join(a.projectsDir, projectSlug(project), "model.stl")
	f, err := os.Open(stl)
	if err != nil {
		return nil, fmt.Errorf("project %q has no exported STL: %w", project, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(stl))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := mw.WriteField("print", "true"); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s/api/files/local", printer)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("printer %q: %w", printer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("printer %q rejected upload: %s", printer, resp.Status)
	}

	log.Info("print started", "project", project, "printer", printer)
	return map[string]any{"project": projectSlug(project), "printer": printer, "started": true}, nil
}

func (a *PrinterAgent) probe(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, printerProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/api/version", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("probe: %s", resp.Status)
	}

	var v struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", err
	}
	return v.Text, nil
}

func (a *PrinterAgent) httpClient() *http.Client {
	if a.client != nil {
		return a.client
	}
	return http.DefaultClient
}
