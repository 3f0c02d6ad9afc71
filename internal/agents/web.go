package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "log/slog"

	"ollie/internal/tools"
)

// WebAgent delegates browsing tasks to an external automation agent
// over plain HTTP. The agent runs as its own process since it drives a
// full browser.
type WebAgent struct {
	endpoint string
	client   *http.Client
}

const webAgentTimeout = 5 * time.Minute

func (a *WebAgent) Register(reg *tools.Registry) error {
	return reg.Register(tools.Descriptor{
		Name:        "run_web_agent",
		Description: "Run a browsing task (searching, ordering parts, filling forms) through the web automation agent.",
		Parameters: objectSchema(map[string]any{
			"task": stringProp("What the web agent should accomplish."),
		}, "task"),
		Category: tools.CategoryEffect,
	}, a.run)
}

func (a *WebAgent) run(ctx context.Context, args map[string]any) (map[string]any, error) {
	task, err := argString(args, "task")
	if err != nil {
		return nil, err
	}
	if a.endpoint == "" {
		return nil, errors.New("web agent is not configured")
	}

	body, err := json.Marshal(map[string]string{"task": task})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, webAgentTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.client
	if client == nil {
		client = http.DefaultClient
	}
	log.Info("delegating to web agent", "task", task)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web agent: %s", resp.Status)
	}

	var out struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("web agent: bad reply: %w", err)
	}
	return map[string]any{"result": out.Result}, nil
}
