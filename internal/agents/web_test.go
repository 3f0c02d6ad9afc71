package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebAgentRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "find M3 screws", req["task"])
		json.NewEncoder(w).Encode(map[string]string{"result": "ordered 100x M3x8"})
	}))
	defer srv.Close()

	agent := &WebAgent{endpoint: srv.URL, client: srv.Client()}
	out, err := agent.run(context.Background(), map[string]any{"task": "find M3 screws"})
	require.NoError(t, err)
	assert.Equal(t, "ordered 100x M3x8", out["result"])
}

func TestWebAgentUnconfigured(t *testing.T) {
	agent := &WebAgent{}
	_, err := agent.run(context.Background(), map[string]any{"task": "anything"})
	assert.ErrorContains(t, err, "not configured")
}
