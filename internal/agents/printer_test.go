package agents

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverPrinters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		w.Write([]byte(`{"text":"OctoPrint 1.10.0"}`))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	agent := &PrinterAgent{hosts: []string{host, "127.0.0.1:1"}, client: srv.Client()}

	out, err := agent.discover(context.Background(), nil)
	require.NoError(t, err)

	printers := out["printers"].([]map[string]any)
	require.Len(t, printers, 1, "unreachable host is skipped")
	assert.Equal(t, host, printers[0]["host"])
	assert.Equal(t, "OctoPrint 1.10.0", printers[0]["version"])
}

func TestPrintStl(t *testing.T) {
	var gotPath string
	var gotPrint string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotPrint = r.FormValue("print")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	projects := t.TempDir()
	dir := filepath.Join(projects, "bracket")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.stl"), []byte("solid bracket"), 0o644))

	agent := &PrinterAgent{projectsDir: projects, client: srv.Client()}
	out, err := agent.print(context.Background(), map[string]any{
		"project": "Bracket",
		"printer": strings.TrimPrefix(srv.URL, "http://"),
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["started"])
	assert.Equal(t, "/api/files/local", gotPath)
	assert.Equal(t, "true", gotPrint)
}

func TestPrintStlMissingModel(t *testing.T) {
	agent := &PrinterAgent{projectsDir: t.TempDir()}
	_, err := agent.print(context.Background(), map[string]any{"project": "nope", "printer": "x"})
	assert.ErrorContains(t, err, "no exported STL")
}
