package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollie/internal/channel"
	"ollie/internal/session"
	"ollie/internal/tools"
)

func TestEncodeEvent(t *testing.T) {
	cases := []struct {
		in   session.Event
		want event
	}{
		{
			session.Event{Kind: session.EventStatus, State: session.StateActive, Detail: "video unavailable, audio-only"},
			event{Type: "status", State: "active", Detail: "video unavailable, audio-only"},
		},
		{
			session.Event{Kind: session.EventAudio, Audio: []byte{1, 2}},
			event{Type: "audio_data", Audio: []byte{1, 2}},
		},
		{
			session.Event{Kind: session.EventTranscript, Text: "hi"},
			event{Type: "transcript", Text: "hi"},
		},
		{
			session.Event{Kind: session.EventConfirmRequest, Call: &tools.Call{ID: "c1", Name: "write_file", Args: map[string]any{"path": "x"}}},
			event{Type: "tool_confirmation", CallID: "c1", Tool: "write_file", Args: map[string]any{"path": "x"}},
		},
		{
			session.Event{Kind: session.EventToolResult, Result: &tools.Result{ID: "c1", Name: "write_file", Status: tools.StatusDenied}},
			event{Type: "tool_result", CallID: "c1", Tool: "write_file", Status: "denied"},
		},
		{
			session.Event{Kind: session.EventError, Err: errors.New("boom")},
			event{Type: "error", Detail: "boom"},
		},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, encodeEvent(c.in), c.want.Type)
	}
}

func TestParseLevels(t *testing.T) {
	got := parseLevels(map[string]string{"write_file": "auto", "control_light": "deny"})
	assert.Equal(t, map[string]tools.Level{
		"write_file":    tools.LevelAuto,
		"control_light": tools.LevelDeny,
	}, got)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	reg := tools.NewRegistry()
	orch := session.NewOrchestrator(reg, tools.NewPolicy(), session.Deps{
		Dial: func(ctx context.Context) (channel.Channel, error) {
			return nil, channel.ErrUnavailable
		},
		OpenMic: func(int) (session.AudioSource, error) {
			return nil, errors.New("no capture device in tests")
		},
	})

	srv := NewServer(orch, session.Config{InputDevice: -1})
	hts := httptest.NewServer(srv.Handler())
	t.Cleanup(hts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	return srv, hts
}

func dialWS(t *testing.T, hts *httptest.Server) *ws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hts.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *ws.Conn) event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// readEventOfType skips interleaved broadcasts (status updates from the
// orchestrator) until the wanted event type arrives.
func readEventOfType(t *testing.T, conn *ws.Conn, typ string) event {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev := readEvent(t, conn)
		if ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("no %s event received", typ)
	return event{}
}

func TestStatusProbe(t *testing.T) {
	_, hts := newTestServer(t)

	resp, err := http.Get(hts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "idle", body["state"])
}

func TestStartAudioFailureReportsError(t *testing.T) {
	_, hts := newTestServer(t)
	conn := dialWS(t, hts)

	require.NoError(t, conn.WriteJSON(command{Type: cmdStartAudio}))
	ev := readEventOfType(t, conn, evtError)
	assert.Contains(t, ev.Detail, "no capture device")
}

func TestUserInputWithoutSession(t *testing.T) {
	_, hts := newTestServer(t)
	conn := dialWS(t, hts)

	require.NoError(t, conn.WriteJSON(command{Type: cmdUserInput, Text: "hello"}))
	ev := readEvent(t, conn)
	assert.Equal(t, evtError, ev.Type)
}

func TestUnknownCommand(t *testing.T) {
	_, hts := newTestServer(t)
	conn := dialWS(t, hts)

	require.NoError(t, conn.WriteJSON(command{Type: "dance"}))
	ev := readEvent(t, conn)
	assert.Equal(t, evtError, ev.Type)
	assert.Contains(t, ev.Detail, "unknown command")
}

func TestMalformedCommand(t *testing.T) {
	_, hts := newTestServer(t)
	conn := dialWS(t, hts)

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte("not json")))
	ev := readEvent(t, conn)
	assert.Equal(t, evtError, ev.Type)
	assert.Equal(t, "malformed command", ev.Detail)
}

func TestClearPlaybackDrainsBuffer(t *testing.T) {
	srv, hts := newTestServer(t)
	conn := dialWS(t, hts)

	srv.orch.Playback().Push([]byte{1, 2, 3, 4})
	srv.orch.Playback().Push([]byte{5, 6, 7, 8})
	require.Equal(t, 2, srv.orch.Playback().Len())

	require.NoError(t, conn.WriteJSON(command{Type: cmdClearPlayback}))
	require.Eventually(t, func() bool {
		return srv.orch.Playback().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesClient(t *testing.T) {
	srv, hts := newTestServer(t)
	conn := dialWS(t, hts)

	// Wait for the connection to register before broadcasting.
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	srv.broadcast(event{Type: evtTranscript, Text: "ready"})
	ev := readEventOfType(t, conn, evtTranscript)
	assert.Equal(t, "ready", ev.Text)
}
