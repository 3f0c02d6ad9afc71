// Package backend exposes the orchestrator to browser clients over a
// websocket: JSON commands in, JSON events out.
package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	log "log/slog"

	ws "github.com/gorilla/websocket"

	"ollie/internal/session"
)

// clientQueueDepth bounds each client's outbound queue. Audio events
// are dropped for slow clients; everything else evicts the oldest
// queued event to make room.
const clientQueueDepth = 64

type Server struct {
	orch       *session.Orchestrator
	sessionCfg session.Config
	upgrader   ws.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *ws.Conn
	out  chan event
}

func NewServer(orch *session.Orchestrator, cfg session.Config) *Server {
	return &Server{
		orch:       orch,
		sessionCfg: cfg,
		upgrader: ws.Upgrader{
			// The backend binds to loopback; the browser page is served
			// from file:// or a dev server, so origin checks are moot.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

// Handler returns the HTTP mux: websocket endpoint plus a JSON status
// probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Run fans orchestrator events out to every connected client until ctx
// is done. It owns the events channel; nothing else may drain it.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.orch.Events():
			s.broadcast(encodeEvent(ev))
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"state": string(s.orch.State())})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, out: make(chan event, clientQueueDepth)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	log.Info("client connected", "remote", conn.RemoteAddr())

	go c.writeLoop()
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	close(c.out)
	conn.Close()
	log.Info("client disconnected", "remote", conn.RemoteAddr())
}

func (s *Server) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				log.Debug("read failed", "err", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.send(event{Type: evtError, Detail: "malformed command"})
			continue
		}
		s.dispatch(c, cmd)
	}
}

func (s *Server) dispatch(c *client, cmd command) {
	switch cmd.Type {
	case cmdStartAudio:
		cfg := s.sessionCfg
		if cmd.Video != "" {
			cfg.VideoMode = session.VideoMode(cmd.Video)
		}
		if err := s.orch.Start(cfg); err != nil {
			c.send(event{Type: evtError, Detail: err.Error()})
		}

	case cmdStopAudio:
		s.orch.Stop()

	case cmdUserInput:
		if err := s.orch.InjectText(cmd.Text); err != nil {
			c.send(event{Type: evtError, Detail: err.Error()})
		}

	case cmdConfirmTool:
		if err := s.orch.ResolveToolConfirmation(cmd.CallID, cmd.Approved); err != nil {
			c.send(event{Type: evtError, Detail: err.Error()})
		}

	case cmdUpdatePerms:
		s.orch.UpdatePermissions(parseLevels(cmd.Permissions))

	case cmdClearPlayback:
		s.orch.ClearPlayback()

	case cmdSetPaused:
		if cmd.Paused {
			s.orch.Pause()
		} else {
			s.orch.Resume()
		}

	default:
		c.send(event{Type: evtError, Detail: "unknown command " + cmd.Type})
	}
}

func (s *Server) broadcast(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.send(ev)
	}
}

// send queues an event for the client without ever blocking the
// broadcaster. Audio falls on the floor when the client lags; control
// events push out the oldest queued item instead.
func (c *client) send(ev event) {
	select {
	case c.out <- ev:
		return
	default:
	}
	if ev.Type == evtAudioData {
		return
	}
	select {
	case <-c.out:
	default:
	}
	select {
	case c.out <- ev:
	default:
	}
}

func (c *client) writeLoop() {
	for ev := range c.out {
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
