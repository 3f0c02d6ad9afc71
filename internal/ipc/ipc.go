// Package ipc is the daemon's local control transport: one JSON command
// per unix-socket connection, answered with a JSON reply.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
)

const DefaultSocketPath = "/tmp/ollie.sock"

// Command names accepted by the daemon.
const (
	CmdStart   = "start"
	CmdStop    = "stop"
	CmdPause   = "pause"
	CmdResume  = "resume"
	CmdSay     = "say"
	CmdConfirm = "confirm"
	CmdPerm    = "perm"
	CmdClear   = "clear"
	CmdStatus  = "status"
)

type Command struct {
	Cmd     string            `json:"cmd"`
	Text    string            `json:"text,omitempty"`
	CallID  string            `json:"call_id,omitempty"`
	Approve bool              `json:"approve,omitempty"`
	Perms   map[string]string `json:"perms,omitempty"`
}

type Reply struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type Handler func(Command) Reply

type Server struct {
	ln net.Listener
}

// Listen binds the control socket and serves commands until Close. A
// stale socket file from a previous run is removed first.
func Listen(path string, handler Handler) (*Server, error) {
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	srv := &Server{ln: ln}
	go srv.acceptLoop(handler)
	return srv, nil
}

func (s *Server) acceptLoop(handler Handler) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go handleConn(conn, handler)
	}
}

func handleConn(conn net.Conn, handler Handler) {
	defer conn.Close()

	var cmd Command
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		json.NewEncoder(conn).Encode(Reply{Detail: "bad command"})
		return
	}
	json.NewEncoder(conn).Encode(handler(cmd))
}

func (s *Server) Close() error {
	return s.ln.Close()
}

// Send connects to the daemon socket, submits one command and waits for
// the reply.
func Send(path string, cmd Command) (Reply, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return Reply{}, err
	}

	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}
