package main

import (
	"fmt"
	"os"
	"strings"

	cli "github.com/spf13/pflag"

	"ollie/internal/ipc"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ollie-ctl [--socket PATH] COMMAND

commands:
  start                      start a session
  stop                       stop the session
  pause | resume             gate outbound capture
  clear                      drop buffered playback audio
  status                     show session state
  say TEXT...                inject a text turn
  confirm CALL_ID yes|no     resolve a pending tool confirmation
  perm TOOL=LEVEL...         set permission levels (auto|confirm|deny)`)
	os.Exit(2)
}

func main() {
	socket := cli.StringP("socket", "s", ipc.DefaultSocketPath, "Daemon control socket")
	cli.Parse()

	args := cli.Args()
	if len(args) == 0 {
		usage()
	}

	cmd, err := buildCommand(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
	}

	reply, err := ipc.Send(*socket, cmd)
	if err != nil {
		fmt.Println("ollie daemon not running:", err)
		os.Exit(1)
	}

	if !reply.OK {
		fmt.Println("error:", reply.Detail)
		os.Exit(1)
	}
	if reply.Detail != "" {
		fmt.Println(reply.Detail)
	}
}

func buildCommand(args []string) (ipc.Command, error) {
	switch args[0] {
	case "start", "stop", "pause", "resume", "clear", "status":
		return ipc.Command{Cmd: args[0]}, nil

	case "say":
		if len(args) < 2 {
			return ipc.Command{}, fmt.Errorf("say needs text")
		}
		return ipc.Command{Cmd: ipc.CmdSay, Text: strings.Join(args[1:], " ")}, nil

	case "confirm":
		if len(args) != 3 {
			return ipc.Command{}, fmt.Errorf("confirm needs a call id and yes|no")
		}
		var approve bool
		switch args[2] {
		case "yes", "y":
			approve = true
		case "no", "n":
		default:
			return ipc.Command{}, fmt.Errorf("confirm decision must be yes or no, got %q", args[2])
		}
		return ipc.Command{Cmd: ipc.CmdConfirm, CallID: args[1], Approve: approve}, nil

	case "perm":
		if len(args) < 2 {
			return ipc.Command{}, fmt.Errorf("perm needs TOOL=LEVEL pairs")
		}
		perms := map[string]string{}
		for _, pair := range args[1:] {
			tool, level, ok := strings.Cut(pair, "=")
			if !ok || tool == "" || level == "" {
				return ipc.Command{}, fmt.Errorf("bad perm %q, want TOOL=LEVEL", pair)
			}
			perms[tool] = level
		}
		return ipc.Command{Cmd: ipc.CmdPerm, Perms: perms}, nil

	default:
		return ipc.Command{}, fmt.Errorf("unknown command %q", args[0])
	}
}
