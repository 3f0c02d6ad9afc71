package agents

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	log "log/slog"

	"ollie/internal/tools"
)

// KasaAgent talks the TP-Link Kasa local protocol: length-prefixed JSON
// over TCP 9999, obfuscated with the autokey XOR cipher.
type KasaAgent struct {
	devices map[string]string // name -> host:port
	dial    func(ctx context.Context, addr string) (net.Conn, error)
}

const kasaTimeout = 3 * time.Second

func (a *KasaAgent) Register(reg *tools.Registry) error {
	if err := reg.Register(tools.Descriptor{
		Name:        "list_smart_devices",
		Description: "List the smart home devices available for control.",
		Parameters:  objectSchema(map[string]any{}),
		Category:    tools.CategoryRead,
	}, a.list); err != nil {
		return err
	}
	return reg.Register(tools.Descriptor{
		Name:        "control_light",
		Description: "Turn a smart light or plug on or off.",
		Parameters: objectSchema(map[string]any{
			"device": stringProp("Device name as returned by list_smart_devices."),
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"on", "off"},
				"description": "Desired state.",
			},
		}, "device", "action"),
		Category: tools.CategoryEffect,
	}, a.control)
}

func (a *KasaAgent) list(_ context.Context, _ map[string]any) (map[string]any, error) {
	names := make([]string, 0, len(a.devices))
	for name := range a.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{"devices": names}, nil
}

func (a *KasaAgent) control(ctx context.Context, args map[string]any) (map[string]any, error) {
	device, err := argString(args, "device")
	if err != nil {
		return nil, err
	}
	action, err := argString(args, "action")
	if err != nil {
		return nil, err
	}

	var state int
	switch action {
	case "on":
		state = 1
	case "off":
		state = 0
	default:
		return nil, fmt.Errorf("action must be \"on\" or \"off\", got %q", action)
	}

	addr, ok := a.devices[device]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", device)
	}

	cmd := fmt.Sprintf(`{"system":{"set_relay_state":{"state":%d}}}`, state)
	reply, err := a.send(ctx, addr, []byte(cmd))
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", device, err)
	}

	var parsed struct {
		System struct {
			SetRelayState struct {
				ErrCode int `json:"err_code"`
			} `json:"set_relay_state"`
		} `json:"system"`
	}
	if err := json.Unmarshal(reply, &parsed); err != nil {
		return nil, fmt.Errorf("device %q: bad reply: %w", device, err)
	}
	if code := parsed.System.SetRelayState.ErrCode; code != 0 {
		return nil, fmt.Errorf("device %q refused command (err_code %d)", device, code)
	}

	log.Info("smart device switched", "device", device, "action", action)
	return map[string]any{"device": device, "state": action}, nil
}

func (a *KasaAgent) send(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	dial := a.dial
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, kasaTimeout)
	defer cancel()

	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(kasaEncrypt(payload)); err != nil {
		return nil, err
	}

	var head [4]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n > 1<<20 {
		return nil, fmt.Errorf("oversized reply (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return kasaDecrypt(body), nil
}

const kasaKey = byte(171)

func kasaEncrypt(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	key := kasaKey
	for i, b := range payload {
		key ^= b
		out[4+i] = key
	}
	return out
}

func kasaDecrypt(data []byte) []byte {
	out := make([]byte, len(data))
	key := kasaKey
	for i, b := range data {
		out[i] = key ^ b
		key = b
	}
	return out
}
