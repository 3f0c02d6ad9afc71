package tools

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
)

var ErrUnknownCall = errors.New("unknown call id")

// Status of a finished tool call.
type Status string

const (
	StatusOK     Status = "ok"
	StatusError  Status = "error"
	StatusDenied Status = "denied"
)

// Call is one model-initiated tool invocation.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Result is the single outcome produced for a Call.
type Result struct {
	ID      string
	Name    string
	Status  Status
	Payload map[string]any
}

type pendingCall struct {
	call Call
	ent  entry
	ctx  context.Context
}

// Gateway is the one choke point between inbound tool calls and the
// effectful tool backends. It guarantees exactly one Result per call
// id regardless of path (auto / confirm / deny / unknown / panic), and
// runs handlers on their own goroutines so a slow backend never stalls
// the receive loop.
type Gateway struct {
	reg    *Registry
	policy *Policy

	results  func(Result) // exactly-once result sink
	confirms func(Call)   // confirmation requests to the controlling client

	mu       sync.Mutex
	awaiting map[string]pendingCall
	done     map[string]bool

	wg sync.WaitGroup
}

func NewGateway(reg *Registry, policy *Policy, results func(Result), confirms func(Call)) *Gateway {
	return &Gateway{
		reg:      reg,
		policy:   policy,
		results:  results,
		confirms: confirms,
		awaiting: make(map[string]pendingCall),
		done:     make(map[string]bool),
	}
}

// Dispatch routes one inbound call. Never blocks on handler work.
func (g *Gateway) Dispatch(ctx context.Context, call Call) {
	g.mu.Lock()
	if g.done[call.ID] {
		g.mu.Unlock()
		log.Warn("Duplicate tool call dropped", "id", call.ID, "tool", call.Name)
		return
	}
	if _, held := g.awaiting[call.ID]; held {
		g.mu.Unlock()
		log.Warn("Tool call already awaiting confirmation", "id", call.ID)
		return
	}
	g.mu.Unlock()

	ent, ok := g.reg.lookup(call.Name)
	if !ok {
		log.Warn("Unknown tool requested", "tool", call.Name, "id", call.ID)
		g.finish(Result{
			ID:      call.ID,
			Name:    call.Name,
			Status:  StatusError,
			Payload: map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)},
		})
		return
	}

	// Policy is read once, here. Later policy changes do not touch
	// calls already held below.
	switch g.policy.LevelFor(call.Name, ent.desc.Category) {
	case LevelDeny:
		log.Info("Tool call denied by policy", "tool", call.Name, "id", call.ID)
		g.finish(Result{
			ID:      call.ID,
			Name:    call.Name,
			Status:  StatusDenied,
			Payload: map[string]any{"reason": "denied by permission policy"},
		})

	case LevelConfirm:
		g.mu.Lock()
		g.awaiting[call.ID] = pendingCall{call: call, ent: ent, ctx: ctx}
		g.mu.Unlock()
		log.Info("Tool call held for confirmation", "tool", call.Name, "id", call.ID)
		if g.confirms != nil {
			g.confirms(call)
		}

	default: // LevelAuto
		g.execute(ctx, call, ent)
	}
}

// Resolve releases a call held for confirmation. Fails with
// ErrUnknownCall if the id is not currently awaiting confirmation.
func (g *Gateway) Resolve(callID string, approved bool) error {
	g.mu.Lock()
	pc, ok := g.awaiting[callID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	delete(g.awaiting, callID)
	g.mu.Unlock()

	if !approved {
		log.Info("Tool call denied by user", "tool", pc.call.Name, "id", callID)
		g.finish(Result{
			ID:      callID,
			Name:    pc.call.Name,
			Status:  StatusDenied,
			Payload: map[string]any{"reason": "denied by user"},
		})
		return nil
	}

	g.execute(pc.ctx, pc.call, pc.ent)
	return nil
}

// Wait blocks until all in-flight handler goroutines return. Called
// during session teardown.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

func (g *Gateway) execute(ctx context.Context, call Call, ent entry) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("Tool handler panicked", "tool", call.Name, "id", call.ID, "panic", r)
				g.finish(Result{
					ID:      call.ID,
					Name:    call.Name,
					Status:  StatusError,
					Payload: map[string]any{"error": fmt.Sprintf("handler panic: %v", r)},
				})
			}
		}()

		payload, err := ent.handler(ctx, call.Args)
		if err != nil {
			log.Error("Tool handler failed", "tool", call.Name, "id", call.ID, "err", err)
			g.finish(Result{
				ID:      call.ID,
				Name:    call.Name,
				Status:  StatusError,
				Payload: map[string]any{"error": err.Error()},
			})
			return
		}
		if payload == nil {
			payload = map[string]any{}
		}
		g.finish(Result{ID: call.ID, Name: call.Name, Status: StatusOK, Payload: payload})
	}()
}

func (g *Gateway) finish(res Result) {
	g.mu.Lock()
	if g.done[res.ID] {
		g.mu.Unlock()
		log.Warn("Dropping second result for call", "id", res.ID)
		return
	}
	g.done[res.ID] = true
	g.mu.Unlock()

	if g.results != nil {
		g.results(res)
	}
}
