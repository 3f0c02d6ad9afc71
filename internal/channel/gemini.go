package channel

import (
	"context"
	"fmt"
	log "log/slog"
	"net/http"
	"sync/atomic"

	"google.golang.org/genai"

	"ollie/internal/tools"
)

// GeminiConfig configures the Live API connection.
type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	Voice        string
	HTTPClient   *http.Client
	Registry     *tools.Registry
}

// liveSession is the slice of genai.Session the channel needs; an
// interface so the wiring is testable without a real connection.
type liveSession interface {
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendClientContent(genai.LiveClientContentInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type geminiChannel struct {
	session liveSession
	queue   []Event // decoded events not yet handed out; receive-loop-only

	// written by Close from the stopping goroutine, read by the
	// receive loop
	closed atomic.Bool
}

// DialGemini opens a Live API session. Connection failures map to
// ErrUnavailable so the orchestrator can surface a clean start error.
func DialGemini(ctx context.Context, cfg GeminiConfig) (Channel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	lcfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.SystemPrompt != "" {
		lcfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemPrompt}},
		}
	}
	if cfg.Voice != "" {
		lcfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Registry != nil {
		if decls := declarations(cfg.Registry); len(decls) > 0 {
			lcfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		}
	}

	session, err := client.Live.Connect(ctx, cfg.Model, lcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	log.Info("Live channel connected", "model", cfg.Model)
	return &geminiChannel{session: session}, nil
}

func (c *geminiChannel) SendAudio(pcm []byte) error {
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: "audio/pcm;rate=16000", Data: pcm},
	})
}

func (c *geminiChannel) SendFrame(mime string, data []byte) error {
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: mime, Data: data},
	})
}

func (c *geminiChannel) SendText(text string) error {
	return c.session.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: text}},
		}},
		TurnComplete: genai.Ptr(true),
	})
}

func (c *geminiChannel) SendToolResult(res tools.Result) error {
	// Annotate a copy; the caller's payload stays untouched.
	payload := make(map[string]any, len(res.Payload)+1)
	for k, v := range res.Payload {
		payload[k] = v
	}
	payload["status"] = string(res.Status)

	return c.session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       res.ID,
			Name:     res.Name,
			Response: payload,
		}},
	})
}

// Receive decodes server messages into tagged events, preserving the
// order the Live API delivered them. One message can carry several
// events; extras are queued for subsequent calls.
func (c *geminiChannel) Receive() Event {
	for {
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue = c.queue[1:]
			return ev
		}
		if c.closed.Load() {
			return Event{Kind: EventClosed}
		}

		msg, err := c.session.Receive()
		if err != nil {
			c.closed.Store(true)
			return Event{Kind: EventClosed, Err: err}
		}
		c.queue = decode(msg)
	}
}

func (c *geminiChannel) Close() error {
	c.closed.Store(true)
	return c.session.Close()
}

func decode(msg *genai.LiveServerMessage) []Event {
	var out []Event

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			out = append(out, Event{Kind: EventInterrupted})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
					out = append(out, Event{Kind: EventAudio, Audio: part.InlineData.Data})
				}
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, Event{Kind: EventTranscript, Text: sc.OutputTranscription.Text})
		}
		if sc.TurnComplete {
			out = append(out, Event{Kind: EventTurnComplete})
		}
	}

	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			out = append(out, Event{Kind: EventToolCall, Call: &tools.Call{
				ID:   fc.ID,
				Name: fc.Name,
				Args: fc.Args,
			}})
		}
	}

	return out
}

func declarations(reg *tools.Registry) []*genai.FunctionDeclaration {
	descs := reg.Descriptors()
	out := make([]*genai.FunctionDeclaration, 0, len(descs))
	for _, d := range descs {
		out = append(out, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  toSchema(d.Parameters),
		})
	}
	return out
}

// toSchema maps the opaque JSON-schema-shaped descriptor parameters to
// the SDK's schema type. Only the subset our tools use is handled.
func toSchema(m map[string]any) *genai.Schema {
	if len(m) == 0 {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		switch t {
		case "object":
			s.Type = genai.TypeObject
		case "string":
			s.Type = genai.TypeString
		case "number":
			s.Type = genai.TypeNumber
		case "integer":
			s.Type = genai.TypeInteger
		case "boolean":
			s.Type = genai.TypeBoolean
		case "array":
			s.Type = genai.TypeArray
		}
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if pm, ok := raw.(map[string]any); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	if req, ok := m["required"].([]string); ok {
		s.Required = req
	} else if raw, ok := m["required"].([]any); ok {
		for _, r := range raw {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	if raw, ok := m["enum"].([]any); ok {
		for _, r := range raw {
			if rs, ok := r.(string); ok {
				s.Enum = append(s.Enum, rs)
			}
		}
	} else if en, ok := m["enum"].([]string); ok {
		s.Enum = en
	}
	return s
}
