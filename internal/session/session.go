package session

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ollie/internal/channel"
	"ollie/internal/tools"
	"ollie/pkg/audioconv"
)

var (
	ErrAlreadyRunning = errors.New("session already running")
	ErrNotRunning     = errors.New("no active session")
)

// AudioSource produces fixed-size mono float32 frames from a capture
// device. ReadFrame blocks on the hardware read; Close unblocks it.
type AudioSource interface {
	ReadFrame() ([]float32, error)
	SampleRate() int
	Close() error
}

// FrameSource produces encoded still frames for the video path.
type FrameSource interface {
	Capture() (data []byte, mime string, err error)
	Close() error
}

// Deps are the collaborators a session needs. Injected so tests can run
// the full task graph against fakes.
type Deps struct {
	Dial       channel.DialFunc
	OpenMic    func(deviceIndex int) (AudioSource, error)
	OpenFrames func(mode VideoMode) (FrameSource, error)
	Record     func(pcm []byte) // optional tap on inbound audio

	PlaybackCapacity int
	FrameInterval    time.Duration // default 1s
	OutboundDepth    int           // default 64
}

// Config for one session start.
type Config struct {
	InputDevice int // -1 selects the system default
	VideoMode   VideoMode
}

type outbound struct {
	audio  []byte
	text   string
	isText bool
}

type active struct {
	id     string
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	ch      channel.Channel
	mic     AudioSource
	frames  FrameSource
	gateway *tools.Gateway

	out      chan outbound
	wg       sync.WaitGroup
	stopOnce sync.Once

	// closed once the connect phase is over (devices and channel either
	// acquired or abandoned); teardown must not touch them earlier
	ready chan struct{}
}

// Orchestrator owns the lifecycle of one conversation session and runs
// the concurrent task graph that ties capture, the model channel, the
// tool gateway and playback together. At most one session is live per
// instance; Start while one is running is an idempotent no-op.
type Orchestrator struct {
	deps     Deps
	registry *tools.Registry
	policy   *tools.Policy

	playback *PlaybackBuffer
	events   chan Event

	mu    sync.Mutex
	state State
	sess  *active

	paused atomic.Bool
}

func NewOrchestrator(registry *tools.Registry, policy *tools.Policy, deps Deps) *Orchestrator {
	if deps.FrameInterval <= 0 {
		deps.FrameInterval = time.Second
	}
	if deps.OutboundDepth <= 0 {
		deps.OutboundDepth = 64
	}
	return &Orchestrator{
		deps:     deps,
		registry: registry,
		policy:   policy,
		playback: NewPlaybackBuffer(deps.PlaybackCapacity),
		events:   make(chan Event, 256),
		state:    StateIdle,
	}
}

// Events is the outward notification stream. Audio events are dropped
// when the consumer lags; everything else is delivered.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Playback exposes the inbound audio buffer for the local sink.
func (o *Orchestrator) Playback() *PlaybackBuffer { return o.playback }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start connects the model channel, opens capture devices and launches
// the task graph. Returns ErrAlreadyRunning (benign) when a session is
// live; on failure the orchestrator is back in StateStopped with every
// partially acquired resource released. The session is published before
// the connect phase so a concurrent Stop can cancel an in-flight dial.
func (o *Orchestrator) Start(cfg Config) error {
	o.mu.Lock()
	switch o.state {
	case StateConnecting, StateActive, StatePaused, StateStopping:
		o.mu.Unlock()
		log.Warn("Start ignored, session already running")
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &active{
		id:     uuid.NewString(),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan outbound, o.deps.OutboundDepth),
		ready:  make(chan struct{}),
	}
	o.sess = a
	o.state = StateConnecting
	o.mu.Unlock()
	o.emitStatus(StateConnecting, "")

	err := o.connect(a, cfg)
	close(a.ready)
	if err != nil {
		o.teardown(a, err.Error())
		return err
	}
	if a.ctx.Err() != nil {
		// Stop arrived while we were connecting
		o.teardown(a, "")
		return ErrNotRunning
	}

	o.mu.Lock()
	o.state = StateActive
	o.mu.Unlock()
	o.emitStatus(StateActive, "")

	log.Info("Session started", "id", a.id, "video", cfg.VideoMode)
	return nil
}

// connect acquires the devices and channel, then launches the task
// graph. Fields are written before ready closes, so teardown sees them.
func (o *Orchestrator) connect(a *active, cfg Config) error {
	mic, err := o.deps.OpenMic(cfg.InputDevice)
	if err != nil {
		// audio is the primary modality: no mic, no session
		return fmt.Errorf("open microphone: %w", err)
	}
	a.mic = mic

	ch, err := o.deps.Dial(a.ctx)
	if err != nil {
		return err
	}
	a.ch = ch

	if cfg.VideoMode != VideoNone && cfg.VideoMode != "" {
		frames, err := o.deps.OpenFrames(cfg.VideoMode)
		if err != nil {
			// video is non-essential: degrade to audio-only
			log.Warn("Video source unavailable, continuing audio-only", "mode", cfg.VideoMode, "err", err)
			o.emitStatus(StateConnecting, "video unavailable, audio-only")
			frames = nil
		}
		a.frames = frames
	}

	a.gateway = tools.NewGateway(o.registry, o.policy,
		func(res tools.Result) {
			if err := ch.SendToolResult(res); err != nil {
				log.Error("Failed to send tool result", "id", res.ID, "err", err)
			}
			o.emit(Event{Kind: EventToolResult, Result: &res})
		},
		func(call tools.Call) {
			o.emit(Event{Kind: EventConfirmRequest, Call: &call})
		},
	)

	o.paused.Store(false)

	a.wg.Add(3)
	go o.captureAudio(a)
	go o.sendLoop(a)
	go o.receiveLoop(a)
	if a.frames != nil {
		a.wg.Add(1)
		go o.captureVideo(a)
	}
	return nil
}

// Stop tears the session down. Safe to call multiple times, from any
// goroutine, before Start ever ran, and while a start is still
// connecting: the dial context is cancelled and the start finishes as
// stopped instead of going active.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	a := o.sess
	o.mu.Unlock()
	if a == nil {
		return
	}

	a.cancel()
	<-a.ready // let the connect phase settle before releasing devices
	o.teardown(a, "")
}

// teardown releases everything the session holds. Once per session;
// later calls (a racing Stop, a failed Start) are no-ops.
func (o *Orchestrator) teardown(a *active, detail string) {
	a.stopOnce.Do(func() {
		o.mu.Lock()
		o.state = StateStopping
		o.mu.Unlock()
		o.emitStatus(StateStopping, "")

		a.cancel()
		if a.ch != nil {
			_ = a.ch.Close() // unblocks the receive loop
		}
		if a.mic != nil {
			_ = a.mic.Close()
		}
		if a.frames != nil {
			_ = a.frames.Close()
		}

		a.wg.Wait()
		if a.gateway != nil {
			a.gateway.Wait()
		}

		o.playback.Clear()

		o.mu.Lock()
		o.sess = nil
		o.state = StateStopped
		o.mu.Unlock()
		o.emitStatus(StateStopped, detail)
		log.Info("Session stopped", "id", a.id)
	})
}

// Pause stops captured media from being enqueued; inbound playback is
// unaffected and the channel stays open.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	if o.state != StateActive {
		o.mu.Unlock()
		return
	}
	o.state = StatePaused
	o.mu.Unlock()

	o.paused.Store(true)
	o.emitStatus(StatePaused, "")
}

func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if o.state != StatePaused {
		o.mu.Unlock()
		return
	}
	o.state = StateActive
	o.mu.Unlock()

	o.paused.Store(false)
	o.emitStatus(StateActive, "")
}

// InjectText enqueues a synthetic end-of-turn text input through the
// same FIFO as captured audio, preserving order.
func (o *Orchestrator) InjectText(text string) error {
	o.mu.Lock()
	a := o.sess
	o.mu.Unlock()
	if a == nil {
		return ErrNotRunning
	}

	select {
	case a.out <- outbound{text: text, isText: true}:
		return nil
	case <-a.ctx.Done():
		return ErrNotRunning
	}
}

// ResolveToolConfirmation releases a call held for confirmation.
func (o *Orchestrator) ResolveToolConfirmation(callID string, approved bool) error {
	o.mu.Lock()
	a := o.sess
	o.mu.Unlock()
	if a == nil {
		return fmt.Errorf("%w: %s", tools.ErrUnknownCall, callID)
	}
	select {
	case <-a.ready:
	default:
		// still connecting, nothing can be pending yet
		return fmt.Errorf("%w: %s", tools.ErrUnknownCall, callID)
	}
	if a.gateway == nil {
		return fmt.Errorf("%w: %s", tools.ErrUnknownCall, callID)
	}
	return a.gateway.Resolve(callID, approved)
}

// UpdatePermissions merges a policy patch; only future dispatches see it.
func (o *Orchestrator) UpdatePermissions(patch map[string]tools.Level) {
	o.policy.Merge(patch)
}

// ClearPlayback discards all buffered inbound audio immediately.
func (o *Orchestrator) ClearPlayback() {
	o.playback.Clear()
}

// --- task graph ---

func (o *Orchestrator) captureAudio(a *active) {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		frame, err := a.mic.ReadFrame()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			// audio capture failure is fatal to the whole session
			log.Error("Microphone read failed", "err", err)
			o.emit(Event{Kind: EventError, Err: fmt.Errorf("microphone: %w", err)})
			go o.Stop()
			return
		}
		if o.paused.Load() {
			continue
		}

		pcm := audioconv.Float32ToPCM16LE(frame)
		select {
		case a.out <- outbound{audio: pcm}:
		default:
			// full queue never blocks capture; drop the chunk
			log.Debug("Outbound queue full, dropping audio chunk")
		}
	}
}

func (o *Orchestrator) sendLoop(a *active) {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case item := <-a.out:
			var err error
			if item.isText {
				err = a.ch.SendText(item.text)
			} else {
				err = a.ch.SendAudio(item.audio)
			}
			if err != nil {
				if a.ctx.Err() != nil {
					return
				}
				// channel-level failures surface through the receive loop
				log.Warn("Channel send failed", "err", err)
			}
		}
	}
}

func (o *Orchestrator) receiveLoop(a *active) {
	defer a.wg.Done()

	for {
		ev := a.ch.Receive()
		switch ev.Kind {
		case channel.EventAudio:
			o.playback.Push(ev.Audio)
			if o.deps.Record != nil {
				o.deps.Record(ev.Audio)
			}
			o.emit(Event{Kind: EventAudio, Audio: ev.Audio})

		case channel.EventTranscript:
			o.emit(Event{Kind: EventTranscript, Text: ev.Text})

		case channel.EventToolCall:
			// dispatch never blocks: handlers run on their own goroutines
			a.gateway.Dispatch(a.ctx, *ev.Call)

		case channel.EventInterrupted:
			log.Debug("Model interrupted, clearing playback")
			o.playback.Clear()

		case channel.EventTurnComplete:
			log.Debug("Turn complete")

		case channel.EventClosed:
			if ev.Err != nil && a.ctx.Err() == nil {
				o.emit(Event{Kind: EventError, Err: ev.Err})
			}
			go o.Stop()
			return
		}
	}
}

// captureVideo captures and sends one frame per tick. Capture and send
// share the task, so at most one frame is ever pending: latest-only by
// construction, never queued behind audio.
func (o *Orchestrator) captureVideo(a *active) {
	defer a.wg.Done()

	ticker := time.NewTicker(o.deps.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		if o.paused.Load() {
			continue
		}

		data, mime, err := a.frames.Capture()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			// video failure degrades the session, never kills it
			log.Warn("Frame capture failed, disabling video", "err", err)
			o.emitStatus(o.State(), "video failed, audio-only")
			return
		}
		if err := a.ch.SendFrame(mime, data); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			log.Warn("Frame send failed", "err", err)
		}
	}
}

// --- events ---

func (o *Orchestrator) emit(ev Event) {
	if ev.Kind == EventAudio {
		select {
		case o.events <- ev:
		default:
		}
		return
	}
	o.events <- ev
}

func (o *Orchestrator) emitStatus(s State, detail string) {
	o.emit(Event{Kind: EventStatus, State: s, Detail: detail})
}
