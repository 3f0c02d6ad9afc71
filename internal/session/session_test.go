package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollie/internal/channel"
	"ollie/internal/tools"
)

type sentItem struct {
	kind   string // "audio", "frame", "text", "result"
	text   string
	result tools.Result
}

type fakeChannel struct {
	mu        sync.Mutex
	sent      []sentItem
	events    chan channel.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan channel.Event, 64),
		done:   make(chan struct{}),
	}
}

func (f *fakeChannel) record(it sentItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, it)
}

func (f *fakeChannel) SendAudio(pcm []byte) error {
	f.record(sentItem{kind: "audio"})
	return nil
}

func (f *fakeChannel) SendFrame(mime string, data []byte) error {
	f.record(sentItem{kind: "frame"})
	return nil
}

func (f *fakeChannel) SendText(text string) error {
	f.record(sentItem{kind: "text", text: text})
	return nil
}

func (f *fakeChannel) SendToolResult(res tools.Result) error {
	f.record(sentItem{kind: "result", result: res})
	return nil
}

func (f *fakeChannel) Receive() channel.Event {
	select {
	case ev := <-f.events:
		return ev
	case <-f.done:
		return channel.Event{Kind: channel.EventClosed}
	}
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeChannel) sentItems() []sentItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentItem(nil), f.sent...)
}

func (f *fakeChannel) waitSent(t *testing.T, pred func([]sentItem) bool) []sentItem {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.sentItems(); pred(got) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for sent items, have %v", f.sentItems())
	return nil
}

type fakeMic struct {
	frames    chan []float32
	done      chan struct{}
	closeOnce sync.Once
	failErr   error
	mu        sync.Mutex
}

func newFakeMic() *fakeMic {
	return &fakeMic{
		frames: make(chan []float32, 64),
		done:   make(chan struct{}),
	}
}

func (m *fakeMic) ReadFrame() ([]float32, error) {
	m.mu.Lock()
	failErr := m.failErr
	m.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	select {
	case f := <-m.frames:
		return f, nil
	case <-m.done:
		return nil, errors.New("mic closed")
	}
}

func (m *fakeMic) fail(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
	// wake a blocked ReadFrame
	select {
	case m.frames <- []float32{0}:
	default:
	}
}

func (m *fakeMic) SampleRate() int { return 16000 }

func (m *fakeMic) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) drain(o *Orchestrator) {
	go func() {
		for ev := range o.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) waitFor(t *testing.T, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range l.all() {
			if pred(ev) {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for event")
	return Event{}
}

type testRig struct {
	orch *Orchestrator
	ch   *fakeChannel
	mic  *fakeMic
	log  *eventLog

	invoked map[string]int
	mu      sync.Mutex
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	rig := &testRig{
		ch:      newFakeChannel(),
		mic:     newFakeMic(),
		log:     &eventLog{},
		invoked: map[string]int{},
	}

	reg := tools.NewRegistry()
	mark := func(name string) tools.Handler {
		return func(_ context.Context, _ map[string]any) (map[string]any, error) {
			rig.mu.Lock()
			rig.invoked[name]++
			rig.mu.Unlock()
			return map[string]any{"done": true}, nil
		}
	}
	require.NoError(t, reg.Register(tools.Descriptor{Name: "list_projects", Category: tools.CategoryRead}, mark("list_projects")))
	require.NoError(t, reg.Register(tools.Descriptor{Name: "control_light", Category: tools.CategoryEffect}, mark("control_light")))

	deps := Deps{
		Dial: func(ctx context.Context) (channel.Channel, error) {
			return rig.ch, nil
		},
		OpenMic: func(int) (AudioSource, error) { return rig.mic, nil },
		OpenFrames: func(VideoMode) (FrameSource, error) {
			return nil, errors.New("no frame source in tests")
		},
		FrameInterval: 10 * time.Millisecond,
	}

	rig.orch = NewOrchestrator(reg, tools.NewPolicy(), deps)
	rig.log.drain(rig.orch)
	return rig
}

func (r *testRig) invokedCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invoked[name]
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, at %s", want, o.State())
}

func TestStartIdempotent(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.orch.Start(Config{}))
	assert.Equal(t, StateActive, rig.orch.State())

	assert.ErrorIs(t, rig.orch.Start(Config{}), ErrAlreadyRunning)
	assert.Equal(t, StateActive, rig.orch.State())

	rig.orch.Stop()
	waitState(t, rig.orch, StateStopped)
}

func TestStopIsSafeAnytime(t *testing.T) {
	rig := newTestRig(t)

	rig.orch.Stop() // before start
	assert.Equal(t, StateIdle, rig.orch.State())

	require.NoError(t, rig.orch.Start(Config{}))
	rig.orch.Stop()
	rig.orch.Stop() // twice
	waitState(t, rig.orch, StateStopped)

	// restart after stop works
	rig.ch = newFakeChannel()
	rig.mic = newFakeMic()
	require.NoError(t, rig.orch.Start(Config{}))
	rig.orch.Stop()
	waitState(t, rig.orch, StateStopped)
}

func TestDialFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.orch.deps.Dial = func(ctx context.Context) (channel.Channel, error) {
		return nil, channel.ErrUnavailable
	}

	err := rig.orch.Start(Config{})
	assert.ErrorIs(t, err, channel.ErrUnavailable)
	assert.Equal(t, StateStopped, rig.orch.State())

	// the partially opened mic was released
	select {
	case <-rig.mic.done:
	default:
		t.Fatal("microphone not released after failed start")
	}
}

func TestStopDuringConnectingCancelsStart(t *testing.T) {
	rig := newTestRig(t)
	dialing := make(chan struct{})
	rig.orch.deps.Dial = func(ctx context.Context) (channel.Channel, error) {
		close(dialing)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return rig.ch, nil
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- rig.orch.Start(Config{}) }()

	<-dialing
	rig.orch.Stop()

	require.Error(t, <-errc, "a start cancelled mid-dial must not report success")
	assert.Equal(t, StateStopped, rig.orch.State())

	select {
	case <-rig.mic.done:
	default:
		t.Fatal("microphone not released after stop during connect")
	}
}

func TestChannelClosingDuringStartStops(t *testing.T) {
	rig := newTestRig(t)
	rig.ch.Close() // dead on arrival; receive loop sees Closed immediately

	_ = rig.orch.Start(Config{})

	waitState(t, rig.orch, StateStopped)
	select {
	case <-rig.mic.done:
	default:
		t.Fatal("microphone not released")
	}
}

func TestInjectTextFIFO(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.orch.Start(Config{}))
	defer rig.orch.Stop()

	rig.mic.frames <- make([]float32, 320)
	rig.ch.waitSent(t, func(s []sentItem) bool { return len(s) >= 1 })

	require.NoError(t, rig.orch.InjectText("hello"))
	rig.mic.frames <- make([]float32, 320)

	got := rig.ch.waitSent(t, func(s []sentItem) bool { return len(s) >= 3 })
	assert.Equal(t, "audio", got[0].kind)
	assert.Equal(t, "text", got[1].kind)
	assert.Equal(t, "hello", got[1].text)
	assert.Equal(t, "audio", got[2].kind)
}

func TestInjectEmptyTextRoutedAsText(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.orch.Start(Config{}))
	defer rig.orch.Stop()

	require.NoError(t, rig.orch.InjectText(""))

	got := rig.ch.waitSent(t, func(s []sentItem) bool { return len(s) >= 1 })
	assert.Equal(t, "text", got[0].kind)
	assert.Equal(t, "", got[0].text)
}

func TestInjectTextWithoutSession(t *testing.T) {
	rig := newTestRig(t)
	assert.ErrorIs(t, rig.orch.InjectText("hi"), ErrNotRunning)
}

func TestAutoToolCallScenario(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.orch.Start(Config{}))
	defer rig.orch.Stop()

	require.NoError(t, rig.orch.InjectText("hello"))

	rig.ch.events <- channel.Event{Kind: channel.EventToolCall, Call: &tools.Call{ID: "1", Name: "list_projects"}}
	rig.ch.events <- channel.Event{Kind: channel.EventTurnComplete}

	got := rig.ch.waitSent(t, func(s []sentItem) bool {
		for _, it := range s {
			if it.kind == "result" {
				return true
			}
		}
		return false
	})

	var results []tools.Result
	for _, it := range got {
		if it.kind == "result" {
			results = append(results, it.result)
		}
	}
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].ID)
	assert.Equal(t, tools.StatusOK, results[0].Status)
	assert.Equal(t, 1, rig.invokedCount("list_projects"))
}

func TestConfirmDenyScenario(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.orch.Start(Config{}))
	defer rig.orch.Stop()

	rig.ch.events <- channel.Event{Kind: channel.EventToolCall, Call: &tools.Call{ID: "2", Name: "control_light", Args: map[string]any{"target": "desk", "action": "on"}}}

	ev := rig.log.waitFor(t, func(e Event) bool { return e.Kind == EventConfirmRequest })
	require.NotNil(t, ev.Call)
	assert.Equal(t, "2", ev.Call.ID)

	// no result before the confirmation resolves
	for _, it := range rig.ch.sentItems() {
		assert.NotEqual(t, "result", it.kind)
	}

	require.NoError(t, rig.orch.ResolveToolConfirmation("2", false))

	got := rig.ch.waitSent(t, func(s []sentItem) bool {
		for _, it := range s {
			if it.kind == "result" {
				return true
			}
		}
		return false
	})

	count := 0
	for _, it := range got {
		if it.kind == "result" {
			count++
			assert.Equal(t, tools.StatusDenied, it.result.Status)
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, rig.invokedCount("control_light"), "handler never invoked on denial")

	assert.ErrorIs(t, rig.orch.ResolveToolConfirmation("2", true), tools.ErrUnknownCall)
}

func TestResolveWithoutSession(t *testing.T) {
	rig := newTestRig(t)
	assert.ErrorIs(t, rig.orch.ResolveToolConfirmation("nope", true), tools.ErrUnknownCall)
}

func TestInterruptedClearsPlayback(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.orch.Start(Config{}))
	defer rig.orch.Stop()

	for i := 0; i < 5; i++ {
		rig.ch.events <- channel.Event{Kind: channel.EventAudio, Audio: []byte{byte(i)}}
	}
	rig.log.waitFor(t, func(e Event) bool { return e.Kind == EventAudio })

	rig.ch.events <- channel.Event{Kind: channel.EventInterrupted}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rig.orch.Playback().Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("playback not cleared, %d chunks left", rig.orch.Playback().Len())
}

func TestChannelClosedStopsSession(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.orch.Start(Config{}))

	rig.ch.events <- channel.Event{Kind: channel.EventClosed, Err: fmt.Errorf("server went away")}

	waitState(t, rig.orch, StateStopped)
	rig.log.waitFor(t, func(e Event) bool { return e.Kind == EventError })

	select {
	case <-rig.mic.done:
	default:
		t.Fatal("microphone not released")
	}
}

func TestPauseResume(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.orch.Start(Config{}))
	defer rig.orch.Stop()

	rig.mic.frames <- make([]float32, 320)
	rig.ch.waitSent(t, func(s []sentItem) bool { return len(s) >= 1 })

	rig.orch.Pause()
	assert.Equal(t, StatePaused, rig.orch.State())
	before := len(rig.ch.sentItems())

	for i := 0; i < 5; i++ {
		rig.mic.frames <- make([]float32, 320)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rig.ch.sentItems(), before, "paused capture enqueues nothing")

	// inbound playback unaffected while paused
	rig.ch.events <- channel.Event{Kind: channel.EventAudio, Audio: []byte{9}}
	rig.log.waitFor(t, func(e Event) bool { return e.Kind == EventAudio })

	rig.orch.Resume()
	assert.Equal(t, StateActive, rig.orch.State())

	rig.mic.frames <- make([]float32, 320)
	rig.ch.waitSent(t, func(s []sentItem) bool { return len(s) > before })
}

func TestMicFailureIsFatal(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.orch.Start(Config{}))

	rig.mic.fail(errors.New("device unplugged"))

	waitState(t, rig.orch, StateStopped)
	rig.log.waitFor(t, func(e Event) bool { return e.Kind == EventError })
}

func TestVideoUnavailableDegradesToAudioOnly(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.orch.Start(Config{VideoMode: VideoCamera}))
	defer rig.orch.Stop()

	assert.Equal(t, StateActive, rig.orch.State())
	rig.log.waitFor(t, func(e Event) bool {
		return e.Kind == EventStatus && e.Detail == "video unavailable, audio-only"
	})
}

type fakeFrames struct {
	mu     sync.Mutex
	n      int
	closed bool
}

func (f *fakeFrames) Capture() ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return []byte{0xff, 0xd8}, "image/jpeg", nil
}

func (f *fakeFrames) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestVideoFramesSent(t *testing.T) {
	rig := newTestRig(t)
	frames := &fakeFrames{}
	rig.orch.deps.OpenFrames = func(VideoMode) (FrameSource, error) { return frames, nil }

	require.NoError(t, rig.orch.Start(Config{VideoMode: VideoScreen}))

	rig.ch.waitSent(t, func(s []sentItem) bool {
		for _, it := range s {
			if it.kind == "frame" {
				return true
			}
		}
		return false
	})

	rig.orch.Stop()
	waitState(t, rig.orch, StateStopped)

	frames.mu.Lock()
	defer frames.mu.Unlock()
	assert.True(t, frames.closed, "frame source released at stop")
}

func TestUpdatePermissionsAffectsFutureDispatches(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.orch.Start(Config{}))
	defer rig.orch.Stop()

	// held under the old confirm policy
	rig.ch.events <- channel.Event{Kind: channel.EventToolCall, Call: &tools.Call{ID: "h", Name: "control_light"}}
	rig.log.waitFor(t, func(e Event) bool { return e.Kind == EventConfirmRequest })

	rig.orch.UpdatePermissions(map[string]tools.Level{"control_light": tools.LevelAuto})

	// new dispatch runs straight through
	rig.ch.events <- channel.Event{Kind: channel.EventToolCall, Call: &tools.Call{ID: "i", Name: "control_light"}}
	rig.ch.waitSent(t, func(s []sentItem) bool {
		for _, it := range s {
			if it.kind == "result" && it.result.ID == "i" {
				return true
			}
		}
		return false
	})

	// the held call is untouched until resolved
	for _, it := range rig.ch.sentItems() {
		if it.kind == "result" {
			assert.NotEqual(t, "h", it.result.ID)
		}
	}
	require.NoError(t, rig.orch.ResolveToolConfirmation("h", true))
}
