package voice_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rijantuby/rijantuby/internal/fault"
	"github.com/rijantuby/rijantuby/internal/voice"
	"github.com/rijantuby/rijantuby/pkg/audio"
	audiomock "github.com/rijantuby/rijantuby/pkg/audio/mock"
	"github.com/rijantuby/rijantuby/pkg/audio/playback"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
	rtmock "github.com/rijantuby/rijantuby/pkg/provider/realtime/mock"
)

// harness wires a controller to mocks and runs its loop for the duration
// of the test.
type harness struct {
	ctrl     *voice.Controller
	provider *rtmock.Provider
	mic      *audiomock.Microphone
	clock    *audiomock.Clock

	mu      sync.Mutex
	outputs []*audiomock.Output
	states  []voice.State
}

func newHarness(t *testing.T, opts ...voice.Option) *harness {
	t.Helper()
	h := &harness{
		provider: &rtmock.Provider{},
		mic:      &audiomock.Microphone{},
		clock:    audiomock.NewClock(),
	}
	factory := func() (playback.Output, error) {
		out := &audiomock.Output{Clock: h.clock}
		h.mu.Lock()
		h.outputs = append(h.outputs, out)
		h.mu.Unlock()
		return out, nil
	}
	opts = append(opts, voice.WithObserver(func(s voice.State) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	}))
	h.ctrl = voice.New(h.provider, h.mic, factory, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("controller loop did not exit")
		}
	})
	return h
}

func (h *harness) output(i int) *audiomock.Output {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.outputs) {
		return nil
	}
	return h.outputs[i]
}

// statuses returns the distinct sequence of published statuses.
func (h *harness) statuses() []voice.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []voice.Status
	for _, s := range h.states {
		if len(out) == 0 || out[len(out)-1] != s.Status {
			out = append(out, s.Status)
		}
	}
	return out
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitStatus(t *testing.T, h *harness, want voice.Status) voice.State {
	t.Helper()
	eventually(t, "status "+want.String(), func() bool { return h.ctrl.State().Status == want })
	return h.ctrl.State()
}

// startSession starts a session and waits until the microphone is streaming.
func startSession(t *testing.T, h *harness) *rtmock.Session {
	t.Helper()
	n := h.mic.OpenCount()
	h.ctrl.Start()
	waitStatus(t, h, voice.StatusListening)
	eventually(t, "microphone open", func() bool { return h.mic.OpenCount() == n+1 })
	return h.provider.Last()
}

// fragment returns a 24 kHz fragment lasting d.
func fragment(d time.Duration) *audio.Blob {
	n := int(d.Seconds() * float64(audio.PlaybackFormat.SampleRate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	b := audio.EncodeBlob(samples, audio.PlaybackFormat)
	return &b
}

// sentSamples decodes the i-th frame the session received.
func sentSamples(t *testing.T, sess *rtmock.Session, i int) []float32 {
	t.Helper()
	eventually(t, "frame sent", func() bool { return sess.SentCount() > i })
	blob := sess.Sent()[i]
	pcm, err := audio.DecodeBase64(blob.Data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return audio.PCM16ToFloat(pcm)
}

func constant(v float32) []float32 {
	block := make([]float32, audio.FrameSize)
	for i := range block {
		block[i] = v
	}
	return block
}

func TestController_FullConversation(t *testing.T) {
	h := newHarness(t)

	if got := h.ctrl.State(); got.Status != voice.StatusIdle || !got.MicOn {
		t.Fatalf("initial state = %+v, want idle with mic on", got)
	}

	sess := startSession(t, h)

	// Microphone frames reach the session.
	src := h.mic.Last()
	src.Push(constant(0.5))
	frame := sentSamples(t, sess, 0)
	if len(frame) != audio.FrameSize {
		t.Fatalf("frame has %d samples, want %d", len(frame), audio.FrameSize)
	}
	if frame[0] < 0.49 || frame[0] > 0.51 {
		t.Errorf("frame sample = %v, want ~0.5", frame[0])
	}
	if blob := sess.Sent()[0]; blob.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIME type = %q", blob.MIMEType)
	}

	// A fragment starts playback.
	sess.Emit(realtime.ServerMessage{Audio: fragment(100 * time.Millisecond)})
	waitStatus(t, h, voice.StatusSpeaking)
	out := h.output(0)
	if n := len(out.Starts()); n != 1 {
		t.Fatalf("output started %d units, want 1", n)
	}

	// Natural completion returns to listening.
	out.EndAll()
	waitStatus(t, h, voice.StatusListening)

	h.ctrl.End()
	waitStatus(t, h, voice.StatusIdle)

	if !sess.Closed() {
		t.Error("session not closed")
	}
	if !src.Stopped() {
		t.Error("microphone not released")
	}
	if out.CloseCount() != 1 {
		t.Errorf("output closed %d times, want 1", out.CloseCount())
	}

	want := []voice.Status{
		voice.StatusConnecting, voice.StatusListening, voice.StatusSpeaking,
		voice.StatusListening, voice.StatusIdle,
	}
	got := h.statuses()
	if len(got) != len(want) {
		t.Fatalf("status sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", got, want)
		}
	}
}

func TestController_GaplessScheduling(t *testing.T) {
	h := newHarness(t)
	sess := startSession(t, h)

	h.clock.Set(10 * time.Millisecond)
	for range 3 {
		sess.Emit(realtime.ServerMessage{Audio: fragment(100 * time.Millisecond)})
	}
	eventually(t, "three units", func() bool { return len(h.output(0).Starts()) == 3 })

	starts := h.output(0).Starts()
	want := []time.Duration{10 * time.Millisecond, 110 * time.Millisecond, 210 * time.Millisecond}
	for i, s := range starts {
		if s.Unit.Start != want[i] {
			t.Errorf("unit %d start = %v, want %v", i, s.Unit.Start, want[i])
		}
	}

	// Speaking lasts until the last unit ends.
	out := h.output(0)
	out.End(starts[0].Unit.ID)
	out.End(starts[1].Unit.ID)
	time.Sleep(10 * time.Millisecond)
	if st := h.ctrl.State().Status; st != voice.StatusSpeaking {
		t.Fatalf("status = %v with one unit active, want speaking", st)
	}
	out.End(starts[2].Unit.ID)
	waitStatus(t, h, voice.StatusListening)
}

func TestController_Interrupt(t *testing.T) {
	h := newHarness(t)
	sess := startSession(t, h)

	sess.Emit(realtime.ServerMessage{Audio: fragment(200 * time.Millisecond)})
	sess.Emit(realtime.ServerMessage{Audio: fragment(200 * time.Millisecond)})
	eventually(t, "two units", func() bool { return len(h.output(0).Starts()) == 2 })
	waitStatus(t, h, voice.StatusSpeaking)

	h.clock.Set(50 * time.Millisecond)
	sess.Emit(realtime.ServerMessage{Interrupted: true})
	waitStatus(t, h, voice.StatusListening)

	out := h.output(0)
	if n := len(out.Stopped()); n != 2 {
		t.Errorf("stopped %d units, want 2", n)
	}

	// The next fragment starts at the clock, not after the discarded audio.
	sess.Emit(realtime.ServerMessage{Audio: fragment(100 * time.Millisecond)})
	eventually(t, "third unit", func() bool { return len(out.Starts()) == 3 })
	if got := out.Starts()[2].Unit.Start; got != 50*time.Millisecond {
		t.Errorf("post-interrupt start = %v, want 50ms", got)
	}
	waitStatus(t, h, voice.StatusSpeaking)
}

func TestController_UndecodableFragmentIgnored(t *testing.T) {
	h := newHarness(t)
	sess := startSession(t, h)

	sess.Emit(realtime.ServerMessage{Audio: &audio.Blob{Data: "!!not base64!!"}})
	sess.Emit(realtime.ServerMessage{Audio: fragment(50 * time.Millisecond)})
	waitStatus(t, h, voice.StatusSpeaking)
	if n := len(h.output(0).Starts()); n != 1 {
		t.Errorf("output started %d units, want 1", n)
	}
}

func TestController_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		trigger func(t *testing.T, h *harness)
		want    string
		kind    fault.Kind
	}{
		{
			name:    "connect failure",
			setup:   func(h *harness) { h.provider.ConnectErr = errors.New("dial: connection refused") },
			trigger: func(_ *testing.T, h *harness) { h.ctrl.Start() },
			want:    fault.MsgVoiceStart,
		},
		{
			name:    "connect quota",
			setup:   func(h *harness) { h.provider.ConnectErr = errors.New("setup failed: RESOURCE_EXHAUSTED") },
			trigger: func(_ *testing.T, h *harness) { h.ctrl.Start() },
			want:    fault.MsgOverload,
		},
		{
			name: "session error",
			trigger: func(t *testing.T, h *harness) {
				startSession(t, h).Fail(errors.New("websocket: status 1011: internal error"))
			},
			want: fault.MsgVoiceSession,
		},
		{
			name: "session quota",
			trigger: func(t *testing.T, h *harness) {
				startSession(t, h).Fail(errors.New("You exceeded your current quota"))
			},
			want: fault.MsgOverload,
		},
		{
			name:  "microphone denied",
			setup: func(h *harness) { h.mic.OpenErr = errors.New("NotAllowedError: permission denied") },
			trigger: func(_ *testing.T, h *harness) {
				h.ctrl.Start()
			},
			want: fault.MsgVoiceSession,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if tc.setup != nil {
				tc.setup(h)
			}
			tc.trigger(t, h)

			st := waitStatus(t, h, voice.StatusError)
			if st.Error != tc.want {
				t.Errorf("error message = %q, want %q", st.Error, tc.want)
			}
			if sess := h.provider.Last(); sess != nil {
				eventually(t, "session closed", sess.Closed)
			}
			if out := h.output(0); out != nil && out.CloseCount() != 1 {
				t.Errorf("output closed %d times, want 1", out.CloseCount())
			}

			// Start is allowed again from the error state.
			h.provider.ConnectErr = nil
			h.mic.OpenErr = nil
			h.ctrl.Start()
			waitStatus(t, h, voice.StatusListening)
			if st := h.ctrl.State(); st.Error != "" {
				t.Errorf("error message not cleared: %q", st.Error)
			}
		})
	}
}

func TestController_RemoteClose(t *testing.T) {
	h := newHarness(t)
	sess := startSession(t, h)
	src := h.mic.Last()

	sess.End()
	waitStatus(t, h, voice.StatusIdle)

	eventually(t, "microphone released", src.Stopped)
	if h.output(0).CloseCount() != 1 {
		t.Error("output not closed")
	}
}

func TestController_EndWithStalledTransport(t *testing.T) {
	h := newHarness(t)
	sess := rtmock.NewSession(8)
	sess.BlockSend = true
	h.provider.Session = sess

	startSession(t, h)
	h.mic.Last().Push(constant(0.5))
	eventually(t, "send in flight", func() bool { return sess.SentCount() == 1 })

	// The transmit goroutine is parked inside SendAudio; ending the session
	// must still release everything.
	h.ctrl.End()
	waitStatus(t, h, voice.StatusIdle)

	if !sess.Closed() {
		t.Error("session not closed")
	}
	if !h.mic.Last().Stopped() {
		t.Error("microphone not released")
	}

	// The loop is still responsive afterwards.
	h.provider.Session = nil
	startSession(t, h)
	h.ctrl.End()
	waitStatus(t, h, voice.StatusIdle)
}

func TestController_EndWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.provider.Block = make(chan struct{})

	h.ctrl.Start()
	waitStatus(t, h, voice.StatusConnecting)
	eventually(t, "connect call", func() bool { return h.provider.ConnectCount() == 1 })

	h.ctrl.End()
	waitStatus(t, h, voice.StatusIdle)

	ctx := h.provider.ConnectCalls[0].Ctx
	eventually(t, "connect cancelled", func() bool { return ctx.Err() != nil })

	// The cancelled handshake must not resurrect the session.
	time.Sleep(20 * time.Millisecond)
	if st := h.ctrl.State().Status; st != voice.StatusIdle {
		t.Errorf("status = %v after cancelled connect, want idle", st)
	}
	if h.mic.OpenCount() != 0 {
		t.Error("microphone opened for a cancelled session")
	}
}

func TestController_StartIgnoredWhileActive(t *testing.T) {
	h := newHarness(t)
	startSession(t, h)

	h.ctrl.Start()
	h.ctrl.Start()
	time.Sleep(20 * time.Millisecond)
	if n := h.provider.ConnectCount(); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
}

func TestController_MicTogglePersists(t *testing.T) {
	h := newHarness(t)

	h.ctrl.SetMic(false)
	eventually(t, "mic off", func() bool { return !h.ctrl.State().MicOn })

	sess := startSession(t, h)
	h.mic.Last().Push(constant(0.5))
	for _, v := range sentSamples(t, sess, 0) {
		if v != 0 {
			t.Fatalf("muted frame carries sample %v", v)
		}
	}

	h.ctrl.End()
	waitStatus(t, h, voice.StatusIdle)

	// A new session keeps the microphone muted.
	sess = startSession(t, h)
	if sess == nil {
		t.Fatal("no second session")
	}
	h.mic.Last().Push(constant(0.5))
	for _, v := range sentSamples(t, sess, 0) {
		if v != 0 {
			t.Fatalf("second session frame carries sample %v while muted", v)
		}
	}

	h.ctrl.SetMic(true)
	eventually(t, "mic on", func() bool { return h.ctrl.State().MicOn })
	h.mic.Last().Push(constant(0.5))
	if v := sentSamples(t, sess, 1)[0]; v < 0.49 {
		t.Errorf("unmuted sample = %v, want ~0.5", v)
	}
}

func TestController_DisposeReleasesResources(t *testing.T) {
	h := &harness{provider: &rtmock.Provider{}, mic: &audiomock.Microphone{}}
	out := &audiomock.Output{}
	ctrl := voice.New(h.provider, h.mic, func() (playback.Output, error) { return out, nil })
	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	ctrl.Start()
	waitStatus(t, h, voice.StatusListening)
	eventually(t, "microphone open", func() bool { return h.mic.OpenCount() == 1 })
	sess := h.provider.Last()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sess.Closed() {
		t.Error("session not closed on dispose")
	}
	if out.CloseCount() != 1 {
		t.Error("output not closed on dispose")
	}
	if err := ctrl.Run(context.Background()); !errors.Is(err, voice.ErrRunning) {
		t.Errorf("second Run = %v, want ErrRunning", err)
	}

	// Calls after disposal must not block.
	ctrl.Start()
	ctrl.End()
}

func TestController_DefaultInstructions(t *testing.T) {
	h := newHarness(t, voice.WithSessionConfig(realtime.SessionConfig{Voice: "Puck"}))
	startSession(t, h)

	cfg := h.provider.ConnectCalls[0].Cfg
	if cfg.Voice != "Puck" {
		t.Errorf("voice = %q, want Puck", cfg.Voice)
	}
	if cfg.Instructions != voice.DefaultInstructions {
		t.Errorf("instructions = %q, want default", cfg.Instructions)
	}
}

func TestStatusString(t *testing.T) {
	tests := map[voice.Status]string{
		voice.StatusIdle:       "idle",
		voice.StatusConnecting: "connecting",
		voice.StatusListening:  "listening",
		voice.StatusSpeaking:   "speaking",
		voice.StatusError:      "error",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
		text, _ := s.MarshalText()
		if string(text) != want {
			t.Errorf("MarshalText() = %q, want %q", text, want)
		}
	}
}
