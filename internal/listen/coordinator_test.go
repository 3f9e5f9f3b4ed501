package listen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/kototsuna/internal/observe"
	"github.com/MrWong99/kototsuna/internal/quota"
	"github.com/MrWong99/kototsuna/internal/translate"
	audiomock "github.com/MrWong99/kototsuna/pkg/audio/mock"
	"github.com/MrWong99/kototsuna/pkg/provider/stt"
	sttmock "github.com/MrWong99/kototsuna/pkg/provider/stt/mock"
)

// ---- fixtures ---------------------------------------------------------------

type fakeTranslator struct {
	mu    sync.Mutex
	calls []string
	kind  translate.Kind
}

func (f *fakeTranslator) Translate(_ context.Context, text string, _ translate.Mode, _ string) translate.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	switch f.kind {
	case translate.Suppressed:
		return translate.Result{Kind: translate.Suppressed}
	case translate.Unchanged:
		return translate.Result{Kind: translate.Unchanged, Text: text}
	}
	return translate.Result{Kind: translate.Translated, Text: "EN:" + text}
}

func (f *fakeTranslator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	coord      *Coordinator
	local      *sttmock.Provider
	metered    *sttmock.Provider
	capture    *audiomock.Capture
	translator *fakeTranslator
	store      *quota.MemoryStore
	clock      *clock
	results    chan Utterance

	mu          sync.Mutex
	settings    Settings
	factoryKeys []string
	noMetered   bool
	seed        quota.Record
	localOver   stt.Provider
}

func (h *harness) Settings() Settings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings
}

func (h *harness) keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.factoryKeys...)
}

type harnessOption func(*harness)

func withSettings(s Settings) harnessOption { return func(h *harness) { h.settings = s } }
func withQuota(r quota.Record) harnessOption { return func(h *harness) { h.seed = r } }
func withoutMetered() harnessOption { return func(h *harness) { h.noMetered = true } }
func withLocal(p stt.Provider) harnessOption { return func(h *harness) { h.localOver = p } }

var october = time.Date(2026, 10, 14, 20, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		local:      &sttmock.Provider{},
		metered:    &sttmock.Provider{},
		capture:    &audiomock.Capture{ReadDelay: time.Millisecond, Sample: 100},
		translator: &fakeTranslator{kind: translate.Translated},
		clock:      &clock{now: october},
		results:    make(chan Utterance, 16),
		settings:   Settings{Mode: translate.ModeJaEn, Credential: "deepl-key"},
		seed:       quota.Record{Period: quota.PeriodKey(october), Provider: quota.Metered},
	}
	for _, o := range opts {
		o(h)
	}
	h.store = quota.NewMemoryStore(h.seed)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var local stt.Provider = h.local
	if h.localOver != nil {
		local = h.localOver
	}
	cfg := Config{
		Local:      local,
		Capture:    h.capture,
		Tracker:    quota.NewTracker(h.store, quota.WithClock(h.clock.Now), quota.WithMetrics(metrics)),
		Translator: h.translator,
		Settings:   h.Settings,
		OnResult: func(_ context.Context, u Utterance) {
			h.results <- u
		},
	}
	if !h.noMetered {
		cfg.Metered = func(key string) (stt.Provider, error) {
			h.mu.Lock()
			h.factoryKeys = append(h.factoryKeys, key)
			h.mu.Unlock()
			return h.metered, nil
		}
	}

	h.coord, err = New(cfg,
		WithPace(time.Millisecond),
		WithClock(h.clock.Now),
		WithMetrics(metrics),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.coord.Stop(context.Background()) })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---- tests ------------------------------------------------------------------

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected validation error for empty config")
	}
}

func TestStart_LocalRecognizer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.coord.State(); got != Listening {
		t.Errorf("State = %v, want listening", got)
	}
	if got := h.coord.ActiveProvider(); got != DefaultLocalName {
		t.Errorf("ActiveProvider = %q", got)
	}
	if err := h.coord.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	cfg := h.local.LastConfig()
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.Language != "ja-JP" {
		t.Errorf("StreamConfig = %+v", cfg)
	}
	open := h.capture.OpenCalls[0]
	if open.Frames != ChunkFrames || open.Format.SampleRate != SampleRate || open.Format.Channels != 1 {
		t.Errorf("capture opened with %+v", open)
	}
	if len(h.keys()) != 0 {
		t.Error("metered recognizer must not be built when not preferred")
	}

	sess := lastSession(t, h.local)
	waitFor(t, "audio chunks", func() bool { return sess.SendAudioCallCount() >= 3 })
	if got := len(sess.Chunks[0]); got != ChunkFrames*2 {
		t.Errorf("chunk size = %d bytes, want %d", got, ChunkFrames*2)
	}

	sess.Emit(stt.Transcript{Text: "こん", IsFinal: false})
	sess.Emit(stt.Transcript{Text: "  ", IsFinal: true})
	sess.Emit(stt.Transcript{Text: "こんにちは", IsFinal: true})

	select {
	case u := <-h.results:
		if u.Text != "こんにちは" || u.Translated() != "EN:こんにちは" || u.Provider != DefaultLocalName {
			t.Errorf("utterance = %+v", u)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no utterance delivered")
	}

	if err := h.coord.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.coord.State(); got != Idle {
		t.Errorf("State after Stop = %v", got)
	}
	if sess.Closes() != 1 {
		t.Errorf("session closed %d times", sess.Closes())
	}
	if h.capture.LastStream().CloseCount() != 1 {
		t.Error("capture stream not closed")
	}
	if h.translator.callCount() != 1 {
		t.Errorf("translator called %d times; partial and blank finals must be ignored", h.translator.callCount())
	}
	rec, _ := h.store.Load(ctx)
	if rec.UsedSeconds != 0 {
		t.Errorf("local session charged %d metered seconds", rec.UsedSeconds)
	}
	select {
	case u := <-h.results:
		t.Errorf("unexpected extra utterance %+v", u)
	default:
	}
}

func TestStart_MeteredChargesElapsedSeconds(t *testing.T) {
	h := newHarness(t, withSettings(Settings{
		Mode: translate.ModeEnJa, Credential: "k", PreferMetered: true, MeteredKey: "gladia-key",
	}))
	ctx := context.Background()

	if err := h.coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.coord.ActiveProvider(); got != DefaultMeteredName {
		t.Fatalf("ActiveProvider = %q, want metered", got)
	}
	if keys := h.keys(); len(keys) != 1 || keys[0] != "gladia-key" {
		t.Errorf("factory keys = %v", keys)
	}
	if lang := h.metered.LastConfig().Language; lang != "en" {
		t.Errorf("metered language = %q, want en for en-ja", lang)
	}
	if h.local.CallCount() != 0 {
		t.Error("local recognizer must stay unused")
	}

	h.clock.Advance(42*time.Second + 900*time.Millisecond)
	if err := h.coord.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rec, _ := h.store.Load(ctx)
	if rec.UsedSeconds != 42 {
		t.Errorf("UsedSeconds = %d, want whole elapsed seconds", rec.UsedSeconds)
	}
}

func TestLanguageHints(t *testing.T) {
	tests := []struct {
		mode           translate.Mode
		metered, local string
	}{
		{translate.ModeAuto, "ja", "ja-JP"},
		{translate.ModeJaEn, "ja", "ja-JP"},
		{translate.ModeEnJa, "en", "en-US"},
	}
	for _, tc := range tests {
		if got := MeteredLanguage(tc.mode); got != tc.metered {
			t.Errorf("MeteredLanguage(%v) = %q, want %q", tc.mode, got, tc.metered)
		}
		if got := UnmeteredLanguage(tc.mode); got != tc.local {
			t.Errorf("UnmeteredLanguage(%v) = %q, want %q", tc.mode, got, tc.local)
		}
	}
}

func TestStart_DowngradesToLocal(t *testing.T) {
	preferred := Settings{Mode: translate.ModeAuto, Credential: "k", PreferMetered: true, MeteredKey: "g"}
	tests := []struct {
		name string
		opts []harnessOption
	}{
		{"no metered client", []harnessOption{withSettings(preferred), withoutMetered()}},
		{"no metered key", []harnessOption{withSettings(Settings{Mode: translate.ModeAuto, PreferMetered: true})}},
		{"quota exhausted", []harnessOption{withSettings(preferred), withQuota(quota.Record{
			UsedSeconds: 36000, Period: quota.PeriodKey(october), Provider: quota.Metered,
		})}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.opts...)
			if err := h.coord.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if got := h.coord.ActiveProvider(); got != DefaultLocalName {
				t.Errorf("ActiveProvider = %q, want local", got)
			}
			if h.metered.CallCount() != 0 {
				t.Error("metered recognizer was contacted")
			}
			if err := h.coord.Stop(context.Background()); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestStart_QuotaExhaustionIsPersisted(t *testing.T) {
	h := newHarness(t,
		withSettings(Settings{PreferMetered: true, MeteredKey: "g"}),
		withQuota(quota.Record{UsedSeconds: 36000, Period: quota.PeriodKey(october), Provider: quota.Metered}),
	)
	if err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec, _ := h.store.Load(context.Background())
	if rec.Provider != quota.Unmetered {
		t.Errorf("persisted provider = %q, want unmetered", rec.Provider)
	}
}

func TestStart_MeteredInitFailureFallsBack(t *testing.T) {
	h := newHarness(t, withSettings(Settings{PreferMetered: true, MeteredKey: "g", Credential: "k"}))
	h.metered.StartStreamErr = errors.New("gladia: init session: HTTP 401")

	if err := h.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.coord.ActiveProvider(); got != DefaultLocalName {
		t.Errorf("ActiveProvider = %q, want fallback to local", got)
	}
	h.clock.Advance(10 * time.Second)
	if err := h.coord.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec, _ := h.store.Load(context.Background())
	if rec.UsedSeconds != 0 {
		t.Errorf("fallback session charged %d metered seconds", rec.UsedSeconds)
	}
}

func TestStart_DeviceFailure(t *testing.T) {
	h := newHarness(t)
	h.capture.OpenErr = errors.New("no input device")

	err := h.coord.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
	if h.coord.State() != Idle {
		t.Errorf("State = %v, want idle", h.coord.State())
	}
	if h.local.CallCount() != 0 {
		t.Error("no recognizer session may be created without a device")
	}
}

func TestStart_AllRecognizersFail(t *testing.T) {
	h := newHarness(t)
	h.local.StartStreamErr = errors.New("whisper down")

	if err := h.coord.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if h.coord.State() != Idle {
		t.Errorf("State = %v", h.coord.State())
	}
	if h.capture.LastStream().CloseCount() != 1 {
		t.Error("capture stream must be released when no recognizer starts")
	}
}

func TestSession_RemoteEndTearsDown(t *testing.T) {
	h := newHarness(t, withSettings(Settings{PreferMetered: true, MeteredKey: "g", Credential: "k"}))
	if err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess := lastSession(t, h.metered)
	h.clock.Advance(7 * time.Second)
	sess.End()

	waitFor(t, "idle after remote end", func() bool { return h.coord.State() == Idle })
	if h.capture.LastStream().CloseCount() != 1 {
		t.Error("capture stream not closed")
	}
	rec, _ := h.store.Load(context.Background())
	if rec.UsedSeconds != 7 {
		t.Errorf("UsedSeconds = %d, want 7", rec.UsedSeconds)
	}
	if err := h.coord.Start(context.Background()); err != nil {
		t.Errorf("restart after remote end: %v", err)
	}
}

func TestSession_TeardownOrder(t *testing.T) {
	h := newHarness(t)
	var streamClosesAtSessionClose = -1
	sess := sttmock.NewSession()
	sess.OnClose = func() { streamClosesAtSessionClose = h.capture.LastStream().CloseCount() }
	h.local.Session = sess

	if err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if streamClosesAtSessionClose != 0 {
		t.Errorf("capture stream closes at recognizer close = %d, want 0", streamClosesAtSessionClose)
	}
	if h.capture.LastStream().CloseCount() != 1 {
		t.Error("capture stream not closed after teardown")
	}
}

func TestHandleFinal_NoCredentialAndSuppressed(t *testing.T) {
	h := newHarness(t, withSettings(Settings{Mode: translate.ModeJaEn}))
	if err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess := lastSession(t, h.local)

	sess.Emit(stt.Transcript{Text: "テスト", IsFinal: true})
	u := <-h.results
	if !u.NoCredential || u.Translated() != NoCredentialText {
		t.Errorf("utterance = %+v, translated %q", u, u.Translated())
	}
	if h.translator.callCount() != 0 {
		t.Error("translator must not be called without a credential")
	}

	h.mu.Lock()
	h.settings.Credential = "k"
	h.mu.Unlock()
	h.translator.mu.Lock()
	h.translator.kind = translate.Suppressed
	h.translator.mu.Unlock()

	sess.Emit(stt.Transcript{Text: "NGワード", IsFinal: true})
	u = <-h.results
	if u.Result.Kind != translate.Suppressed || u.Translated() != "" {
		t.Errorf("suppressed utterance = %+v", u)
	}
}

func TestHandleFinal_KeylessTranslator(t *testing.T) {
	h := newHarness(t, withSettings(Settings{Mode: translate.ModeJaEn, Keyless: true}))
	if err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess := lastSession(t, h.local)

	sess.Emit(stt.Transcript{Text: "テスト", IsFinal: true})
	u := <-h.results
	if u.NoCredential || u.Translated() != "EN:テスト" {
		t.Errorf("utterance = %+v, translated %q", u, u.Translated())
	}
	if h.translator.callCount() != 1 {
		t.Errorf("translator calls = %d, want 1", h.translator.callCount())
	}
}

func TestStop_Idle(t *testing.T) {
	h := newHarness(t)
	if err := h.coord.Stop(context.Background()); err != nil {
		t.Errorf("Stop on idle = %v", err)
	}
}

func TestStateHook(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []State
	)
	h := newHarness(t)
	h.coord.onState = func(_, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}
	if err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []State{Starting, Listening, Stopping, Idle}
	if len(seen) != len(want) {
		t.Fatalf("states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("states = %v, want %v", seen, want)
		}
	}
}

// slowRecognizer blocks StartStream until released. With honourCtx it gives
// up as soon as the init context is cancelled.
type slowRecognizer struct {
	honourCtx bool
	sess      *sttmock.Session
	entered   chan struct{}
	release   chan struct{}

	mu  sync.Mutex
	ctx context.Context
}

func newSlowRecognizer(honourCtx bool) *slowRecognizer {
	return &slowRecognizer{
		honourCtx: honourCtx,
		sess:      sttmock.NewSession(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (r *slowRecognizer) StartStream(ctx context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	close(r.entered)

	if r.honourCtx {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		<-r.release
	}
	return r.sess, nil
}

func (r *slowRecognizer) initCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx != nil && r.ctx.Err() != nil
}

var _ stt.Provider = (*slowRecognizer)(nil)

func TestStop_WhileStartingCancelsInit(t *testing.T) {
	slow := newSlowRecognizer(true)
	h := newHarness(t, withLocal(slow))

	started := make(chan error, 1)
	go func() { started <- h.coord.Start(context.Background()) }()
	<-slow.entered
	if got := h.coord.State(); got != Starting {
		t.Fatalf("State = %v, want starting", got)
	}

	if err := h.coord.Stop(context.Background()); err != nil {
		t.Fatalf("Stop while starting: %v", err)
	}
	if err := <-started; !errors.Is(err, ErrStopped) {
		t.Errorf("Start = %v, want ErrStopped", err)
	}
	if got := h.coord.State(); got != Idle {
		t.Errorf("State = %v, want idle", got)
	}
	if h.capture.LastStream().CloseCount() != 1 {
		t.Error("capture stream was not closed")
	}
	if h.coord.ActiveProvider() != "" {
		t.Errorf("ActiveProvider = %q after stop", h.coord.ActiveProvider())
	}
}

func TestStop_WhileStartingTearsDownLateSession(t *testing.T) {
	slow := newSlowRecognizer(false)
	h := newHarness(t, withLocal(slow))

	started := make(chan error, 1)
	go func() { started <- h.coord.Start(context.Background()) }()
	<-slow.entered

	stopped := make(chan error, 1)
	go func() { stopped <- h.coord.Stop(context.Background()) }()
	waitFor(t, "init context cancelled", slow.initCancelled)
	close(slow.release)

	if err := <-started; !errors.Is(err, ErrStopped) {
		t.Errorf("Start = %v, want ErrStopped", err)
	}
	if err := <-stopped; err != nil {
		t.Errorf("Stop = %v", err)
	}
	if got := h.coord.State(); got != Idle {
		t.Errorf("State = %v, want idle", got)
	}
	if slow.sess.Closes() != 1 {
		t.Errorf("recognizer session closed %d times, want 1", slow.sess.Closes())
	}
	if h.capture.LastStream().CloseCount() != 1 {
		t.Error("capture stream was not closed")
	}
}

func TestDefaultStopTimeoutOutlastsRecognizerClose(t *testing.T) {
	h := newHarness(t)
	if h.coord.stopTimeout != DefaultStopTimeout {
		t.Fatalf("stopTimeout = %v, want %v", h.coord.stopTimeout, DefaultStopTimeout)
	}
	// The metered recognizer waits up to 3 s for its close handshake.
	if DefaultStopTimeout <= 3*time.Second {
		t.Errorf("DefaultStopTimeout = %v, want more than the recognizer close timeout", DefaultStopTimeout)
	}
}

func lastSession(t *testing.T, p *sttmock.Provider) *sttmock.Session {
	t.Helper()
	sess := p.LastSession()
	if sess == nil {
		t.Fatal("no recognizer session was started")
	}
	return sess
}
