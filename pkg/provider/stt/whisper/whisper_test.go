package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/kototsuna/pkg/audio"
	"github.com/MrWong99/kototsuna/pkg/provider/stt"
	"github.com/MrWong99/kototsuna/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// upload captures what the server saw for one inference request.
type upload struct {
	language string
	format   string
	pcm      []byte
	wavFmt   audio.Format
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing the provided responseText. It increments *callCount on
// every matched request.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32) *httptest.Server {
	t.Helper()
	return newRecordingServer(t, responseText, callCount, nil)
}

func newRecordingServer(t *testing.T, responseText string, callCount *atomic.Int32, uploads chan<- upload) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		if uploads != nil {
			f, _, err := r.FormFile("file")
			if err != nil {
				t.Errorf("server: missing file part: %v", err)
				return
			}
			data, _ := io.ReadAll(f)
			pcm, format, err := audio.DecodeWAV(data)
			if err != nil {
				t.Errorf("server: upload is not a wav: %v", err)
			}
			uploads <- upload{
				language: r.FormValue("language"),
				format:   r.FormValue("response_format"),
				pcm:      pcm,
				wavFmt:   format,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// makeTonePCM generates a 440 Hz sine of the given amplitude. RMS is roughly
// amplitude / √2.
func makeTonePCM(samples int, amplitude float64) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// makeSpeechPCM returns a tone whose RMS (≈ 7071) is well above the default
// silence threshold of 300.
func makeSpeechPCM(samples int) []byte { return makeTonePCM(samples, 10_000) }

// makeSilencePCM generates a zero-valued PCM buffer.
func makeSilencePCM(samples int) []byte { return make([]byte, samples*2) }

// newProvider builds a provider with calibration disabled unless opts
// re-enable it.
func newProvider(t *testing.T, url string, opts ...whisper.Option) *whisper.Provider {
	t.Helper()
	p, err := whisper.New(url, append([]whisper.Option{whisper.WithCalibration(0)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func mustStartStream(t *testing.T, p *whisper.Provider, cfg stt.StreamConfig) stt.SessionHandle {
	t.Helper()
	h, err := p.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	return h
}

var mono16k = stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "ja-JP"}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestStartStream_CancelledContext_ReturnsError(t *testing.T) {
	srv := newMockServer(t, "", nil)
	p := newProvider(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.StartStream(ctx, mono16k); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}

// ---- silence detection / buffering ------------------------------------------

func TestSilenceAloneDoesNotTriggerInference(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "unexpected", &calls)
	p := newProvider(t, srv.URL, whisper.WithSilence(50*time.Millisecond))
	h := mustStartStream(t, p, mono16k)

	_ = h.SendAudio(makeSilencePCM(16000))
	time.Sleep(150 * time.Millisecond)
	h.Close()

	if n := calls.Load(); n != 0 {
		t.Errorf("inference called %d time(s) for silence-only audio; want 0", n)
	}
}

func TestSpeechFollowedBySilenceTriggersInference(t *testing.T) {
	const wantText = "こんにちは"
	uploads := make(chan upload, 1)
	srv := newRecordingServer(t, " "+wantText+" ", nil, uploads)
	p := newProvider(t, srv.URL, whisper.WithSilence(100*time.Millisecond))
	h := mustStartStream(t, p, mono16k)
	defer h.Close()

	if err := h.SendAudio(makeSpeechPCM(1600)); err != nil {
		t.Fatalf("SendAudio (speech): %v", err)
	}
	if err := h.SendAudio(makeSilencePCM(1600)); err != nil {
		t.Fatalf("SendAudio (silence): %v", err)
	}

	select {
	case tr := <-h.Finals():
		if tr.Text != wantText {
			t.Errorf("Finals().Text = %q; want %q", tr.Text, wantText)
		}
		if !tr.IsFinal || tr.Language != "ja" {
			t.Errorf("transcript = %+v", tr)
		}
		if tr.Duration != 200*time.Millisecond {
			t.Errorf("Duration = %v, want 200ms", tr.Duration)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for final transcript")
	}

	up := <-uploads
	if up.language != "ja" {
		t.Errorf("language field = %q, want region stripped to ja", up.language)
	}
	if up.format != "json" {
		t.Errorf("response_format = %q", up.format)
	}
	if up.wavFmt != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("wav format = %v", up.wavFmt)
	}
	if len(up.pcm) != 2*3200 {
		t.Errorf("uploaded %d bytes of pcm, want speech plus trailing silence", len(up.pcm))
	}
}

func TestPhraseLimitForcesFlush(t *testing.T) {
	const wantText = "長いスピーチ"
	srv := newMockServer(t, wantText, nil)

	// Silence never ends the utterance; only the 200 ms phrase limit can.
	p := newProvider(t, srv.URL,
		whisper.WithSilence(10*time.Second),
		whisper.WithPhraseLimit(200*time.Millisecond),
	)
	h := mustStartStream(t, p, mono16k)
	defer h.Close()

	if err := h.SendAudio(makeSpeechPCM(3360)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case tr := <-h.Finals():
		if tr.Text != wantText {
			t.Errorf("Finals().Text = %q; want %q", tr.Text, wantText)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for phrase-limit transcript")
	}
}

func TestCalibrationRaisesThreshold(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "noise", &calls)
	p, err := whisper.New(srv.URL,
		whisper.WithCalibration(100*time.Millisecond),
		whisper.WithSilence(50*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	h := mustStartStream(t, p, mono16k)

	// A noisy room (RMS ≈ 1414) during calibration, then the same noise
	// level followed by silence. Without calibration this would be speech.
	_ = h.SendAudio(makeTonePCM(1600, 2000))
	_ = h.SendAudio(makeTonePCM(1600, 2000))
	_ = h.SendAudio(makeSilencePCM(1600))
	time.Sleep(150 * time.Millisecond)
	h.Close()

	if n := calls.Load(); n != 0 {
		t.Errorf("ambient noise triggered %d inference call(s)", n)
	}
}

func TestCalibrationStillDetectsLouderSpeech(t *testing.T) {
	srv := newMockServer(t, "声", nil)
	p, err := whisper.New(srv.URL,
		whisper.WithCalibration(100*time.Millisecond),
		whisper.WithSilence(50*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	h := mustStartStream(t, p, mono16k)
	defer h.Close()

	_ = h.SendAudio(makeTonePCM(1600, 2000))
	_ = h.SendAudio(makeSpeechPCM(1600))
	_ = h.SendAudio(makeSilencePCM(1600))

	select {
	case tr := <-h.Finals():
		if tr.Text != "声" {
			t.Errorf("text = %q", tr.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("speech above the calibrated threshold was not recognised")
	}
}

// ---- session close ----------------------------------------------------------

func TestClose_ClosesChannels(t *testing.T) {
	srv := newMockServer(t, "", nil)
	p := newProvider(t, srv.URL)
	h := mustStartStream(t, p, mono16k)
	h.Close()

	for name, ch := range map[string]<-chan stt.Transcript{"partials": h.Partials(), "finals": h.Finals()} {
		select {
		case _, open := <-ch:
			if open {
				t.Errorf("%s channel should be closed after Close()", name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s channel to close", name)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	srv := newMockServer(t, "", nil)
	p := newProvider(t, srv.URL)
	h := mustStartStream(t, p, mono16k)

	if err := h.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
	if err := h.SendAudio(makeSpeechPCM(100)); err == nil {
		t.Fatal("SendAudio after Close() should return an error")
	}
}

func TestClose_FlushesRemainingBuffer(t *testing.T) {
	const wantText = "おやすみ"
	srv := newMockServer(t, wantText, nil)
	p := newProvider(t, srv.URL, whisper.WithSilence(time.Minute))
	h := mustStartStream(t, p, mono16k)

	_ = h.SendAudio(makeSpeechPCM(1600))
	time.Sleep(50 * time.Millisecond)
	h.Close()

	var got []string
	for tr := range h.Finals() {
		got = append(got, tr.Text)
	}
	if len(got) != 1 || got[0] != wantText {
		t.Errorf("finals after Close = %v, want [%s]", got, wantText)
	}
}

// ---- error handling ---------------------------------------------------------

func TestInference_ServerError_ProducesNoTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL, whisper.WithSilence(100*time.Millisecond))
	h := mustStartStream(t, p, mono16k)

	_ = h.SendAudio(makeSpeechPCM(1600))
	_ = h.SendAudio(makeSilencePCM(1600))
	time.Sleep(200 * time.Millisecond)
	h.Close()

	for tr := range h.Finals() {
		t.Errorf("expected no finals on server error, got %q", tr.Text)
	}
}

func TestInference_EmptyResponse_ProducesNoTranscript(t *testing.T) {
	srv := newMockServer(t, "   ", nil)
	p := newProvider(t, srv.URL, whisper.WithSilence(100*time.Millisecond))
	h := mustStartStream(t, p, mono16k)

	_ = h.SendAudio(makeSpeechPCM(1600))
	_ = h.SendAudio(makeSilencePCM(1600))
	time.Sleep(200 * time.Millisecond)
	h.Close()

	for tr := range h.Finals() {
		t.Errorf("received transcript %q for blank server text", tr.Text)
	}
}

// ---- concurrent use ---------------------------------------------------------

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	srv := newMockServer(t, "hello", nil)
	p := newProvider(t, srv.URL, whisper.WithSilence(100*time.Millisecond))
	h := mustStartStream(t, p, mono16k)
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = h.SendAudio(makeSpeechPCM(160))
			}
		}()
	}
	wg.Wait()
}
