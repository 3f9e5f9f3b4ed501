package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/kototsuna/internal/config"
	"github.com/MrWong99/kototsuna/pkg/provider/stt"
	sttmock "github.com/MrWong99/kototsuna/pkg/provider/stt/mock"
	mt "github.com/MrWong99/kototsuna/pkg/provider/translate"
	mtmock "github.com/MrWong99/kototsuna/pkg/provider/translate/mock"
	"github.com/MrWong99/kototsuna/pkg/provider/tts"
	ttsmock "github.com/MrWong99/kototsuna/pkg/provider/tts/mock"
)

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	var gotEntry config.ProviderEntry
	r.RegisterTranslate("mock", func(e config.ProviderEntry) (mt.Provider, error) {
		gotEntry = e
		return &mtmock.Provider{}, nil
	})
	r.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	r.RegisterTTS("mock", func(config.ProviderEntry) (tts.Synthesizer, error) { return &ttsmock.Synthesizer{}, nil })
	r.RegisterFallbackTTS("mock", func(config.ProviderEntry) (tts.Speaker, error) { return &ttsmock.Speaker{}, nil })

	entry := config.ProviderEntry{Name: "mock", APIKey: "k", Model: "m"}
	if p, err := r.CreateTranslate(entry); err != nil || p == nil {
		t.Errorf("CreateTranslate: %v", err)
	}
	if gotEntry.APIKey != "k" || gotEntry.Model != "m" {
		t.Errorf("factory received %+v", gotEntry)
	}
	if _, err := r.CreateSTT(entry); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if _, err := r.CreateTTS(entry); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if _, err := r.CreateFallbackTTS(entry); err != nil {
		t.Errorf("CreateFallbackTTS: %v", err)
	}

	all := r.Registered()
	for _, kind := range []string{"translate", "stt", "tts", "fallback_tts"} {
		if !slices.Equal(all[kind], []string{"mock"}) {
			t.Errorf("Registered()[%q] = %v", kind, all[kind])
		}
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	if _, err := r.CreateTranslate(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTranslate err = %v", err)
	}
	if _, err := r.CreateSTT(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT err = %v", err)
	}
	if _, err := r.CreateTTS(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS err = %v", err)
	}
	if _, err := r.CreateFallbackTTS(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateFallbackTTS err = %v", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	boom := errors.New("boom")
	r.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) { return nil, boom })
	if _, err := r.CreateSTT(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}

func TestRegistry_OverwriteRegistration(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	first := &ttsmock.Speaker{}
	second := &ttsmock.Speaker{}
	r.RegisterFallbackTTS("espeak", func(config.ProviderEntry) (tts.Speaker, error) { return first, nil })
	r.RegisterFallbackTTS("espeak", func(config.ProviderEntry) (tts.Speaker, error) { return second, nil })
	got, _ := r.CreateFallbackTTS(config.ProviderEntry{Name: "espeak"})
	if got != second {
		t.Error("second registration should win")
	}
}
