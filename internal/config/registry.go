package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/kototsuna/pkg/provider/stt"
	mt "github.com/MrWong99/kototsuna/pkg/provider/translate"
	"github.com/MrWong99/kototsuna/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is one provider kind's name → constructor table.
type factories[T any] struct {
	kind string
	m    map[string]func(ProviderEntry) (T, error)
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]func(ProviderEntry) (T, error))}
}

func (f factories[T]) create(mu *sync.RWMutex, entry ProviderEntry) (T, error) {
	mu.RLock()
	factory, ok := f.m[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

func (f factories[T]) names(mu *sync.RWMutex) []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for n := range f.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	translate   factories[mt.Provider]
	stt         factories[stt.Provider]
	tts         factories[tts.Synthesizer]
	fallbackTTS factories[tts.Speaker]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		translate:   newFactories[mt.Provider]("translate"),
		stt:         newFactories[stt.Provider]("stt"),
		tts:         newFactories[tts.Synthesizer]("tts"),
		fallbackTTS: newFactories[tts.Speaker]("fallback_tts"),
	}
}

// RegisterTranslate registers a translation provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranslate(name string, factory func(ProviderEntry) (mt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translate.m[name] = factory
}

// RegisterSTT registers a speech recognizer factory under name. Metered and
// local recognizers share this table.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = factory
}

// RegisterTTS registers a primary synthesis engine factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = factory
}

// RegisterFallbackTTS registers a fallback speaker factory under name.
func (r *Registry) RegisterFallbackTTS(name string, factory func(ProviderEntry) (tts.Speaker, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbackTTS.m[name] = factory
}

// CreateTranslate instantiates the translation provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTranslate(entry ProviderEntry) (mt.Provider, error) {
	return r.translate.create(&r.mu, entry)
}

// CreateSTT instantiates the recognizer registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(&r.mu, entry)
}

// CreateTTS instantiates the synthesis engine registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Synthesizer, error) {
	return r.tts.create(&r.mu, entry)
}

// CreateFallbackTTS instantiates the speaker registered under entry.Name.
func (r *Registry) CreateFallbackTTS(entry ProviderEntry) (tts.Speaker, error) {
	return r.fallbackTTS.create(&r.mu, entry)
}

// Registered returns the sorted provider names per kind.
func (r *Registry) Registered() map[string][]string {
	return map[string][]string{
		"translate":    r.translate.names(&r.mu),
		"stt":          r.stt.names(&r.mu),
		"tts":          r.tts.names(&r.mu),
		"fallback_tts": r.fallbackTTS.names(&r.mu),
	}
}
