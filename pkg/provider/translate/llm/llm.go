// Package llm provides a translation provider backed by a large language
// model through github.com/mozilla-ai/any-llm-go. It is an alternative to
// DeepL for operators who already run a local model (ollama, llama.cpp) or
// hold a key for one of the hosted APIs.
//
// The model is asked to return only the translation and to copy any
// <k>…</k> span verbatim, mirroring DeepL's ignore_tags behaviour.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/kototsuna/pkg/provider/translate"
)

var (
	_ translate.Provider = (*Provider)(nil)
	_ translate.Keyless  = (*Provider)(nil)
)

// languageNames maps provider language codes to the names used in the prompt.
var languageNames = map[string]string{
	"EN": "English",
	"JA": "Japanese",
}

// Provider implements translate.Provider on top of an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider for the named backend ("openai", "anthropic",
// "gemini", "ollama", "llamacpp") and model.
func New(backendName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("llm: model must not be empty")
	}
	var (
		backend anyllmlib.Provider
		err     error
	)
	switch strings.ToLower(backendName) {
	case "openai":
		backend, err = anyllmoai.New(opts...)
	case "anthropic":
		backend, err = anthropic.New(opts...)
	case "gemini":
		backend, err = gemini.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	case "llamacpp":
		backend, err = llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("llm: unsupported backend %q", backendName)
	}
	if err != nil {
		return nil, fmt.Errorf("llm: create %q backend: %w", backendName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

// Keyless implements translate.Keyless. The backend carries its own key, and
// local servers such as ollama need none.
func (p *Provider) Keyless() bool { return true }

// Translate implements translate.Provider. The credential from the request is
// ignored; the backend is authenticated when it is constructed.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (string, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("llm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.ContentString()), nil
}

func (p *Provider) buildParams(req translate.Request) anyllmlib.CompletionParams {
	temp := 0.2
	return anyllmlib.CompletionParams{
		Model: p.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: systemPrompt(req)},
			{Role: "user", Content: req.Text},
		},
		Temperature: &temp,
	}
}

// systemPrompt builds the instruction for one request.
func systemPrompt(req translate.Request) string {
	var b strings.Builder
	b.WriteString("You translate live-stream chat messages")
	if src, ok := languageNames[req.SourceLang]; ok {
		b.WriteString(" from ")
		b.WriteString(src)
	}
	b.WriteString(" into ")
	if dst, ok := languageNames[req.TargetLang]; ok {
		b.WriteString(dst)
	} else {
		b.WriteString(req.TargetLang)
	}
	b.WriteString(". Reply with the translation only, no quotes or commentary.")
	for _, tag := range req.IgnoreTags {
		fmt.Fprintf(&b, " Copy every <%s>…</%s> span unchanged, including the tags.", tag, tag)
	}
	return b.String()
}
