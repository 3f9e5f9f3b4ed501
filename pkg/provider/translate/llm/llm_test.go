package llm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/kototsuna/pkg/provider/translate"
)

func TestSystemPrompt(t *testing.T) {
	tests := []struct {
		name    string
		req     translate.Request
		want    []string
		notWant []string
	}{
		{
			name: "explicit direction",
			req:  translate.Request{SourceLang: "EN", TargetLang: "JA", IgnoreTags: []string{"k"}},
			want: []string{"from English", "into Japanese", "<k>…</k>"},
		},
		{
			name:    "auto detect",
			req:     translate.Request{TargetLang: "JA"},
			want:    []string{"into Japanese"},
			notWant: []string{"from "},
		},
		{
			name: "unknown target passes code through",
			req:  translate.Request{TargetLang: "DE"},
			want: []string{"into DE"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := systemPrompt(tc.req)
			for _, w := range tc.want {
				if !strings.Contains(got, w) {
					t.Errorf("prompt %q missing %q", got, w)
				}
			}
			for _, nw := range tc.notWant {
				if strings.Contains(got, nw) {
					t.Errorf("prompt %q must not contain %q", got, nw)
				}
			}
		})
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "llama3"}
	params := p.buildParams(translate.Request{Text: "Hello", TargetLang: "JA"})

	if params.Model != "llama3" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if params.Messages[1].ContentString() != "Hello" {
		t.Errorf("user content = %q", params.Messages[1].ContentString())
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("temperature = %v", params.Temperature)
	}
}

func TestProvider_Keyless(t *testing.T) {
	for _, backend := range []string{"ollama", "llamacpp"} {
		p, err := New(backend, "qwen2.5:7b", anyllmlib.WithBaseURL("http://127.0.0.1:11434"))
		if err != nil {
			t.Fatalf("New(%q): %v", backend, err)
		}
		if translate.NeedsCredential(p) {
			t.Errorf("%s: NeedsCredential = true, want false", backend)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("carrier-pigeon", "m"); err == nil {
		t.Error("expected error for unknown backend")
	}
}
