// Package deepl provides a DeepL-backed translation provider using the v2
// REST API with form-encoded requests.
//
// Markup spans listed in Request.IgnoreTags are sent with tag_handling=xml so
// DeepL copies their content verbatim, which is how chat emotes wrapped in
// <k>…</k> survive translation.
package deepl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/kototsuna/pkg/provider/translate"
)

const (
	// FreeEndpoint is the API endpoint for DeepL free-tier keys.
	FreeEndpoint = "https://api-free.deepl.com/v2/translate"

	defaultTimeout = 10 * time.Second

	// errorBodyLimit caps how much of a failed response ends up in the error.
	errorBodyLimit = 512
)

var _ translate.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithEndpoint overrides the translate endpoint (e.g. the paid
// https://api.deepl.com/v2/translate, or a test server).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements translate.Provider for DeepL.
type Provider struct {
	endpoint string
	client   *http.Client
}

// New returns a DeepL provider targeting the free-tier endpoint.
func New(opts ...Option) *Provider {
	p := &Provider{
		endpoint: FreeEndpoint,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type response struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

// Translate implements translate.Provider.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (string, error) {
	if req.Credential == "" {
		return "", errors.New("deepl: credential must not be empty")
	}
	if req.TargetLang == "" {
		return "", errors.New("deepl: target language must not be empty")
	}

	form := url.Values{}
	form.Set("auth_key", req.Credential)
	form.Set("text", req.Text)
	form.Set("target_lang", req.TargetLang)
	if req.SourceLang != "" {
		form.Set("source_lang", req.SourceLang)
	}
	if len(req.IgnoreTags) > 0 {
		form.Set("tag_handling", "xml")
		form.Set("ignore_tags", strings.Join(req.IgnoreTags, ","))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("deepl: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("deepl: POST %s: %w", p.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &translate.StatusError{
			Provider: "deepl",
			Code:     resp.StatusCode,
			Body:     strings.TrimSpace(string(snippet)),
		}
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("deepl: decode response: %w", err)
	}
	if len(body.Translations) == 0 {
		return "", errors.New("deepl: response contained no translations")
	}
	return body.Translations[0].Text, nil
}
