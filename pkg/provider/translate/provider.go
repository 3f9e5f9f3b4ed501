// Package translate defines the Provider interface for machine-translation
// backends.
//
// A provider performs exactly one network translation per call. Caching,
// rate limiting, retries, filtering and pre-translation substitution all
// live one layer up, in the translation gateway, so providers stay small and
// stateless.
//
// Implementations must be safe for concurrent use.
package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Request is a single translation call.
type Request struct {
	// Text is the text to translate. It may contain markup spans (see
	// IgnoreTags) that must be passed through untouched.
	Text string

	// SourceLang is the upper-case source language code ("EN", "JA"). Empty
	// lets the provider detect the source language.
	SourceLang string

	// TargetLang is the upper-case target language code. Required.
	TargetLang string

	// IgnoreTags lists XML tag names whose content must not be translated.
	IgnoreTags []string

	// Credential is the API key to authenticate with. Providers that do not
	// need a key ignore it.
	Credential string
}

// Provider is the abstraction over any translation backend.
type Provider interface {
	// Translate returns the translated text. A non-2xx HTTP response is
	// reported as a *StatusError so callers can decide whether to retry.
	Translate(ctx context.Context, req Request) (string, error)
}

// Keyless is implemented by providers that are authenticated when they are
// built, or not at all, and so translate without Request.Credential.
type Keyless interface {
	Keyless() bool
}

// NeedsCredential reports whether p expects Request.Credential to be set.
func NeedsCredential(p Provider) bool {
	k, ok := p.(Keyless)
	return !ok || !k.Keyless()
}

// StatusError reports a non-success HTTP status from a provider.
type StatusError struct {
	Provider string
	Code     int

	// Body is the start of the response body, if any.
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: unexpected status %d %s", e.Provider, e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Retryable reports whether the status signals throttling or temporary
// unavailability (429, 503).
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusServiceUnavailable
}

// IsRetryable reports whether err wraps a retryable *StatusError.
func IsRetryable(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Retryable()
}
