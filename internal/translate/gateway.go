// Package translate implements the translation gateway shared by the chat
// and voice paths.
//
// A [Gateway] wraps one machine-translation provider with content filtering,
// a pre-translation substitution dictionary, a TTL-bounded LRU cache, a
// shared rate limiter (minimum spacing plus a concurrency cap), retry with
// backoff on throttling, and a circuit breaker. It never returns an error:
// every failure degrades to handing the original text back as [Unchanged].
package translate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/kototsuna/internal/observe"
	"github.com/MrWong99/kototsuna/internal/resilience"
	mt "github.com/MrWong99/kototsuna/pkg/provider/translate"
)

// Defaults applied by [New].
const (
	DefaultCacheSize     = 500
	DefaultCacheTTL      = 10 * time.Minute
	DefaultMinInterval   = 400 * time.Millisecond
	DefaultMaxConcurrent = 2
	DefaultTimeout       = 10 * time.Second
)

// DefaultBackoff is the wait before each retry of a throttled call.
var DefaultBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Substitution is one literal pre-translation replacement.
type Substitution struct {
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
}

// Stats is a snapshot of the Gateway counters.
type Stats struct {
	Requests  int64 `json:"requests"`
	CacheHits int64 `json:"cache_hits"`
	Filtered  int64 `json:"filtered"`
	Errors    int64 `json:"errors"`
}

// rules is the operator-editable configuration, replaced wholesale.
type rules struct {
	filters    []string
	dictionary []Substitution
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithCache sets the cache capacity and entry TTL. A size of 0 disables
// caching.
func WithCache(size int, ttl time.Duration) Option {
	return func(g *Gateway) { g.cacheSize, g.cacheTTL = size, ttl }
}

// WithMinInterval sets the minimum spacing between provider call starts.
func WithMinInterval(d time.Duration) Option {
	return func(g *Gateway) { g.minInterval = d }
}

// WithMaxConcurrent caps the number of provider calls in flight.
func WithMaxConcurrent(n int) Option {
	return func(g *Gateway) { g.maxConcurrent = n }
}

// WithBackoff sets the waits before each retry of a throttled call. The
// number of entries is the number of retries.
func WithBackoff(waits []time.Duration) Option {
	return func(g *Gateway) { g.backoff = append([]time.Duration(nil), waits...) }
}

// WithTimeout bounds each provider attempt.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithBreaker replaces the circuit breaker guarding the provider.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(g *Gateway) { g.breaker = cb }
}

// WithProviderName labels provider metrics and logs. Default: "translate".
func WithProviderName(name string) Option {
	return func(g *Gateway) {
		if name != "" {
			g.name = name
		}
	}
}

// Gateway is the translation façade. It is safe for concurrent use and is
// meant to be shared by every caller so they funnel through one limiter.
type Gateway struct {
	provider mt.Provider
	name     string
	keyless  bool

	cacheSize     int
	cacheTTL      time.Duration
	minInterval   time.Duration
	maxConcurrent int
	backoff       []time.Duration
	timeout       time.Duration

	cache   *cache
	limit   *limiter
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	log     *slog.Logger

	rulesMu sync.Mutex // serialises writers; readers use the pointer
	rules   atomic.Pointer[rules]

	requests  atomic.Int64
	cacheHits atomic.Int64
	filtered  atomic.Int64
	failures  atomic.Int64
}

// New returns a Gateway around provider.
func New(provider mt.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		provider:      provider,
		name:          "translate",
		keyless:       !mt.NeedsCredential(provider),
		cacheSize:     DefaultCacheSize,
		cacheTTL:      DefaultCacheTTL,
		minInterval:   DefaultMinInterval,
		maxConcurrent: DefaultMaxConcurrent,
		backoff:       DefaultBackoff,
		timeout:       DefaultTimeout,
	}
	for _, o := range opts {
		o(g)
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	if g.breaker == nil {
		g.breaker = resilience.NewCircuitBreaker(g.name,
			resilience.WithBreakerLogger(g.log),
			resilience.WithIgnoreError(isCallerCancel),
			resilience.WithStateHook(func(name string, _, to resilience.State) {
				g.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			}),
		)
	}
	g.cache = newCache(g.cacheSize, g.cacheTTL)
	g.limit = newLimiter(g.minInterval, g.maxConcurrent)
	g.rules.Store(&rules{})
	return g
}

// SetFilters replaces the filter list. Entries are trimmed and lowercased;
// blank entries are dropped.
func (g *Gateway) SetFilters(filters []string) {
	g.rulesMu.Lock()
	defer g.rulesMu.Unlock()
	cur := g.rules.Load()
	next := &rules{dictionary: cur.dictionary}
	for _, f := range filters {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			next.filters = append(next.filters, f)
		}
	}
	g.rules.Store(next)
	g.log.Info("translation filters updated", "entries", len(next.filters))
}

// SetDictionary replaces the substitution dictionary. Entries with an empty
// source are dropped.
func (g *Gateway) SetDictionary(entries []Substitution) {
	g.rulesMu.Lock()
	defer g.rulesMu.Unlock()
	cur := g.rules.Load()
	next := &rules{filters: cur.filters}
	for _, e := range entries {
		if e.Source != "" {
			next.dictionary = append(next.dictionary, e)
		}
	}
	g.rules.Store(next)
	g.log.Info("translation dictionary updated", "entries", len(next.dictionary))
}

// ShouldFilter reports whether text matches any filter, case-insensitively.
func (g *Gateway) ShouldFilter(text string) bool {
	return g.rules.Load().match(text)
}

func (r *rules) match(text string) bool {
	if text == "" || len(r.filters) == 0 {
		return false
	}
	lowered := strings.ToLower(text)
	for _, f := range r.filters {
		if strings.Contains(lowered, f) {
			return true
		}
	}
	return false
}

// Substitute applies the dictionary left to right.
func (g *Gateway) Substitute(text string) string {
	return g.rules.Load().apply(text)
}

func (r *rules) apply(text string) string {
	for _, e := range r.dictionary {
		text = strings.ReplaceAll(text, e.Source, e.Target)
	}
	return text
}

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Requests:  g.requests.Load(),
		CacheHits: g.cacheHits.Load(),
		Filtered:  g.filtered.Load(),
		Errors:    g.failures.Load(),
	}
}

// TranslateAsync runs [Gateway.Translate] on its own goroutine. The returned
// channel receives exactly one Result and is then closed.
func (g *Gateway) TranslateAsync(ctx context.Context, text string, mode Mode, credential string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		out <- g.Translate(ctx, text, mode, credential)
	}()
	return out
}

// NeedsCredential reports whether Translate passes text through unchanged
// when called without a credential.
func (g *Gateway) NeedsCredential() bool { return !g.keyless }

// Translate translates text in the given direction. It blocks while waiting
// for a rate-limiter slot and for the provider.
func (g *Gateway) Translate(ctx context.Context, text string, mode Mode, credential string) Result {
	unchanged := Result{Kind: Unchanged, Text: text}

	if credential == "" && !g.keyless {
		g.log.Debug("translation skipped, no credential")
		g.metrics.RecordTranslation(ctx, observe.StatusPassthrough)
		return unchanged
	}
	if strings.TrimSpace(text) == "" {
		return unchanged
	}

	r := g.rules.Load()
	if r.match(text) {
		g.filtered.Add(1)
		g.metrics.RecordTranslation(ctx, observe.StatusFiltered)
		g.log.Info("translation suppressed by filter")
		return Result{Kind: Suppressed}
	}

	substituted := r.apply(text)
	key := newCacheKey(substituted, mode, credential)
	if cached, ok := g.cache.get(key); ok {
		g.cacheHits.Add(1)
		g.metrics.RecordTranslation(ctx, observe.StatusCacheHit)
		return Result{Kind: Translated, Text: cached}
	}

	ctx, span := observe.StartSpan(ctx, "translate.Gateway.Translate",
		trace.WithAttributes(observe.Attr("mode", mode.String()), observe.Attr("provider", g.name)))
	log := observe.Logger(ctx).With("provider", g.name, "mode", mode.String())

	release, err := g.limit.acquire(ctx)
	if err != nil {
		observe.EndSpan(span, err)
		g.metrics.RecordTranslation(ctx, observe.StatusPassthrough)
		return unchanged
	}
	defer release()

	src, dst := mode.Languages()
	req := mt.Request{
		Text:       substituted,
		SourceLang: src,
		TargetLang: dst,
		IgnoreTags: []string{TokenTag},
		Credential: credential,
	}

	start := time.Now()
	var translated string
	err = g.breaker.Execute(func() error {
		var callErr error
		translated, callErr = g.attempt(ctx, req, log)
		return callErr
	})
	g.metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", g.name)))
	observe.EndSpan(span, err)

	if err != nil {
		if isCallerCancel(err) {
			g.metrics.RecordTranslation(ctx, observe.StatusPassthrough)
			return unchanged
		}
		g.failures.Add(1)
		g.metrics.RecordTranslation(ctx, observe.StatusError)
		g.metrics.RecordProviderError(ctx, g.name, "translate")
		if errors.Is(err, resilience.ErrCircuitOpen) {
			log.Warn("translation skipped, provider circuit open")
		} else {
			log.Error("translation failed, passing original through", "err", err)
		}
		return unchanged
	}

	g.cache.set(key, translated)
	g.metrics.RecordTranslation(ctx, observe.StatusOK)
	return Result{Kind: Translated, Text: translated}
}

// attempt issues the provider call, retrying throttled responses after each
// backoff wait.
func (g *Gateway) attempt(ctx context.Context, req mt.Request, log *slog.Logger) (string, error) {
	g.requests.Add(1)
	var lastErr error
	for i := 0; i <= len(g.backoff); i++ {
		if i > 0 {
			wait := g.backoff[i-1]
			log.Warn("translation throttled, retrying", "attempt", i, "wait", wait, "err", lastErr)
			if err := sleep(ctx, wait); err != nil {
				return "", err
			}
		}
		if err := g.limit.wait(ctx); err != nil {
			return "", err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		out, err := g.provider.Translate(callCtx, req)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !mt.IsRetryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isCallerCancel reports errors caused by the caller giving up rather than
// by the provider.
func isCallerCancel(err error) bool {
	return errors.Is(err, context.Canceled)
}
