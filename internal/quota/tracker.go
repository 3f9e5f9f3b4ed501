package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/kototsuna/internal/observe"
)

// Option configures a [Tracker].
type Option func(*Tracker)

// WithCeiling sets the monthly allowance.
func WithCeiling(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ceiling = d
		}
	}
}

// WithClock replaces time.Now. Used by tests to cross month boundaries.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker enforces the usage quota. It serialises every read-modify-write of
// the record, so concurrent sessions cannot lose updates.
type Tracker struct {
	store   Store
	ceiling time.Duration
	now     func() time.Time
	log     *slog.Logger
	metrics *observe.Metrics

	mu sync.Mutex
}

// NewTracker returns a Tracker persisting to store.
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		ceiling: DefaultCeiling,
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Ceiling returns the configured allowance.
func (t *Tracker) Ceiling() time.Duration { return t.ceiling }

// Check evaluates the quota, persists any state change (period rollover or a
// forced switch to the unmetered provider), and reports whether a metered
// session may start.
func (t *Tracker) Check(ctx context.Context) (bool, Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.evaluateLocked(ctx)
	if err != nil {
		return false, rec, err
	}
	return rec.Allowed(t.ceiling), rec, nil
}

// Add charges seconds of metered usage ending now and returns the updated
// record. A session that began in the previous period is only charged for
// the part that falls into the current one, since the old period's counter
// is already gone.
func (t *Tracker) Add(ctx context.Context, seconds int64) (Record, error) {
	if seconds < 0 {
		return Record{}, fmt.Errorf("quota: negative usage %d", seconds)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.evaluateLocked(ctx)
	if err != nil {
		return rec, err
	}
	now := t.now()
	if into := int64(now.Sub(PeriodStart(now)) / time.Second); seconds > into {
		t.log.Info("metered session spanned a period boundary, charging the current period only",
			"session_s", seconds, "charged_s", into)
		seconds = into
	}
	rec.UsedSeconds += seconds
	rec = Evaluate(rec, now, t.ceiling)
	if err := t.store.Save(ctx, rec); err != nil {
		return rec, fmt.Errorf("quota: save: %w", err)
	}
	t.metrics.QuotaSeconds.Add(ctx, seconds)

	remaining := rec.Remaining(t.ceiling)
	t.log.Info("metered speech usage recorded",
		"added_s", seconds,
		"used_s", rec.UsedSeconds,
		"remaining_s", remaining,
		"remaining_h", fmt.Sprintf("%.1f", float64(remaining)/3600),
	)
	return rec, nil
}

// Remaining returns the metered seconds left in the current period.
func (t *Tracker) Remaining(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, err := t.evaluateLocked(ctx)
	if err != nil {
		return 0, err
	}
	return rec.Remaining(t.ceiling), nil
}

// evaluateLocked loads, evaluates and, when the rules changed something,
// saves the record. Must be called with t.mu held.
func (t *Tracker) evaluateLocked(ctx context.Context) (Record, error) {
	cur, err := t.store.Load(ctx)
	if err != nil {
		return cur, fmt.Errorf("quota: load: %w", err)
	}
	next := Evaluate(cur, t.now(), t.ceiling)
	if next == cur {
		return next, nil
	}
	if err := t.store.Save(ctx, next); err != nil {
		return next, fmt.Errorf("quota: save: %w", err)
	}
	switch {
	case next.Period != cur.Period:
		t.log.Info("metered speech quota reset for new period", "period", next.Period)
	case next.Provider == Unmetered && cur.Provider != Unmetered:
		t.log.Warn("metered speech quota exhausted, switching to unmetered recognizer",
			"used_s", next.UsedSeconds, "ceiling_s", int64(t.ceiling/time.Second))
	}
	return next, nil
}
