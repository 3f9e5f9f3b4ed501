// Package quota tracks monthly usage of the metered speech-to-text provider.
//
// The rules live in the pure [Evaluate] function: a new period resets the
// counter and restores the metered provider, and reaching the ceiling forces
// the unmetered one until the period rolls over. [Tracker] applies those rules
// against a persistent [Store].
package quota

import (
	"fmt"
	"time"
)

// DefaultCeiling is the monthly allowance of the metered provider (10 h).
const DefaultCeiling = 36000 * time.Second

// Provider names which recognizer class the quota currently allows.
type Provider string

const (
	// Metered is the cloud streaming provider that is billed per second.
	Metered Provider = "metered"
	// Unmetered is the local recognizer with no usage limit.
	Unmetered Provider = "unmetered"
)

// Record is the persisted usage state.
type Record struct {
	// UsedSeconds is the metered time consumed in Period.
	UsedSeconds int64 `json:"used_seconds"`
	// Period is the month key ("2026-10") the counter belongs to.
	Period string `json:"period"`
	// Provider is the recognizer the quota currently selects.
	Provider Provider `json:"provider"`
}

// PeriodKey returns the quota period containing t, as "YYYY-MM" in t's
// location.
func PeriodKey(t time.Time) string {
	return t.Format("2006-01")
}

// PeriodStart returns the first instant of the period containing t.
func PeriodStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// Evaluate applies the quota rules to rec at time now.
//
// When the period key differs from rec.Period the counter resets to zero and
// the provider resets to [Metered]. Otherwise, once the counter reaches
// ceiling the provider is forced to [Unmetered]. An empty provider is treated
// as metered.
func Evaluate(rec Record, now time.Time, ceiling time.Duration) Record {
	period := PeriodKey(now)
	if rec.Period != period {
		return Record{UsedSeconds: 0, Period: period, Provider: Metered}
	}
	if rec.Provider == "" {
		rec.Provider = Metered
	}
	if rec.UsedSeconds >= int64(ceiling/time.Second) {
		rec.Provider = Unmetered
	}
	return rec
}

// Allowed reports whether rec permits a metered session under ceiling.
func (r Record) Allowed(ceiling time.Duration) bool {
	return r.Provider != Unmetered && r.UsedSeconds < int64(ceiling/time.Second)
}

// Remaining returns the metered seconds left under ceiling, never negative.
func (r Record) Remaining(ceiling time.Duration) int64 {
	left := int64(ceiling/time.Second) - r.UsedSeconds
	if left < 0 {
		return 0
	}
	return left
}

func (r Record) String() string {
	return fmt.Sprintf("%s: %ds used, provider %s", r.Period, r.UsedSeconds, r.Provider)
}
