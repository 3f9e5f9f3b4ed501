package config

import (
	"fmt"
	"time"
)

// StringOption returns Options[key] as a string, or def when unset.
func (e ProviderEntry) StringOption(key, def string) string {
	if v, ok := e.Options[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return def
}

// IntOption returns Options[key] as an int, or def when unset or not a number.
func (e ProviderEntry) IntOption(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// FloatOption returns Options[key] as a float64, or def when unset or not a number.
func (e ProviderEntry) FloatOption(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return def
}

// BoolOption returns Options[key] as a bool, or def when unset.
func (e ProviderEntry) BoolOption(key string, def bool) bool {
	if v, ok := e.Options[key].(bool); ok {
		return v
	}
	return def
}

// DurationOption returns Options[key] as a duration. Strings are parsed with
// time.ParseDuration ("750ms"); bare numbers are seconds.
func (e ProviderEntry) DurationOption(key string, def time.Duration) time.Duration {
	switch v := e.Options[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}
