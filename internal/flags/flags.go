// Package flags provides feature flags read from the flags: config section.
// Flags are read-only after initialization and unknown flags are disabled.
package flags

import (
	"maps"

	"github.com/zjrosen/banshee/internal/log"
)

// Flag name constants for type-safe flag access.
const (
	// FlagSessionPersistence controls whether sessions are recorded in the
	// SQLite session index. When disabled, sessions live only in memory and
	// are forgotten when the backend exits.
	FlagSessionPersistence = "session-persistence"

	// FlagLaunchFallback controls whether a missing codex binary is retried
	// through the configured script runner.
	FlagLaunchFallback = "launch-fallback"
)

// Defaults returns the flags enabled out of the box.
func Defaults() map[string]bool {
	return map[string]bool{
		FlagSessionPersistence: true,
		FlagLaunchFallback:     true,
	}
}

// Registry holds feature flag state loaded from configuration.
// Flags are read-only after initialization.
type Registry struct {
	flags map[string]bool
}

// New creates a Registry from Defaults overlaid with the config map.
// Flags absent from both are disabled.
func New(overrides map[string]bool) *Registry {
	flags := Defaults()
	maps.Copy(flags, overrides)
	r := &Registry{flags: flags}
	log.Debug(log.CatConfig, "Feature flags initialized", "count", len(flags), "flags", r.All())
	return r
}

// Enabled returns true if the named flag is enabled.
// Returns false for unknown flags (safe default).
// Returns false when called on nil registry (nil-safe).
func (r *Registry) Enabled(name string) bool {
	if r == nil || r.flags == nil {
		return false
	}
	value, exists := r.flags[name]
	if !exists {
		log.Debug(log.CatConfig, "Unknown flag accessed", "flag", name, "result", false)
		return false
	}
	return value
}

// All returns a copy of all flags (for debugging/logging).
// Returns an empty map if the registry is nil.
func (r *Registry) All() map[string]bool {
	if r == nil || r.flags == nil {
		return make(map[string]bool)
	}
	result := make(map[string]bool, len(r.flags))
	maps.Copy(result, r.flags)
	return result
}
