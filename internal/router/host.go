// Package router implements the host registry and routing layer:
// capability-based host selection over a liveness- and circuit-aware
// snapshot. The router never blocks — it is a pure function of the
// current snapshot.
package router

import "time"

// Host is a compute node serving one or more local language models.
type Host struct {
	Name           string
	Endpoint       string
	Model          string
	Capabilities   []string
	Priority       int // lower preferred among equal-capability hosts
	MaxConcurrent  int

	Healthy             bool
	LastProbe           time.Time
	ConsecutiveFailures int
	CooldownUntil       time.Time
}

// HasCapability reports whether the host advertises tag.
func (h Host) HasCapability(tag string) bool {
	for _, c := range h.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Selectable reports whether the router may route to h right now:
// healthy AND not within an open circuit's cooldown window — two
// independent signals, conjoined by the router.
func (h Host) Selectable(now time.Time) bool {
	return h.Healthy && (h.CooldownUntil.IsZero() || !now.Before(h.CooldownUntil))
}
