package analytics

import (
	"fmt"
	"time"

	"github.com/lowhung/buswatch/core/snapshot"
)

// HealthStatus orders from best to worst: Healthy < Warning < Critical.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Warning
	Critical
)

func (h HealthStatus) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// Symbol returns the short label used in compact output.
func (h HealthStatus) Symbol() string {
	switch h {
	case Warning:
		return "WARN"
	case Critical:
		return "CRIT"
	default:
		return "OK"
	}
}

func (h HealthStatus) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *HealthStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*h = Healthy
	case "warning":
		*h = Warning
	case "critical":
		*h = Critical
	default:
		return fmt.Errorf("analytics: unknown health status %q", b)
	}
	return nil
}

// Worst returns the more severe of a and b.
func Worst(a, b HealthStatus) HealthStatus { return max(a, b) }

// Thresholds classify topic entries. They are copied into the Engine at
// construction and never change afterwards.
type Thresholds struct {
	PendingWarn time.Duration `json:"pending_warn" yaml:"pending_warn" mapstructure:"pending_warn"`
	PendingCrit time.Duration `json:"pending_crit" yaml:"pending_crit" mapstructure:"pending_crit"`
	UnreadWarn  uint64        `json:"unread_warn" yaml:"unread_warn" mapstructure:"unread_warn"`
	UnreadCrit  uint64        `json:"unread_crit" yaml:"unread_crit" mapstructure:"unread_crit"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		PendingWarn: time.Second,
		PendingCrit: 10 * time.Second,
		UnreadWarn:  1000,
		UnreadCrit:  5000,
	}
}

func (t Thresholds) IsZero() bool { return t == Thresholds{} }

// Classify returns the status for an entry with the given optional pending
// duration and backlog. An entry with neither is always Healthy.
func (t Thresholds) Classify(pending *time.Duration, backlog *uint64) HealthStatus {
	switch {
	case pending != nil && *pending >= t.PendingCrit,
		backlog != nil && *backlog >= t.UnreadCrit:
		return Critical
	case pending != nil && *pending >= t.PendingWarn,
		backlog != nil && *backlog >= t.UnreadWarn:
		return Warning
	default:
		return Healthy
	}
}

func (t Thresholds) ClassifyRead(r snapshot.ReadMetrics) HealthStatus {
	return t.Classify(pendingOf(r.Pending), r.Backlog)
}

func (t Thresholds) ClassifyWrite(w snapshot.WriteMetrics) HealthStatus {
	return t.Classify(pendingOf(w.Pending), nil)
}

func pendingOf(us *snapshot.Microseconds) *time.Duration {
	if us == nil {
		return nil
	}
	d := us.Duration()
	return &d
}
