package emit

// Counter, Gauge and Timer are the instruments handed out by EmitterMetrics.
// adapters/prometheus backs them with client_golang collectors.
type (
	Counter interface{ Inc() }
	Gauge   interface{ Set(v float64) }
	// Timer records the time since it was obtained.
	Timer interface{ ObserveDuration() }
)

// EmitterMetrics defines the self-metrics of a Scheduler.
// All methods are thread-safe.
type EmitterMetrics interface {
	// Ticks
	Ticks() Counter
	TickDuration() Timer
	ModulesCollected() Gauge

	// Sinks
	SendDuration(sink string) Timer
	SendCompleted(sink string, success bool)
	SendSkipped(sink string)
}

type nop struct{}

func (nop) Inc()             {}
func (nop) Set(float64)      {}
func (nop) ObserveDuration() {}

type nopEmitterMetrics struct{}

func (nopEmitterMetrics) Ticks() Counter          { return nop{} }
func (nopEmitterMetrics) TickDuration() Timer     { return nop{} }
func (nopEmitterMetrics) ModulesCollected() Gauge { return nop{} }

func (nopEmitterMetrics) SendDuration(string) Timer  { return nop{} }
func (nopEmitterMetrics) SendCompleted(string, bool) {}
func (nopEmitterMetrics) SendSkipped(string)         {}

// NopEmitterMetrics returns an EmitterMetrics that records nothing.
func NopEmitterMetrics() EmitterMetrics { return nopEmitterMetrics{} }
