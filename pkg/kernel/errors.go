package kernel

import "errors"

var (
	// ErrCoherenceViolation is returned when the coherence window reads
	// as unstable; the caller is expected to molt before continuing.
	ErrCoherenceViolation = errors.New("kernel: coherence violation, reconfiguration required")

	// ErrMetricsDisabled is returned by GetMetrics when the kernel was
	// constructed with metrics disabled.
	ErrMetricsDisabled = errors.New("kernel: metrics disabled by configuration")

	// ErrIncompatibleCapsule is returned by Rehydrate when the capsule's
	// schema version cannot be folded by this kernel.
	ErrIncompatibleCapsule = errors.New("kernel: incompatible capsule schema version")
)
