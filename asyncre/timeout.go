package asyncre

import (
	"context"
	"time"
)

// PilotTimeout resolves the timeout for one pilot call by precedence: an
// explicit per-call override, then the adapter-wide default, then no
// timeout at all (the call's own ctx governs).
func PilotTimeout(override, adapterDefault time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if adapterDefault > 0 {
		return adapterDefault
	}
	return 0
}

// WithPilotTimeout returns a derived context bounded by the timeout
// resolved from override/adapterDefault, and a cancel func that must
// always be called. If no timeout applies, it returns ctx unmodified with
// a no-op cancel. A SubjobAdapter implementation that wants to combine a
// per-call override with its own adapter-wide default (rather than a flat
// single timeout) uses this instead of a bare context.WithTimeout.
func WithPilotTimeout(ctx context.Context, override, adapterDefault time.Duration) (context.Context, context.CancelFunc) {
	timeout := PilotTimeout(override, adapterDefault)
	if timeout == 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
