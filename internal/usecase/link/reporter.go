package link

import (
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"m2dash/internal/domain"
)

// reporter logs recoverable failures (malformed frames, dropped publishes)
// without letting a misbehaving peer flood the log. Reports over the limit
// are counted and attached to the next report that gets through.
type reporter struct {
	limiter    *rate.Limiter
	logger     *slog.Logger
	suppressed atomic.Uint64
}

// newReporter allows perSecond reports with the given burst. A zero rate
// disables limiting.
func newReporter(perSecond float64, burst int, logger *slog.Logger) *reporter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &reporter{
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Report logs err at warn level, or counts it when over the limit.
// It reports whether the entry was written.
func (r *reporter) Report(msg string, err error, args ...any) bool {
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return false
	}
	args = append(args, "error", err, "code", domain.ErrorCodeOf(err))
	if n := r.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	r.logger.Warn(msg, args...)
	return true
}

// Suppressed returns the number of reports dropped since the last one written.
func (r *reporter) Suppressed() uint64 {
	return r.suppressed.Load()
}
