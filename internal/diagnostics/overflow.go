package diagnostics

import (
	"time"

	"github.com/davdef/airlift-node-sub001/internal/logger"
)

// DefaultReportInterval spaces out overflow reports.
const DefaultReportInterval = 30 * time.Second

// OverflowReporter returns a ring buffer overflow hook. Drops under the
// drop-oldest policy are counted by the buffer itself and only logged at
// debug level; a producer that timed out waiting for space means the
// consumer side is starved, and that is reported with a system snapshot.
// Reports are throttled to one per interval.
func OverflowReporter(c *Collector, log logger.Logger, interval time.Duration) func(dropped int, timedOut bool) {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	throttle := logger.NewThrottle(interval)

	return func(dropped int, timedOut bool) {
		if !timedOut {
			if ok, suppressed := throttle.AllowWithCount("drop"); ok {
				log.Debug("ring buffer dropped oldest samples",
					logger.Int("dropped", dropped),
					logger.Int("suppressed", suppressed))
			}
			return
		}

		ok, suppressed := throttle.AllowWithCount("timeout")
		if !ok {
			return
		}
		snap := c.Snapshot()
		fields := append([]logger.Field{
			logger.Int("dropped", dropped),
			logger.Int("suppressed", suppressed),
		}, snap.Fields()...)
		log.Warn("capture blocked on a full ring buffer, samples dropped", fields...)
	}
}
