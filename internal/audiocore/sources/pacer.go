package sources

import (
	"context"
	"time"
)

// maxLag is how many frame intervals a slow reader may fall behind before
// the schedule is reset instead of bursting to catch up.
const maxLag = 5

// pacer releases one frame per interval, like a sound card would.
// A zero interval disables pacing.
type pacer struct {
	interval time.Duration
	next     time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	if p.interval <= 0 {
		return ctx.Err()
	}
	now := time.Now()
	if p.next.IsZero() {
		p.next = now
	}
	p.next = p.next.Add(p.interval)

	d := p.next.Sub(now)
	if d <= 0 {
		if -d > maxLag*p.interval {
			p.next = now
		}
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
