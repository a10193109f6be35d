package diagnostics

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davdef/airlift-node-sub001/internal/logger"
)

func fakeCollector(calls *int) *Collector {
	return &Collector{
		probes: probes{
			cpuPercent: func() (float64, error) {
				*calls++
				return 42.5, nil
			},
			memPercent:  func() (float64, error) { return 63, nil },
			swapPercent: func() (float64, error) { return 0, errors.New("no swap") },
		},
		cache: cache.New(time.Minute, 0),
		now:   func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func TestSnapshotIsCached(t *testing.T) {
	t.Parallel()

	calls := 0
	c := fakeCollector(&calls)

	first := c.Snapshot()
	second := c.Snapshot()
	assert.Equal(t, 1, calls, "second snapshot must come from the cache")
	assert.Equal(t, first, second)

	assert.InDelta(t, 42.5, first.CPUPercent, 1e-9)
	assert.InDelta(t, 63.0, first.MemUsedPercent, 1e-9)
	assert.Zero(t, first.SwapUsedPercent, "failed probe leaves zero")
	assert.Positive(t, first.Goroutines)
	assert.Contains(t, first.String(), "cpu=42.5%")
}

func TestNewCollectorDefaultTTL(t *testing.T) {
	t.Parallel()

	c := NewCollector(0)
	require.NotNil(t, c)
	snap := c.Snapshot()
	assert.False(t, snap.Taken.IsZero())
	assert.GreaterOrEqual(t, snap.MemUsedPercent, 0.0)
}

func TestOverflowReporter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		level     logger.LogLevel
		calls     []bool
		wantWarns int
		wantDebug int
	}{
		{"timeouts are throttled", logger.LogLevelDebug, []bool{true, true, true}, 1, 0},
		{"drops log at debug", logger.LogLevelDebug, []bool{false, false}, 0, 1},
		{"drops hidden at info", logger.LogLevelInfo, []bool{false, true}, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			calls := 0
			hook := OverflowReporter(fakeCollector(&calls), logger.NewSlogLogger(&buf, tt.level, time.UTC), time.Minute)
			for _, timedOut := range tt.calls {
				hook(480, timedOut)
			}

			out := buf.String()
			assert.Equal(t, tt.wantWarns, strings.Count(out, "capture blocked"))
			assert.Equal(t, tt.wantDebug, strings.Count(out, "dropped oldest"))
			if tt.wantWarns > 0 {
				assert.Contains(t, out, "cpu_percent=42.5")
				assert.Equal(t, 1, calls)
			}
		})
	}
}

func TestHost(t *testing.T) {
	t.Parallel()

	info, err := Host()
	if err != nil {
		t.Skipf("host info unavailable: %v", err)
	}
	assert.NotEmpty(t, info.OS)
	assert.Positive(t, info.CPUs)
}
