package pipeline

import (
	"encoding/json"
	"time"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/codec"
)

// OptionalBufferStats holds ring buffer statistics only while the buffer
// exists. An absent value marshals to JSON null, which is distinct from a
// present buffer with zero overflows.
type OptionalBufferStats struct {
	stats   audiocore.BufferStats
	present bool
}

// PresentBufferStats wraps stats from an active buffer.
func PresentBufferStats(s audiocore.BufferStats) OptionalBufferStats {
	return OptionalBufferStats{stats: s, present: true}
}

// AbsentBufferStats reports that no buffer is active.
func AbsentBufferStats() OptionalBufferStats {
	return OptionalBufferStats{}
}

// Get returns the stats and whether they are present.
func (o OptionalBufferStats) Get() (audiocore.BufferStats, bool) {
	return o.stats, o.present
}

// MarshalJSON implements json.Marshaler.
func (o OptionalBufferStats) MarshalJSON() ([]byte, error) {
	if !o.present {
		return []byte("null"), nil
	}
	return json.Marshal(o.stats)
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OptionalBufferStats) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = AbsentBufferStats()
		return nil
	}
	var s audiocore.BufferStats
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*o = PresentBufferStats(s)
	return nil
}

// Status is the aggregated view of a pipeline, cheap enough to poll.
type Status struct {
	SessionID        string              `json:"session_id,omitempty"`
	Running          bool                `json:"running"`
	Connected        bool                `json:"connected"`
	SamplesProcessed uint64              `json:"samples_processed"`
	Errors           uint64              `json:"errors"`
	Buffer           OptionalBufferStats `json:"buffer_stats"`
	ProducerState    string              `json:"producer_state"`
	SinkState        string              `json:"sink_state"`
	Device           string              `json:"device,omitempty"`
	Codec            *codec.Snapshot     `json:"codec,omitempty"`
	PagesSent        uint64              `json:"pages_sent"`
	PagesDropped     uint64              `json:"pages_dropped"`
	BytesSent        uint64              `json:"bytes_sent"`
	Reconnects       uint64              `json:"reconnects"`
	Peaks            []float64           `json:"peaks_dbfs,omitempty"`
	Uptime           time.Duration       `json:"uptime_ns"`
	LastError        string              `json:"last_error,omitempty"`
}
