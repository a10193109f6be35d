package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davdef/airlift-node-sub001/internal/audiocore/codec"
	"github.com/davdef/airlift-node-sub001/internal/pipeline"
)

// StatusSource is what the pipeline collector reads on every scrape.
type StatusSource interface {
	Status() pipeline.Status
	ListSnapshots() []codec.Snapshot
}

// PipelineMetrics exports the supervisor status. Values are read at scrape
// time, so there is nothing to update from the audio path.
type PipelineMetrics struct {
	source StatusSource

	running          *prometheus.Desc
	connected        *prometheus.Desc
	samplesProcessed *prometheus.Desc
	errors           *prometheus.Desc
	uptime           *prometheus.Desc

	bufferFill     *prometheus.Desc
	bufferCapacity *prometheus.Desc
	bufferOverflow *prometheus.Desc

	pagesSent    *prometheus.Desc
	pagesDropped *prometheus.Desc
	bytesSent    *prometheus.Desc
	reconnects   *prometheus.Desc

	peak *prometheus.Desc

	codecFrames *prometheus.Desc
	codecBytes  *prometheus.Desc
	codecErrors *prometheus.Desc
	codecActive *prometheus.Desc
}

// NewPipelineMetrics creates the collector and registers it.
func NewPipelineMetrics(registry *prometheus.Registry, source StatusSource) (*PipelineMetrics, error) {
	m := newPipelineMetrics(source)
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func newPipelineMetrics(source StatusSource) *PipelineMetrics {
	session := []string{LabelSession, LabelDevice}
	desc := func(subsystem, name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, subsystem, name), help, labels, nil)
	}
	return &PipelineMetrics{
		source: source,

		running:          desc("pipeline", "running", "1 while capture is running and no terminal error occurred", session),
		connected:        desc("pipeline", "connected", "1 while the streaming server accepts data", session),
		samplesProcessed: desc("pipeline", "samples_processed_total", "Interleaved samples delivered by the capture device", session),
		errors:           desc("pipeline", "errors_total", "Errors seen by capture, codec and sink", session),
		uptime:           desc("pipeline", "uptime_seconds", "Time since the session started", session),

		bufferFill:     desc("buffer", "fill_samples", "Samples currently held by the ring buffer", session),
		bufferCapacity: desc("buffer", "capacity_samples", "Ring buffer capacity in samples", session),
		bufferOverflow: desc("buffer", "overflow_samples_total", "Samples lost to ring buffer overflow", session),

		pagesSent:    desc("sink", "pages_sent_total", "Container pages written to the server", session),
		pagesDropped: desc("sink", "pages_dropped_total", "Container pages dropped by the sink queue", session),
		bytesSent:    desc("sink", "bytes_sent_total", "Bytes written to the server", session),
		reconnects:   desc("sink", "reconnects_total", "Successful reconnects after the first connect", session),

		peak: desc("capture", "peak_dbfs", "Peak level of the last capture interval per channel", append(session, LabelChannel)),

		codecFrames: desc("codec", "frames_encoded_total", "Frames encoded by a codec instance", []string{LabelInstance, LabelKind}),
		codecBytes:  desc("codec", "bytes_encoded_total", "Bytes produced by a codec instance", []string{LabelInstance, LabelKind}),
		codecErrors: desc("codec", "errors_total", "Encode errors of a codec instance", []string{LabelInstance, LabelKind}),
		codecActive: desc("codec", "active", "1 while a codec instance is bound to a session", []string{LabelInstance, LabelKind}),
	}
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		m.running, m.connected, m.samplesProcessed, m.errors, m.uptime,
		m.bufferFill, m.bufferCapacity, m.bufferOverflow,
		m.pagesSent, m.pagesDropped, m.bytesSent, m.reconnects,
		m.peak,
		m.codecFrames, m.codecBytes, m.codecErrors, m.codecActive,
	} {
		ch <- d
	}
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	st := m.source.Status()
	labels := []string{st.SessionID, st.Device}

	gauge := func(d *prometheus.Desc, v float64, extra ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append(labels, extra...)...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(m.running, boolValue(st.Running))
	gauge(m.connected, boolValue(st.Connected))
	counter(m.samplesProcessed, st.SamplesProcessed)
	counter(m.errors, st.Errors)
	gauge(m.uptime, st.Uptime.Seconds())

	if buf, ok := st.Buffer.Get(); ok {
		gauge(m.bufferFill, float64(buf.FillLevel))
		gauge(m.bufferCapacity, float64(buf.Capacity))
		counter(m.bufferOverflow, buf.OverflowCount)
	}

	counter(m.pagesSent, st.PagesSent)
	counter(m.pagesDropped, st.PagesDropped)
	counter(m.bytesSent, st.BytesSent)
	counter(m.reconnects, st.Reconnects)

	for i, db := range st.Peaks {
		gauge(m.peak, db, strconv.Itoa(i))
	}

	for _, snap := range m.source.ListSnapshots() {
		cl := []string{snap.ID, string(snap.Kind)}
		ch <- prometheus.MustNewConstMetric(m.codecFrames, prometheus.CounterValue, float64(snap.FramesEncoded), cl...)
		ch <- prometheus.MustNewConstMetric(m.codecBytes, prometheus.CounterValue, float64(snap.BytesEncoded), cl...)
		ch <- prometheus.MustNewConstMetric(m.codecErrors, prometheus.CounterValue, float64(snap.Errors), cl...)
		ch <- prometheus.MustNewConstMetric(m.codecActive, prometheus.GaugeValue, boolValue(snap.Active), cl...)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
