// Package audiocore holds the shared data model and building blocks of the
// capture-to-stream pipeline.
//
// # Data Flow
//
//	Device -> capture.Producer -> RingBuffer -> codec.Instance -> container.Muxer -> sink.Sink
//
// Samples are signed 16-bit interleaved PCM. A SampleFrame always carries
// Channels*FrameSamples samples; partial frames never enter the RingBuffer.
//
// # Concurrency
//
// The RingBuffer is the only structure shared between the capture goroutine
// and the encode goroutine. It is single-producer/single-consumer: exactly
// one goroutine calls Write and exactly one calls Read. Stats, peak levels
// and counters are atomics and may be read from any goroutine without
// touching the hot path.
//
// # Errors
//
// Every pipeline failure maps to one sentinel in errors.go. Use errors.Is to
// classify, and IsStructural to decide whether a failure may be retried.
package audiocore
