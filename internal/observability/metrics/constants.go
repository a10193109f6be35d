// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Namespace prefixes every metric the node exports.
const Namespace = "airlift"

// Label names.
const (
	LabelSession  = "session"
	LabelDevice   = "device"
	LabelCodec    = "codec"
	LabelKind     = "kind"
	LabelState    = "state"
	LabelChannel  = "channel"
	LabelInstance = "instance"
)

// Histogram bucket configuration constants.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~1s range).
	BucketStart1ms = 0.001
	// BucketStart64B is the starting bucket for 64 byte histograms.
	BucketStart64B = 64.0
	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2
	// BucketCount10 defines 10 exponential buckets.
	BucketCount10 = 10
)

// ShutdownTimeout is the timeout for graceful shutdown operations.
const ShutdownTimeout = 5 * time.Second
