package codec

import (
	"fmt"
	"sync/atomic"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/errors"
)

// InstanceState is the binding state of a registered instance.
type InstanceState int32

const (
	StateIdle InstanceState = iota
	StateActive
	StateReleased
)

func (s InstanceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Snapshot is a read-only copy of an instance's identity and counters.
type Snapshot struct {
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	ContentType   string `json:"content_type"`
	Params        Params `json:"params"`
	State         string `json:"state"`
	FramesEncoded uint64 `json:"frames_encoded"`
	BytesEncoded  uint64 `json:"bytes_encoded"`
	Errors        uint64 `json:"errors"`
	LastError     string `json:"last_error,omitempty"`
	Active        bool   `json:"active"`
}

// Instance is one registered encoder with its counters.
//
// Encode may only be driven by one goroutine at a time; a concurrent call
// is rejected rather than interleaved. Everything Snapshot reads is atomic
// so observers never contend with the encode path.
type Instance struct {
	id     string
	kind   Kind
	params Params
	enc    Encoder

	busy  atomic.Bool
	state atomic.Int32

	// owned by the goroutine holding busy
	sequence uint64
	clock    uint64

	frames    atomic.Uint64
	bytes     atomic.Uint64
	errs      atomic.Uint64
	lastError atomic.Pointer[string]
}

func newInstance(id string, kind Kind, params Params, enc Encoder) *Instance {
	return &Instance{id: id, kind: kind, params: params, enc: enc}
}

// ID returns the registry id.
func (in *Instance) ID() string { return in.id }

// Kind returns the codec kind.
func (in *Instance) Kind() Kind { return in.kind }

// Params returns the encoding parameters.
func (in *Instance) Params() Params { return in.params }

// ContentType returns the MIME type of the encoded stream.
func (in *Instance) ContentType() string { return in.enc.ContentType() }

// State returns the binding state.
func (in *Instance) State() InstanceState { return InstanceState(in.state.Load()) }

// Header returns the codec header packet. Its sequence and timestamp are
// zero and the Header flag is set.
func (in *Instance) Header() audiocore.EncodedFrame {
	return audiocore.EncodedFrame{
		Payload: append([]byte(nil), in.enc.Header()...),
		Header:  true,
	}
}

// Encode encodes one frame. A frame of the wrong size fails with
// ErrInvalidFrame and leaves the encoder state untouched, so the caller
// can skip it and carry on with the next one. The timestamp comes from the
// instance's own clock, which advances by FrameSamples per encoded frame;
// frame.Index is not consulted.
func (in *Instance) Encode(frame audiocore.SampleFrame) (audiocore.EncodedFrame, error) {
	if !in.busy.CompareAndSwap(false, true) {
		err := errors.Newf("codec instance %s is already encoding", in.id).
			Component(componentCodec).
			Category(errors.CategoryState).
			Context("instance", in.id).
			Build()
		in.recordError(err)
		return audiocore.EncodedFrame{}, err
	}
	defer in.busy.Store(false)

	if want := in.params.FrameLen(); len(frame.Samples) != want {
		err := errors.New(fmt.Errorf("%w: got %d samples, want %d", audiocore.ErrInvalidFrame, len(frame.Samples), want)).
			Component(componentCodec).
			Category(errors.CategoryInvalidFrame).
			Context("instance", in.id).
			Context("kind", string(in.kind)).
			Build()
		in.recordError(err)
		return audiocore.EncodedFrame{}, err
	}

	payload := in.enc.Encode(nil, frame.Samples)
	in.sequence++
	in.clock += uint64(in.params.FrameSamples)

	in.frames.Add(1)
	in.bytes.Add(uint64(len(payload)))

	return audiocore.EncodedFrame{
		Payload:   payload,
		Sequence:  in.sequence,
		Timestamp: in.clock,
	}, nil
}

// Snapshot copies the counters without blocking the encode path.
func (in *Instance) Snapshot() Snapshot {
	s := Snapshot{
		ID:            in.id,
		Kind:          in.kind,
		ContentType:   in.enc.ContentType(),
		Params:        in.params,
		State:         in.State().String(),
		FramesEncoded: in.frames.Load(),
		BytesEncoded:  in.bytes.Load(),
		Errors:        in.errs.Load(),
		Active:        in.State() == StateActive,
	}
	if msg := in.lastError.Load(); msg != nil {
		s.LastError = *msg
	}
	return s
}

func (in *Instance) recordError(err error) {
	in.errs.Add(1)
	msg := err.Error()
	in.lastError.Store(&msg)
}
