// Package transport abstracts the audio-hardware transport: periodic
// delivery of audio buffers with a sample-accurate frame clock, plus the
// blocking capture primitive used by calibration. A loopback
// implementation drives tests and offline runs.
package transport

// ProcessFunc is the real-time audio callback. It is invoked once per
// audio cycle with the input and output channel buffers, the transport
// frame position and the rolling flag, and must complete within the
// buffer's real-time budget.
type ProcessFunc func(nframes int, in, out [][]float32, frame uint64, rolling bool) error

// Transport delivers audio buffers on a hardware clock.
type Transport interface {
	// Start activates the transport; cb runs once per cycle until Stop.
	Start(cb ProcessFunc) error
	// Stop deactivates the transport. It blocks until any in-flight
	// callback has completed.
	Stop() error
	// SampleRate returns the transport sample rate in Hz.
	SampleRate() float64
	// FragSize returns the fragment size in frames per cycle.
	FragSize() int
	// OutputPorts reports the available output port names.
	OutputPorts() []string
}

// Recorder is the blocking capture primitive consumed by calibration.
// Record returns only once exactly len(bufs[i]) frames have been
// captured on every requested port. It runs on the control context and
// is never invoked from the real-time path.
type Recorder interface {
	Record(bufs [][]float32, ports []string) error
	SampleRate() float64
}
