package transport

import "errors"

// FuncRecorder adapts a fill function to the Recorder contract. The fill
// function must completely fill every buffer before returning, matching
// the blocking-capture semantics; simulated capture backends and tests
// plug in here.
type FuncRecorder struct {
	Srate float64
	Fill  func(bufs [][]float32, ports []string) error
}

// Record delegates to the fill function after validating the request.
func (r *FuncRecorder) Record(bufs [][]float32, ports []string) error {
	if r.Fill == nil {
		return errors.New("recorder has no capture backend")
	}
	if len(bufs) != len(ports) {
		return errors.New("recorder: buffer and port counts differ")
	}
	return r.Fill(bufs, ports)
}

// SampleRate returns the capture sample rate.
func (r *FuncRecorder) SampleRate() float64 { return r.Srate }
