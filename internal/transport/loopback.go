package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Loopback is an in-process transport: a goroutine pumps the process
// callback with silence input at the configured fragment size. With
// Realtime set it paces cycles on the wall clock; otherwise it free-runs
// (useful in tests).
type Loopback struct {
	Srate    float64
	Frag     int
	Inputs   int
	Outputs  int
	Realtime bool
	Ports    []string

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewLoopback creates a loopback transport with the given clocking.
func NewLoopback(srate float64, frag, inputs, outputs int) *Loopback {
	ports := make([]string, outputs)
	for i := range ports {
		ports[i] = fmt.Sprintf("loopback:out.%d", i)
	}
	return &Loopback{Srate: srate, Frag: frag, Inputs: inputs, Outputs: outputs, Ports: ports}
}

// SampleRate returns the configured sample rate.
func (l *Loopback) SampleRate() float64 { return l.Srate }

// FragSize returns the configured fragment size.
func (l *Loopback) FragSize() int { return l.Frag }

// OutputPorts returns the loopback port names.
func (l *Loopback) OutputPorts() []string { return append([]string(nil), l.Ports...) }

// Start begins pumping the callback.
func (l *Loopback) Start(cb ProcessFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return errors.New("loopback transport already started")
	}
	if cb == nil {
		return errors.New("loopback transport needs a process callback")
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.running = true
	go l.pump(cb, l.stop, l.done)
	return nil
}

func (l *Loopback) pump(cb ProcessFunc, stop, done chan struct{}) {
	defer close(done)
	in := make([][]float32, l.Inputs)
	for i := range in {
		in[i] = make([]float32, l.Frag)
	}
	out := make([][]float32, l.Outputs)
	for i := range out {
		out[i] = make([]float32, l.Frag)
	}
	period := time.Duration(float64(l.Frag) / l.Srate * float64(time.Second))
	var frame uint64
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := cb(l.Frag, in, out, frame, true); err != nil {
			log.Error().Err(err).Msg("Loopback process callback failed, transport halted")
			return
		}
		frame += uint64(l.Frag)
		if l.Realtime {
			time.Sleep(period)
		}
	}
}

// Stop halts the pump, blocking until the in-flight cycle has returned.
func (l *Loopback) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return nil
	}
	close(l.stop)
	<-l.done
	l.running = false
	return nil
}
