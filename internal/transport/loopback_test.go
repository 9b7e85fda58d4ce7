package transport

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopbackLifecycle(t *testing.T) {
	l := NewLoopback(48000, 128, 1, 2)
	if got := l.SampleRate(); got != 48000 {
		t.Fatalf("sample rate = %v, want 48000", got)
	}
	if got := l.FragSize(); got != 128 {
		t.Fatalf("frag size = %v, want 128", got)
	}
	if ports := l.OutputPorts(); len(ports) != 2 || ports[0] != "loopback:out.0" {
		t.Fatalf("output ports = %v", ports)
	}

	var cycles atomic.Int64
	var lastFrame atomic.Uint64
	cb := func(n int, in, out [][]float32, frame uint64, rolling bool) error {
		if n != 128 || len(in) != 1 || len(out) != 2 || !rolling {
			t.Errorf("unexpected callback args: n=%d in=%d out=%d rolling=%v", n, len(in), len(out), rolling)
		}
		cycles.Add(1)
		lastFrame.Store(frame)
		return nil
	}
	if err := l.Start(cb); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(cb); err == nil {
		t.Error("expected second start to fail")
	}
	deadline := time.Now().Add(time.Second)
	for cycles.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
	n := cycles.Load()
	if n < 10 {
		t.Fatalf("only %d cycles ran", n)
	}
	// stop blocks until the in-flight cycle completes; no further cycles
	// may run afterwards
	time.Sleep(10 * time.Millisecond)
	if cycles.Load() != n {
		t.Error("callback ran after Stop returned")
	}
	if lastFrame.Load() != uint64(n-1)*128 {
		t.Errorf("frame clock = %d after %d cycles", lastFrame.Load(), n)
	}
	// stop is idempotent
	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestFuncRecorder(t *testing.T) {
	r := &FuncRecorder{Srate: 44100, Fill: func(bufs [][]float32, ports []string) error {
		for _, b := range bufs {
			for i := range b {
				b[i] = 1
			}
		}
		return nil
	}}
	bufs := [][]float32{make([]float32, 4), make([]float32, 4)}
	if err := r.Record(bufs, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if bufs[1][3] != 1 {
		t.Error("record did not fill all buffers")
	}
	if err := r.Record(bufs, []string{"a"}); err == nil {
		t.Error("expected mismatched port count to fail")
	}
	if err := (&FuncRecorder{}).Record(bufs, []string{"a", "b"}); err == nil {
		t.Error("expected recorder without backend to fail")
	}
}
