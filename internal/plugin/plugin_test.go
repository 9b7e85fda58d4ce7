package plugin

import (
	"errors"
	"strings"
	"testing"
)

type countingPlugin struct {
	prepared int
	updated  int
	released int
	failNext bool
}

func (c *countingPlugin) Prepare(ChunkConfig) error {
	if c.failNext {
		return errors.New("induced prepare failure")
	}
	c.prepared++
	return nil
}
func (c *countingPlugin) Update(uint64, bool) { c.updated++ }
func (c *countingPlugin) Release()           { c.released++ }

func init() {
	Register("counting", func(cfg Config) (Plugin, error) {
		return &countingPlugin{failNext: cfg.Attr("fail", "") == "prepare"}, nil
	})
}

func TestLoadUnknownPlugin(t *testing.T) {
	_, err := Load(Config{Name: "no-such-plugin"})
	if err == nil {
		t.Fatal("expected load of unknown plugin to fail")
	}
	if !strings.Contains(err.Error(), "no-such-plugin") {
		t.Errorf("error %q does not name the offending plugin", err)
	}
}

func TestModuleLifecycle(t *testing.T) {
	m, err := Load(Config{Name: "counting"})
	if err != nil {
		t.Fatal(err)
	}
	impl := m.impl.(*countingPlugin)
	cfg := ChunkConfig{SampleRate: 44100, FragSize: 256, Channels: 2}

	// update before prepare must be ignored
	m.Update(0, true)
	if impl.updated != 0 {
		t.Error("update ran before prepare")
	}
	if err := m.Prepare(cfg); err != nil {
		t.Fatal(err)
	}
	if err := m.Prepare(cfg); !errors.Is(err, ErrAlreadyPrepared) {
		t.Errorf("re-prepare error = %v, want ErrAlreadyPrepared", err)
	}
	m.Update(1, true)
	m.Update(2, true)
	if impl.updated != 2 {
		t.Errorf("updated %d times, want 2", impl.updated)
	}
	m.Release()
	m.Update(3, true)
	if impl.updated != 2 {
		t.Error("update ran after release")
	}
	if impl.released != 1 {
		t.Errorf("released %d times, want 1", impl.released)
	}
	// release is idempotent once unprepared
	m.Release()
	if impl.released != 1 {
		t.Error("release ran twice without an intervening prepare")
	}
	// prepare/release pair is legal again after the first release
	if err := m.Prepare(cfg); err != nil {
		t.Fatal(err)
	}
	m.Unload()
	if err := m.Prepare(cfg); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("prepare after unload error = %v, want ErrNotLoaded", err)
	}
}

func TestModuleMarkFailedSkipsUpdates(t *testing.T) {
	m, err := Load(Config{Name: "counting"})
	if err != nil {
		t.Fatal(err)
	}
	impl := m.impl.(*countingPlugin)
	if err := m.Prepare(ChunkConfig{SampleRate: 48000, FragSize: 128}); err != nil {
		t.Fatal(err)
	}
	m.Update(0, true)
	m.MarkFailed()
	m.Update(1, true)
	if impl.updated != 1 {
		t.Errorf("failed module still updated (%d updates)", impl.updated)
	}
}

func TestPinkNoiseAttributes(t *testing.T) {
	tests := []struct {
		name    string
		attrs   map[string]string
		wantErr bool
	}{
		{"defaults", nil, false},
		{"explicit", map[string]string{"level": "70", "period": "1", "fmin": "62.5", "fmax": "4000"}, false},
		{"bad level", map[string]string{"level": "loud"}, true},
		{"inverted band", map[string]string{"fmin": "4000", "fmax": "62.5"}, true},
		{"zero period", map[string]string{"period": "0"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPinkNoise(Config{Name: "pink", Attrs: tt.attrs})
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPinkNoise error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPinkNoiseFill(t *testing.T) {
	p, err := NewPinkNoise(Config{Name: "pink", Attrs: map[string]string{"level": "70"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Prepare(ChunkConfig{SampleRate: 44100, FragSize: 1024}); err != nil {
		t.Fatal(err)
	}
	buf := make([]float32, 4096)
	p.Fill(buf, 0)
	var sum float64
	for _, s := range buf {
		sum += float64(s) * float64(s)
	}
	if sum == 0 {
		t.Error("stimulus generated silence")
	}
}

func TestRouteValidation(t *testing.T) {
	if _, err := NewRoute(Config{Name: "route", Attrs: map[string]string{"channels": "0"}}); err == nil {
		t.Error("expected channels=0 to be rejected")
	}
	r, err := NewRoute(Config{Name: "route", Attrs: map[string]string{"name": "pink", "channels": "1", "bogus": "x"}})
	if err != nil {
		t.Fatal(err)
	}
	var w strings.Builder
	r.ValidateAttributes(&w)
	if !strings.Contains(w.String(), "bogus") {
		t.Errorf("warnings %q do not mention the unknown attribute", w.String())
	}
}
