package spk

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/beevik/etree"
)

const testLayout = `<?xml version="1.0"?>
<layout name="quad" caliblevel="93.979400" diffusegain="0">
  <speaker label="fl" az="45" el="0" r="2" gain="-2"/>
  <speaker label="fr" az="-45" el="0" r="2"/>
  <speaker label="rl" az="135" el="0" r="2" eqstages="2" eqfreq="100 200" eqgain="-1 -2"/>
  <speaker label="rr" az="-135" el="0" r="2"/>
  <sub label="sub" az="0" el="0" r="1"/>
</layout>
`

func writeLayout(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "layout.spk")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLayout(t *testing.T) {
	arr, err := LoadLayout(writeLayout(t, testLayout))
	if err != nil {
		t.Fatal(err)
	}
	if len(arr.Speakers) != 4 {
		t.Fatalf("got %d speakers, want 4", len(arr.Speakers))
	}
	if len(arr.Subs) != 1 {
		t.Fatalf("got %d subs, want 1", len(arr.Subs))
	}
	if math.Abs(arr.CalibLevelPa-1.0) > 1e-4 {
		t.Errorf("caliblevel = %g Pa, want 1.0", arr.CalibLevelPa)
	}
	if g := arr.Speakers[0].Gain; math.Abs(g-DBToLin(-2)) > 1e-9 {
		t.Errorf("fl gain = %g, want %g", g, DBToLin(-2))
	}
	if g := arr.Speakers[1].Gain; math.Abs(g-1) > 1e-9 {
		t.Errorf("fr gain = %g, want 1", g)
	}
	if arr.Speakers[2].EqStages != 2 || len(arr.Speakers[2].EqFreq) != 2 {
		t.Errorf("rl eq not parsed: stages=%d freq=%v", arr.Speakers[2].EqStages, arr.Speakers[2].EqFreq)
	}
}

func TestLoadLayoutRejectsWrongRoot(t *testing.T) {
	_, err := LoadLayout(writeLayout(t, `<session><speaker az="0"/></session>`))
	if err == nil {
		t.Fatal("expected error for wrong root element")
	}
}

func TestUnitVector(t *testing.T) {
	s := Speaker{Az: 90}
	v := s.UnitVector()
	if math.Abs(v[0]) > 1e-9 || math.Abs(v[1]-1) > 1e-9 || math.Abs(v[2]) > 1e-9 {
		t.Errorf("az=90 unit vector = %v, want (0,1,0)", v)
	}
}

func TestFloatsRoundTrip(t *testing.T) {
	in := []float32{62.5, 125, 250.5}
	out, err := ParseFloats(FormatFloats(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d values, want %d", len(out), len(in))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1e-3 {
			t.Errorf("value %d: got %v, want %v", i, out[i], in[i])
		}
	}
	if got := FormatFloats(nil); got != "" {
		t.Errorf("FormatFloats(nil) = %q, want empty", got)
	}
}

func TestLayoutChecksum(t *testing.T) {
	load := func(content string) uint64 {
		doc := etree.NewDocument()
		if err := doc.ReadFromString(content); err != nil {
			t.Fatal(err)
		}
		return LayoutChecksum(doc.Root())
	}
	base := load(testLayout)
	if again := load(testLayout); again != base {
		t.Error("checksum not stable across loads")
	}
	// calibration attributes must not affect the checksum
	recal := `<?xml version="1.0"?>
<layout name="quad">
  <speaker label="fl" az="45" el="0" r="2" gain="-6" eqstages="1"/>
  <speaker label="fr" az="-45" el="0" r="2"/>
  <speaker label="rl" az="135" el="0" r="2"/>
  <speaker label="rr" az="-135" el="0" r="2"/>
  <sub label="sub" az="0" el="0" r="1"/>
</layout>`
	if load(recal) != base {
		t.Error("checksum changed when only calibration attributes differ")
	}
	// moving a speaker must change it
	moved := `<?xml version="1.0"?>
<layout name="quad">
  <speaker label="fl" az="40" el="0" r="2"/>
  <speaker label="fr" az="-45" el="0" r="2"/>
  <speaker label="rl" az="135" el="0" r="2"/>
  <speaker label="rr" az="-135" el="0" r="2"/>
  <sub label="sub" az="0" el="0" r="1"/>
</layout>`
	if load(moved) == base {
		t.Error("checksum unchanged after moving a speaker")
	}
}
