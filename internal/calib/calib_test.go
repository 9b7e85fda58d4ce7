package calib

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/soundstagelab/soundstage/internal/scene"
	"github.com/soundstagelab/soundstage/internal/spk"
	"github.com/soundstagelab/soundstage/internal/transport"
)

const testSrate = 16384

// quad layout plus one subwoofer, pre-calibrated to 80 dB / -10 dB.
const testLayout = `<layout name="quad" caliblevel="80" diffusegain="-10">
  <speaker label="fl" az="0" r="2" connect="system:playback_1"/>
  <speaker label="fr" az="90" r="2" connect="system:playback_2"/>
  <speaker label="rl" az="180" r="2" connect="system:playback_3"/>
  <speaker label="rr" az="270" r="2" connect="system:playback_4"/>
  <sub label="sub" az="45" r="2" connect="system:playback_5"/>
</layout>
`

func writeTestLayout(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "layout.spk")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fastParams(sub bool) Params {
	p := NewParams(sub)
	p.Duration = 0.25
	p.Prewait = 0.001
	return p
}

// ampFor returns the sine amplitude whose mean square reads the given
// level in dB.
func ampFor(db float64) float64 {
	return math.Sqrt(2 * math.Pow(10, db/10))
}

// simRoom simulates the measurement chain: each broadband speaker plays
// a 1 kHz tone at its own level, the subwoofer a 50 Hz tone, and the
// reference channel carries a unit tone at the stimulus frequency.
type simRoom struct {
	cs        *Session
	bbLevels  []float64
	subLevels []float64
	captures  int
}

func (r *simRoom) fill(bufs [][]float32, ports []string) error {
	r.captures++
	cs := r.cs
	if !cs.srcBB.IsMuted() && !cs.srcSub.IsMuted() {
		panic("both stimulus sources active during capture")
	}
	if !cs.recNsp.IsMuted() && !cs.recSpec.IsMuted() {
		panic("both measurement receivers active during capture")
	}
	var (
		src    *scene.SourceObject
		spks   []spk.Speaker
		levels []float64
		freq   float64
	)
	switch {
	case !cs.srcBB.IsMuted():
		src, spks, levels, freq = cs.srcBB, cs.spkNsp.Speakers, r.bbLevels, 1000
	case !cs.srcSub.IsMuted():
		src, spks, levels, freq = cs.srcSub, cs.spkNsp.Subs, r.subLevels, 50
	default:
		panic("capture requested with no stimulus active")
	}
	k := -1
	for i := range spks {
		u := scene.Vec3From(spks[i].UnitVector())
		d := scene.Vec3{X: u.X - src.Location.X, Y: u.Y - src.Location.Y, Z: u.Z - src.Location.Z}
		if d.Norm() < 1e-9 {
			k = i
			break
		}
	}
	if k < 0 {
		panic("stimulus position matches no speaker")
	}
	amp := ampFor(levels[k])
	w := 2 * math.Pi * freq / testSrate
	for i := range bufs[0] {
		s := math.Sin(w * float64(i))
		bufs[0][i] = float32(amp * s)
		bufs[len(bufs)-1][i] = float32(s)
	}
	return nil
}

func newTestCalib(t *testing.T, parSpeaker, parSub Params) (*Session, *simRoom) {
	t.Helper()
	path := writeTestLayout(t, testLayout)
	room := &simRoom{
		bbLevels:  []float64{70, 72, 68, 71},
		subLevels: []float64{69},
	}
	rec := &transport.FuncRecorder{Srate: testSrate, Fill: room.fill}
	tp := transport.NewLoopback(testSrate, 64, 1, 2)
	tp.Realtime = true // the session pumps for the whole test
	cs, err := New(path, []string{"system:capture_1"}, parSpeaker, parSub, tp, rec)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cs.Close() })
	room.cs = cs
	return cs, room
}

func TestNewStartsRuntime(t *testing.T) {
	cs, _ := newTestCalib(t, fastParams(false), fastParams(true))
	rt := cs.Runtime()
	if !rt.IsRunning() {
		t.Fatal("runtime not running after construction")
	}
	for _, m := range rt.Modules {
		if !m.IsConfigured() {
			t.Errorf("module %q not prepared on the running runtime", m.Name)
		}
	}
	if err := cs.Close(); err != nil {
		t.Fatal(err)
	}
	if rt.IsRunning() {
		t.Error("runtime still running after close")
	}
	// closing again is a no-op
	if err := cs.Close(); err != nil {
		t.Errorf("redundant close returned error: %v", err)
	}
}

func TestNewSessionFromLayout(t *testing.T) {
	cs, _ := newTestCalib(t, fastParams(false), fastParams(true))
	if got := cs.GetCalibLevel(); math.Abs(got-80) > 1e-9 {
		t.Errorf("initial calibration level = %g dB, want 80", got)
	}
	if got := cs.GetDiffuseGain(); math.Abs(got-(-10)) > 1e-9 {
		t.Errorf("initial diffuse gain = %g dB, want -10", got)
	}
	if cs.CalibFor() != "type:nsp" {
		t.Errorf("calibfor = %q, want default type:nsp", cs.CalibFor())
	}
	if !cs.srcBB.IsMuted() || !cs.srcSub.IsMuted() || !cs.diffuse.IsMuted() {
		t.Error("stimulus objects must start muted")
	}
	if cs.recNsp.IsMuted() || !cs.recSpec.IsMuted() {
		t.Error("measurement receiver must start live, playback receiver muted")
	}
	if cs.LevelsRecorded() || cs.GainModified() || cs.Calibrated() || cs.CalibratedDiff() {
		t.Error("fresh session must carry no pending state")
	}
}

func TestNewRejectsBadLayouts(t *testing.T) {
	par, sub := fastParams(false), fastParams(true)
	tp := transport.NewLoopback(testSrate, 64, 1, 2)
	rec := &transport.FuncRecorder{Srate: testSrate}
	if _, err := New(filepath.Join(t.TempDir(), "missing.spk"), nil, par, sub, tp, rec); err == nil {
		t.Error("expected error for missing layout file")
	}
	bad := writeTestLayout(t, `<layout calibfor="badtoken"><speaker az="0"/></layout>`)
	if _, err := New(bad, nil, par, sub, tp, rec); err == nil {
		t.Error("expected error for malformed calibfor attribute")
	}
	if _, err := New(writeTestLayout(t, testLayout), nil, par, sub, tp, nil); err == nil {
		t.Error("expected error for missing recorder")
	}
}

func TestParseCalibFor(t *testing.T) {
	tests := []struct {
		in      string
		want    map[string]string
		wantErr bool
	}{
		{"", map[string]string{"type": "nsp"}, false},
		{"type:nsp", map[string]string{"type": "nsp"}, false},
		{"type:hoa,order:3", map[string]string{"type": "hoa", "order": "3"}, false},
		{"badtoken", nil, true},
		{"a:b,c", nil, true},
		{"a:", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseCalibFor(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCalibFor(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("ParseCalibFor(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("ParseCalibFor(%q)[%s] = %q, want %q", tt.in, k, got[k], v)
			}
		}
	}
}

func TestGetLevelsGainNormalization(t *testing.T) {
	cs, room := newTestCalib(t, fastParams(false), fastParams(true))
	if err := cs.GetLevels(); err != nil {
		t.Fatal(err)
	}
	if room.captures == 0 {
		t.Fatal("no capture happened")
	}
	if !cs.LevelsRecorded() {
		t.Error("levels not marked recorded")
	}
	// weighting bias is common to all channels, so levels match the
	// simulated values up to a small constant offset
	wantLevels := []float64{70, 72, 68, 71}
	bias := float64(cs.levels[0]) - wantLevels[0]
	if math.Abs(bias) > 0.6 {
		t.Errorf("level bias %g dB exceeds meter tolerance", bias)
	}
	for k, want := range wantLevels {
		if got := float64(cs.levels[k]); math.Abs(got-want-bias) > 0.01 {
			t.Errorf("speaker %d level = %g dB, want %g%+g", k, got, want, bias)
		}
	}
	lmin, lmax, lmean := cs.LevelStats()
	if math.Abs(lmin-(68+bias)) > 0.01 || math.Abs(lmax-(72+bias)) > 0.01 {
		t.Errorf("level stats lmin=%g lmax=%g, want %g and %g", lmin, lmax, 68+bias, 72+bias)
	}
	if math.Abs(lmean-(70.25+bias)) > 0.01 {
		t.Errorf("lmean = %g, want %g", lmean, 70.25+bias)
	}
	// softest speaker keeps unit gain, louder speakers are attenuated
	wantGains := []float64{0.79433, 0.63096, 1.0, 0.70795}
	var gmax float64
	for k, want := range wantGains {
		got := cs.spkSpec.Speakers[k].Gain
		if math.Abs(got-want) > 0.005 {
			t.Errorf("speaker %d gain = %g, want %g", k, got, want)
		}
		if got != cs.spkNsp.Speakers[k].Gain {
			t.Errorf("speaker %d gains diverge between arrays", k)
		}
		gmax = math.Max(gmax, got)
	}
	if math.Abs(gmax-1) > 1e-9 {
		t.Errorf("largest broadband gain = %g, want exactly 1", gmax)
	}
	// sub gain follows the same reference level; the subwoofer level is
	// unweighted, so check self-consistency against the measured values
	wantSub := math.Pow(10, 0.05*(lmin-float64(cs.subLevels[0])))
	if got := cs.spkSpec.Subs[0].Gain; math.Abs(got-wantSub) > 1e-6 {
		t.Errorf("sub gain = %g, want %g", got, wantSub)
	}
	if cs.spkSpec.Subs[0].Gain != cs.spkNsp.Subs[0].Gain {
		t.Error("sub gains diverge between arrays")
	}
	// in-band spread of a clean simulated chain stays small
	for k, frg := range cs.LevelRange() {
		if frg < 0 {
			t.Errorf("speaker %d level spread %g is negative", k, frg)
		}
	}
}

func TestResetLevels(t *testing.T) {
	cs, _ := newTestCalib(t, fastParams(false), fastParams(true))
	if err := cs.GetLevels(); err != nil {
		t.Fatal(err)
	}
	cs.ResetLevels()
	if cs.LevelsRecorded() {
		t.Error("levels still marked recorded after reset")
	}
	for _, arr := range []*spk.Array{cs.spkNsp, cs.spkSpec} {
		for k := range arr.Speakers {
			if arr.Speakers[k].Gain != 1 {
				t.Errorf("speaker %d gain = %g after reset, want 1", k, arr.Speakers[k].Gain)
			}
		}
		for k := range arr.Subs {
			if arr.Subs[k].Gain != 1 {
				t.Errorf("sub %d gain = %g after reset, want 1", k, arr.Subs[k].Gain)
			}
		}
	}
	for _, frg := range cs.LevelRange() {
		if frg != 0 {
			t.Error("level spread not cleared by reset")
		}
	}
	// measurement repeats cleanly after a reset
	if err := cs.GetLevels(); err != nil {
		t.Fatal(err)
	}
	if math.Abs(cs.spkSpec.Speakers[2].Gain-1) > 1e-9 {
		t.Error("repeated measurement does not reproduce unit gain on the softest speaker")
	}
}

func TestMuteStateProtocol(t *testing.T) {
	cs, _ := newTestCalib(t, fastParams(false), fastParams(true))
	atMostOneStimulus := func(when string) {
		t.Helper()
		n := 0
		for _, m := range []bool{cs.srcBB.IsMuted(), cs.srcSub.IsMuted(), cs.diffuse.IsMuted()} {
			if !m {
				n++
			}
		}
		if n > 1 {
			t.Errorf("%s: %d stimulus objects active, want at most 1", when, n)
		}
	}

	cs.SetActive(true)
	atMostOneStimulus("after SetActive(true)")
	if cs.srcBB.IsMuted() {
		t.Error("broadband stimulus muted in playback phase")
	}
	if !cs.recNsp.IsMuted() || cs.recSpec.IsMuted() {
		t.Error("playback phase must route through the playback receiver")
	}
	if !cs.Calibrated() {
		t.Error("playback activation must mark the session calibrated")
	}

	cs.SetActiveDiff(true)
	atMostOneStimulus("after SetActiveDiff(true)")
	if cs.diffuse.IsMuted() {
		t.Error("diffuse stimulus muted in diffuse phase")
	}
	if !cs.srcBB.IsMuted() {
		t.Error("point stimulus still active in diffuse phase")
	}
	if !cs.CalibratedDiff() {
		t.Error("diffuse activation must mark the session diffuse-calibrated")
	}

	cs.SetActiveDiff(false)
	atMostOneStimulus("after SetActiveDiff(false)")
	if !cs.diffuse.IsMuted() {
		t.Error("diffuse stimulus survives deactivation")
	}
	if cs.recNsp.IsMuted() || !cs.recSpec.IsMuted() {
		t.Error("deactivation must route back to the measurement receiver")
	}

	cs.SetActive(false)
	atMostOneStimulus("after SetActive(false)")
	if !cs.srcBB.IsMuted() || !cs.srcSub.IsMuted() {
		t.Error("stimuli survive deactivation")
	}
	if d := cs.srcBB.Location.X - 1; math.Abs(d) > 1e-12 {
		t.Error("stimulus position not restored on deactivation")
	}
}

func TestIncCalibLevelAccumulates(t *testing.T) {
	cs, _ := newTestCalib(t, fastParams(false), fastParams(true))
	cs.IncCalibLevel(2)
	cs.IncCalibLevel(-0.5)
	if got := cs.GetCalibLevel(); math.Abs(got-81.5) > 1e-9 {
		t.Errorf("calibration level = %g dB after +2 -0.5, want 81.5", got)
	}
	if cs.recNsp.CalibLevelPa != cs.recSpec.CalibLevelPa {
		t.Error("calibration level diverges between receivers")
	}
	cs.IncDiffuseGain(3)
	if got := cs.GetDiffuseGain(); math.Abs(got-(-7)) > 1e-9 {
		t.Errorf("diffuse gain = %g dB after +3, want -7", got)
	}
	if !cs.GainModified() {
		t.Error("gain change not marked")
	}
}

func TestSaveAsRoundTrip(t *testing.T) {
	cs, _ := newTestCalib(t, fastParams(false), fastParams(true))
	if err := cs.GetLevels(); err != nil {
		t.Fatal(err)
	}
	cs.IncCalibLevel(1.5)
	out := filepath.Join(t.TempDir(), "calibrated.spk")
	if err := cs.SaveAs(out); err != nil {
		t.Fatal(err)
	}
	if cs.GainModified() || cs.LevelsRecorded() || cs.Calibrated() || cs.CalibratedDiff() {
		t.Error("pending-state flags survive a save")
	}
	arr, err := spk.LoadLayout(out)
	if err != nil {
		t.Fatal(err)
	}
	if got := spk.DBFromPa(arr.CalibLevelPa); math.Abs(got-81.5) > 1e-3 {
		t.Errorf("stored caliblevel = %g dB, want 81.5", got)
	}
	if got := spk.LinToDB(arr.DiffuseGain); math.Abs(got-(-10)) > 1e-3 {
		t.Errorf("stored diffusegain = %g dB, want -10", got)
	}
	if arr.CalibFor != "type:nsp" {
		t.Errorf("stored calibfor = %q", arr.CalibFor)
	}
	for k := range arr.Speakers {
		if got, want := arr.Speakers[k].Gain, cs.spkSpec.Speakers[k].Gain; math.Abs(got-want) > 1e-3 {
			t.Errorf("stored speaker %d gain = %g, want %g", k, got, want)
		}
	}
	if got, want := arr.Subs[0].Gain, cs.spkSpec.Subs[0].Gain; math.Abs(got-want) > 1e-3 {
		t.Errorf("stored sub gain = %g, want %g", got, want)
	}
	// the original file is untouched by SaveAs to a different path
	orig, err := spk.LoadLayout(cs.layoutPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := spk.DBFromPa(orig.CalibLevelPa); math.Abs(got-80) > 1e-9 {
		t.Error("SaveAs modified the original layout file")
	}
}

func TestEqualizerFit(t *testing.T) {
	par := fastParams(false)
	par.MaxEqStages = 2
	sub := fastParams(true)
	cs, _ := newTestCalib(t, par, sub)
	if err := cs.GetLevels(); err != nil {
		t.Fatal(err)
	}
	wantBands := 19 // 62.5 Hz to 4 kHz at 3 bands per octave
	for k := range cs.spkSpec.Speakers {
		sp := &cs.spkSpec.Speakers[k]
		if sp.EqStages != 2 {
			t.Errorf("speaker %d fitted %d stages, want 2", k, sp.EqStages)
		}
		if len(sp.EqFreq) != wantBands || len(sp.EqGain) != wantBands {
			t.Errorf("speaker %d has %d/%d eq bands, want %d", k, len(sp.EqFreq), len(sp.EqGain), wantBands)
		}
		if sp.EQ.NumStages() != cs.spkNsp.Speakers[k].EQ.NumStages() {
			t.Errorf("speaker %d equalizers diverge between arrays", k)
		}
	}
	// subwoofer equalization stays disabled at zero stages
	if cs.spkSpec.Subs[0].EqStages != 0 {
		t.Error("sub acquired eq stages with equalization disabled")
	}
	out := filepath.Join(t.TempDir(), "eq.spk")
	if err := cs.SaveAs(out); err != nil {
		t.Fatal(err)
	}
	arr, err := spk.LoadLayout(out)
	if err != nil {
		t.Fatal(err)
	}
	if arr.Speakers[0].EqStages != 2 || len(arr.Speakers[0].EqFreq) != wantBands {
		t.Error("fitted equalizer not persisted")
	}
	if arr.Subs[0].EqStages != 0 || arr.Subs[0].EqFreq != nil {
		t.Error("disabled sub equalizer persisted non-empty")
	}
}
