package calib

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"
	"github.com/rs/zerolog/log"

	"github.com/soundstagelab/soundstage/internal/plugin"
	"github.com/soundstagelab/soundstage/internal/scene"
	"github.com/soundstagelab/soundstage/internal/session"
	"github.com/soundstagelab/soundstage/internal/spk"
	"github.com/soundstagelab/soundstage/internal/transport"
)

// Session drives one speaker-array calibration: it owns a dedicated
// session runtime with a synthetic measurement scene, the recorder used
// for blocking captures, and the accumulated calibration state.
type Session struct {
	rt  *session.Session
	rec transport.Recorder

	layoutPath string
	calibFor   string
	parSpeaker Params
	parSub     Params
	refPorts   []string

	srcBB   *scene.SourceObject
	srcSub  *scene.SourceObject
	diffuse *scene.DiffuseFieldObject
	recNsp  *scene.ReceiverObject
	recSpec *scene.ReceiverObject
	recRef  *scene.ReceiverObject
	spkNsp  *spk.Array
	spkSpec *spk.Array
	spkFile *spk.Array // pristine layout copy, reference for persisted gains

	levels       []float32 // measured broadband levels, dB
	subLevels    []float32
	levelsFrg    []float32 // in-band level spread diagnostic, dB
	subLevelsFrg []float32

	vF        []float32   // broadband response band frequencies
	vFsub     []float32
	vGains    [][]float32 // per-speaker response-phase gain targets
	vGainsSub [][]float32
	fcompBB   int         // fitted broadband EQ stages
	fcompSub  int

	lmin, lmax, lmean float64

	startLevel    float64 // calibration level baseline, dB
	startDiffGain float64 // diffuse gain baseline, dB
	delta         float64
	deltaDiff     float64

	gainModified   bool
	levelsRecorded bool
	calibrated     bool
	calibratedDiff bool
}

// stimulusAttrs renders the pink-noise stimulus description for a
// calibration band.
func stimulusAttrs(par Params) map[string]string {
	return map[string]string{
		"level":  strconv.FormatFloat(float64(par.RefLevel), 'g', -1, 32),
		"period": strconv.FormatFloat(float64(par.Duration), 'g', -1, 32),
		"fmin":   strconv.FormatFloat(float64(par.FMin), 'g', -1, 32),
		"fmax":   strconv.FormatFloat(float64(par.FMax), 'g', -1, 32),
	}
}

// New builds a calibration session for the given layout file. The
// synthetic scene holds exactly two muted stimulus sources, the nsp
// measurement receiver, the declared playback receiver (from the
// layout's calibfor attribute) and an omni reference receiver, plus one
// muted diffuse field. Violations of that shape are programming
// invariants and abort construction.
func New(layoutPath string, refPorts []string, parSpeaker, parSub Params, tp transport.Transport, rec transport.Recorder) (*Session, error) {
	if rec == nil {
		return nil, fmt.Errorf("calibration needs a capture recorder")
	}
	calibFor, err := layoutCalibFor(layoutPath)
	if err != nil {
		return nil, err
	}
	if calibFor == "" {
		calibFor = "type:nsp"
	}
	specAttrs, err := ParseCalibFor(calibFor)
	if err != nil {
		return nil, err
	}
	specType := specAttrs["type"]
	if specType == "" {
		specType = "nsp"
	}

	cfg := session.DefaultConfig()
	cfg.Loop = true
	rt, err := session.New(cfg, tp)
	if err != nil {
		return nil, err
	}

	s := &Session{
		rt:         rt,
		rec:        rec,
		layoutPath: layoutPath,
		calibFor:   calibFor,
		parSpeaker: parSpeaker,
		parSub:     parSub,
		refPorts:   append([]string(nil), refPorts...),
	}

	sc := scene.NewScene("calib")
	s.srcBB = &scene.SourceObject{Object: scene.Object{Name: "srcbb", Muted: true}}
	if s.srcBB.Gen, err = plugin.NewPinkNoise(plugin.Config{Name: "pink", Attrs: stimulusAttrs(parSpeaker)}); err != nil {
		return nil, err
	}
	s.srcSub = &scene.SourceObject{Object: scene.Object{Name: "srcsub", Muted: true}}
	if s.srcSub.Gen, err = plugin.NewPinkNoise(plugin.Config{Name: "pink", Attrs: stimulusAttrs(parSub)}); err != nil {
		return nil, err
	}
	if err := sc.AddSource(s.srcBB); err != nil {
		return nil, err
	}
	if err := sc.AddSource(s.srcSub); err != nil {
		return nil, err
	}

	layoutAttrs := map[string]string{"layout": layoutPath}
	if s.recNsp, err = scene.NewReceiver("nsp", "nsp", layoutAttrs); err != nil {
		return nil, err
	}
	specRecvAttrs := map[string]string{"layout": layoutPath}
	for k, v := range specAttrs {
		if k != "type" {
			specRecvAttrs[k] = v
		}
	}
	if s.recSpec, err = scene.NewReceiver("out2", specType, specRecvAttrs); err != nil {
		return nil, err
	}
	s.recSpec.SetMute(true)
	if s.recRef, err = scene.NewReceiver("ref", "omni", nil); err != nil {
		return nil, err
	}
	for _, r := range []*scene.ReceiverObject{s.recNsp, s.recSpec, s.recRef} {
		if err := sc.AddReceiver(r); err != nil {
			return nil, err
		}
	}

	s.diffuse = &scene.DiffuseFieldObject{Object: scene.Object{Name: "diffuse", Muted: true}}
	if s.diffuse.Gen, err = plugin.NewPinkNoise(plugin.Config{Name: "pink", Attrs: stimulusAttrs(parSpeaker)}); err != nil {
		return nil, err
	}
	if err := sc.AddDiffuse(s.diffuse); err != nil {
		return nil, err
	}

	if err := rt.AddScene(sc); err != nil {
		return nil, err
	}
	// stimulus routes run through the module host
	pinkRoute := map[string]string{"name": "pink", "channels": "1"}
	for k, v := range stimulusAttrs(parSpeaker) {
		pinkRoute[k] = v
	}
	if err := rt.AddModule(plugin.Config{Name: "route", Attrs: pinkRoute}); err != nil {
		return nil, err
	}
	subRoute := map[string]string{"name": "sub", "channels": "1"}
	for k, v := range stimulusAttrs(parSub) {
		subRoute[k] = v
	}
	if err := rt.AddModule(plugin.Config{Name: "route", Attrs: subRoute}); err != nil {
		return nil, err
	}

	// programming-invariant checks on the synthesized scene
	if len(rt.Graph.Scenes) == 0 {
		return nil, fmt.Errorf("programming error: no scene")
	}
	built := rt.Graph.Scenes[len(rt.Graph.Scenes)-1]
	if len(built.Sources) != 2 {
		return nil, fmt.Errorf("programming error: not exactly two sources")
	}
	if len(built.Receivers) != 3 {
		return nil, fmt.Errorf("programming error: not exactly three receivers")
	}
	var ok bool
	if s.spkNsp, ok = s.recNsp.Impl.AsSpeakerArray(); !ok {
		return nil, fmt.Errorf("programming error: invalid speaker type for receiver %q", s.recNsp.Name)
	}
	if s.spkSpec, ok = s.recSpec.Impl.AsSpeakerArray(); !ok {
		return nil, fmt.Errorf("programming error: invalid speaker type for receiver %q", s.recSpec.Name)
	}
	if !s.spkNsp.SameShape(s.spkSpec) {
		return nil, fmt.Errorf("programming error: measurement and playback arrays diverge (%d/%d vs %d/%d speakers)",
			len(s.spkNsp.Speakers), len(s.spkNsp.Subs), len(s.spkSpec.Speakers), len(s.spkSpec.Subs))
	}
	if s.spkFile, err = spk.LoadLayout(layoutPath); err != nil {
		return nil, err
	}

	s.srcBB.Location = scene.Vec3{X: 1}
	s.levels = make([]float32, len(s.spkFile.Speakers))
	s.subLevels = make([]float32, len(s.spkFile.Subs))
	s.levelsFrg = make([]float32, len(s.spkFile.Speakers))
	s.subLevelsFrg = make([]float32, len(s.spkFile.Subs))
	s.startLevel = s.GetCalibLevel()
	s.startDiffGain = s.GetDiffuseGain()
	for _, arr := range []*spk.Array{s.spkNsp, s.spkSpec} {
		for i := range arr.Speakers {
			arr.Speakers[i].ClearEQ()
		}
		for i := range arr.Subs {
			arr.Subs[i].ClearEQ()
		}
	}
	// the measurement protocol sequences mute states on a live graph:
	// the runtime pumps from here until Close
	if err := rt.Start(); err != nil {
		return nil, fmt.Errorf("failed to start calibration runtime: %w", err)
	}
	log.Info().
		Str("layout", layoutPath).
		Str("calibfor", calibFor).
		Int("speakers", len(s.spkFile.Speakers)).
		Int("subs", len(s.spkFile.Subs)).
		Msg("Calibration session created")
	return s, nil
}

// Close stops the dedicated session runtime and unloads its modules.
// Closing a closed session is a no-op.
func (s *Session) Close() error {
	s.rt.Stop()
	return s.rt.UnloadModules()
}

// layoutCalibFor reads the calibfor attribute of a layout file.
func layoutCalibFor(path string) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return "", fmt.Errorf("failed to read layout %s: %w", path, err)
	}
	root := doc.Root()
	if root == nil {
		return "", fmt.Errorf("layout %s has no root element", path)
	}
	return root.SelectAttrValue(spk.AttrCalibFor, ""), nil
}

// Runtime exposes the dedicated session runtime.
func (s *Session) Runtime() *session.Session { return s.rt }

// CalibFor returns the provenance string the session calibrates for.
func (s *Session) CalibFor() string { return s.calibFor }

// Levels returns the measured broadband speaker levels in dB.
func (s *Session) Levels() []float32 { return s.levels }

// LevelRange returns the measured in-band level spread per speaker.
func (s *Session) LevelRange() []float32 { return s.levelsFrg }

// SubLevels returns the measured subwoofer levels in dB.
func (s *Session) SubLevels() []float32 { return s.subLevels }

// LevelStats returns min, max and mean of the measured broadband levels.
func (s *Session) LevelStats() (lmin, lmax, lmean float64) {
	return s.lmin, s.lmax, s.lmean
}

// GainModified reports pending unsaved calibration-level changes.
func (s *Session) GainModified() bool { return s.gainModified }

// LevelsRecorded reports whether a level measurement has completed.
func (s *Session) LevelsRecorded() bool { return s.levelsRecorded }

// Calibrated reports whether the playback path has been activated.
func (s *Session) Calibrated() bool { return s.calibrated }

// CalibratedDiff reports whether the diffuse path has been activated.
func (s *Session) CalibratedDiff() bool { return s.calibratedDiff }

// withLock runs f under the runtime's variable lock; all mute and gain
// mutations of the live scene go through here.
func (s *Session) withLock(f func()) {
	s.rt.LockVars()
	defer s.rt.UnlockVars()
	f()
}

// SetActive switches between the idle-playback phase (true: both
// stimuli muted, playback receiver live) and the measurement-idle phase
// (false: nsp probe live).
func (s *Session) SetActive(b bool) {
	s.withLock(func() { s.setActiveLocked(b) })
}

func (s *Session) setActiveLocked(b bool) {
	s.srcSub.SetMute(true)
	if !b {
		s.recNsp.SetMute(false)
		s.recSpec.SetMute(true)
	}
	if b {
		s.setActiveDiffLocked(false)
	}
	s.srcBB.Location = scene.Vec3{X: 1}
	s.srcBB.SetMute(!b)
	if b {
		s.calibrated = true
		s.recNsp.SetMute(true)
		s.recSpec.SetMute(false)
	}
}

// SetActiveDiff switches the diffuse-gain phase: same receiver routing
// as idle playback, but the diffuse field replaces the point source.
func (s *Session) SetActiveDiff(b bool) {
	s.withLock(func() { s.setActiveDiffLocked(b) })
}

func (s *Session) setActiveDiffLocked(b bool) {
	s.srcSub.SetMute(true)
	if !b {
		s.recNsp.SetMute(false)
		s.recSpec.SetMute(true)
	}
	if b {
		s.setActiveLocked(false)
	}
	s.diffuse.SetMute(!b)
	if b {
		s.calibratedDiff = true
		s.recNsp.SetMute(true)
		s.recSpec.SetMute(false)
	}
}

// GetCalibLevel returns the calibration reference level in dB.
func (s *Session) GetCalibLevel() float64 {
	return spk.DBFromPa(s.recSpec.CalibLevelPa)
}

// GetDiffuseGain returns the diffuse-field gain in dB.
func (s *Session) GetDiffuseGain() float64 {
	return spk.LinToDB(s.recSpec.DiffuseGain)
}

// IncCalibLevel accumulates a signed delta on the session-start baseline
// and recomputes the receivers' internal level in pascals.
func (s *Session) IncCalibLevel(dl float64) {
	s.withLock(func() {
		s.gainModified = true
		s.delta += dl
		pa := spk.PaFromDB(s.startLevel + s.delta)
		s.recNsp.CalibLevelPa = pa
		s.recSpec.CalibLevelPa = pa
	})
}

// IncDiffuseGain accumulates a signed delta on the diffuse-gain
// baseline.
func (s *Session) IncDiffuseGain(dl float64) {
	s.withLock(func() {
		s.gainModified = true
		s.deltaDiff += dl
		gain := spk.DBToLin(s.startDiffGain + s.deltaDiff)
		s.recNsp.DiffuseGain = gain
		s.recSpec.DiffuseGain = gain
	})
}

// ResetLevels discards measured levels and restores unit gains on both
// arrays so a measurement can be repeated.
func (s *Session) ResetLevels() {
	s.withLock(func() {
		s.levelsRecorded = false
		for i := range s.levelsFrg {
			s.levelsFrg[i] = 0
		}
		for i := range s.subLevelsFrg {
			s.subLevelsFrg[i] = 0
		}
		for _, arr := range []*spk.Array{s.spkNsp, s.spkSpec} {
			for i := range arr.Speakers {
				arr.Speakers[i].Gain = 1
			}
			for i := range arr.Subs {
				arr.Subs[i].Gain = 1
			}
		}
	})
}
