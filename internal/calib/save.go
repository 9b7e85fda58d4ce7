package calib

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog/log"

	"github.com/soundstagelab/soundstage/internal/spk"
)

func formatDB(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// writeSpeakerCalib stores calibration results onto one speaker element:
// the gain that equalizes the measured level down to the softest
// speaker, and the fitted equalizer. Unfitted equalizer attributes are
// written as empty strings so a stale fit never survives a re-save.
func (s *Session) writeSpeakerCalib(el *etree.Element, fileSpk, measured *spk.Speaker, level float32) {
	// relative to the pristine file gain, not the normalized live gain;
	// the two coincide when measurement starts from unit gains
	gainDB := 20*math.Log10(fileSpk.Gain) + s.lmin - float64(level)
	el.CreateAttr(spk.AttrGain, formatDB(gainDB))
	if measured.EqStages > 0 {
		el.CreateAttr(spk.AttrEqStages, strconv.Itoa(measured.EqStages))
		el.CreateAttr(spk.AttrEqFreq, spk.FormatFloats(measured.EqFreq))
		el.CreateAttr(spk.AttrEqGain, spk.FormatFloats(measured.EqGain))
	} else {
		el.CreateAttr(spk.AttrEqStages, "")
		el.CreateAttr(spk.AttrEqFreq, "")
		el.CreateAttr(spk.AttrEqGain, "")
	}
}

// SaveAs writes the calibration results into a copy of the original
// layout document at path, preserving all unrelated content. The write
// is atomic: a temporary file in the target directory is renamed over
// the destination.
func (s *Session) SaveAs(path string) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(s.layoutPath); err != nil {
		return fmt.Errorf("failed to read layout %s: %w", s.layoutPath, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "layout" {
		return fmt.Errorf("layout %s lost its root element", s.layoutPath)
	}
	speakers := root.SelectElements("speaker")
	subs := root.SelectElements("sub")
	if len(speakers) != len(s.spkFile.Speakers) || len(subs) != len(s.spkFile.Subs) {
		return fmt.Errorf("layout %s changed on disk: %d/%d speaker elements, expected %d/%d",
			s.layoutPath, len(speakers), len(subs), len(s.spkFile.Speakers), len(s.spkFile.Subs))
	}

	root.CreateAttr(spk.AttrCalibLevel, formatDB(s.GetCalibLevel()))
	root.CreateAttr(spk.AttrDiffuseGain, formatDB(s.GetDiffuseGain()))
	root.CreateAttr(spk.AttrCalibDate, time.Now().Format("2006-01-02 15:04:05"))
	root.CreateAttr(spk.AttrCalibFor, s.calibFor)
	for k, el := range speakers {
		s.writeSpeakerCalib(el, &s.spkFile.Speakers[k], &s.spkSpec.Speakers[k], s.levels[k])
	}
	for k, el := range subs {
		s.writeSpeakerCalib(el, &s.spkFile.Subs[k], &s.spkSpec.Subs[k], s.subLevels[k])
	}
	root.CreateAttr(spk.AttrChecksum, strconv.FormatUint(spk.LayoutChecksum(root), 10))
	s.parSpeaker.SaveLayout(root)
	s.parSub.SaveLayout(root)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".layout-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary layout file: %w", err)
	}
	tmpName := tmp.Name()
	doc.Indent(2)
	if _, err := doc.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write layout %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write layout %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace layout %s: %w", path, err)
	}

	s.gainModified = false
	s.levelsRecorded = false
	s.calibrated = false
	s.calibratedDiff = false
	log.Info().
		Str("path", path).
		Float64("caliblevel", s.GetCalibLevel()).
		Float64("diffusegain", s.GetDiffuseGain()).
		Msg("Calibrated layout saved")
	return nil
}

// Save writes the calibration results back into the original layout
// file.
func (s *Session) Save() error { return s.SaveAs(s.layoutPath) }
