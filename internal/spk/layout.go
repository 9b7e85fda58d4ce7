package spk

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Layout document attribute names written by calibration.
const (
	AttrGain        = "gain"
	AttrEqStages    = "eqstages"
	AttrEqFreq      = "eqfreq"
	AttrEqGain      = "eqgain"
	AttrCalibLevel  = "caliblevel"
	AttrDiffuseGain = "diffusegain"
	AttrCalibDate   = "calibdate"
	AttrCalibFor    = "calibfor"
	AttrChecksum    = "checksum"
)

// LoadLayout reads a speaker layout document. The root element must be of
// type "layout"; "speaker" children form the broadband array and "sub"
// children the subwoofer array. Gains are stored in dB and converted to
// linear factors.
func LoadLayout(path string) (*Array, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, fmt.Errorf("failed to read layout %s: %w", path, err)
	}
	return layoutFromDoc(doc, path)
}

func layoutFromDoc(doc *etree.Document, path string) (*Array, error) {
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("layout %s has no root element", path)
	}
	if root.Tag != "layout" {
		return nil, fmt.Errorf("invalid file type, expected root node type \"layout\", got %q", root.Tag)
	}
	arr := &Array{
		Name:         root.SelectAttrValue("name", ""),
		CalibLevelPa: 1.0,
		DiffuseGain:  1.0,
		CalibFor:     root.SelectAttrValue(AttrCalibFor, ""),
	}
	if v := root.SelectAttrValue(AttrCalibLevel, ""); v != "" {
		db, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("layout %s: invalid caliblevel %q: %w", path, v, err)
		}
		arr.CalibLevelPa = PaFromDB(db)
	}
	if v := root.SelectAttrValue(AttrDiffuseGain, ""); v != "" {
		db, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("layout %s: invalid diffusegain %q: %w", path, v, err)
		}
		arr.DiffuseGain = DBToLin(db)
	}
	for _, el := range root.SelectElements("speaker") {
		s, err := speakerFromElement(el)
		if err != nil {
			return nil, fmt.Errorf("layout %s: %w", path, err)
		}
		arr.Speakers = append(arr.Speakers, s)
	}
	for _, el := range root.SelectElements("sub") {
		s, err := speakerFromElement(el)
		if err != nil {
			return nil, fmt.Errorf("layout %s: %w", path, err)
		}
		arr.Subs = append(arr.Subs, s)
	}
	if len(arr.Speakers) == 0 {
		return nil, fmt.Errorf("layout %s declares no speakers", path)
	}
	return arr, nil
}

func speakerFromElement(el *etree.Element) (Speaker, error) {
	s := Speaker{Gain: 1.0, Radius: 1.0}
	s.Label = el.SelectAttrValue("label", "")
	s.Connect = el.SelectAttrValue("connect", "")
	var err error
	attrFloat := func(name string, dst *float64) {
		if err != nil {
			return
		}
		v := el.SelectAttrValue(name, "")
		if v == "" {
			return
		}
		var f float64
		if f, err = strconv.ParseFloat(v, 64); err != nil {
			err = fmt.Errorf("speaker %q: invalid attribute %s=%q: %w", s.Label, name, v, err)
			return
		}
		*dst = f
	}
	attrFloat("az", &s.Az)
	attrFloat("el", &s.El)
	attrFloat("r", &s.Radius)
	gainDB := 0.0
	attrFloat(AttrGain, &gainDB)
	if err != nil {
		return s, err
	}
	s.Gain = DBToLin(gainDB)
	if v := el.SelectAttrValue(AttrEqStages, ""); v != "" {
		n, cerr := strconv.Atoi(v)
		if cerr != nil {
			return s, fmt.Errorf("speaker %q: invalid eqstages %q: %w", s.Label, v, cerr)
		}
		s.EqStages = n
	}
	if s.EqFreq, err = ParseFloats(el.SelectAttrValue(AttrEqFreq, "")); err != nil {
		return s, fmt.Errorf("speaker %q: invalid eqfreq: %w", s.Label, err)
	}
	if s.EqGain, err = ParseFloats(el.SelectAttrValue(AttrEqGain, "")); err != nil {
		return s, fmt.Errorf("speaker %q: invalid eqgain: %w", s.Label, err)
	}
	return s, nil
}

// ParseFloats parses a space-separated numeric sequence. An empty string
// yields a nil slice.
func ParseFloats(s string) ([]float32, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}
	out := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v)
	}
	return out, nil
}

// FormatFloats renders a numeric sequence as a space-separated string;
// nil or empty input yields the empty string.
func FormatFloats(v []float32) string {
	if len(v) == 0 {
		return ""
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'g', 6, 32)
	}
	return strings.Join(parts, " ")
}

// LayoutChecksum hashes the structural speaker attributes (position and
// wiring, not calibration output) of a layout root element. It detects
// layout edits that invalidate a stored calibration.
func LayoutChecksum(root *etree.Element) uint64 {
	h := fnv.New64a()
	for _, tag := range []string{"speaker", "sub"} {
		for _, el := range root.SelectElements(tag) {
			for _, name := range []string{"label", "az", "el", "r", "connect"} {
				h.Write([]byte(tag))
				h.Write([]byte{0})
				h.Write([]byte(name))
				h.Write([]byte{0})
				h.Write([]byte(el.SelectAttrValue(name, "")))
				h.Write([]byte{0})
			}
		}
	}
	return h.Sum64()
}
