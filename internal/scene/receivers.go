package scene

import (
	"fmt"
	"sort"
	"sync"

	"github.com/soundstagelab/soundstage/internal/spk"
)

// ReceiverFactory constructs a receiver implementation from description
// attributes.
type ReceiverFactory func(attrs map[string]string) (ReceiverImpl, error)

var (
	recvMu    sync.RWMutex
	recvTypes = make(map[string]ReceiverFactory)
)

// RegisterReceiverType registers a receiver implementation under a type
// name. Registering the same name twice panics; it is a wiring error.
func RegisterReceiverType(name string, f ReceiverFactory) {
	recvMu.Lock()
	defer recvMu.Unlock()
	if _, dup := recvTypes[name]; dup {
		panic("scene: receiver type registered twice: " + name)
	}
	recvTypes[name] = f
}

// ReceiverTypes returns the registered receiver type names, sorted.
func ReceiverTypes() []string {
	recvMu.RLock()
	defer recvMu.RUnlock()
	names := make([]string, 0, len(recvTypes))
	for n := range recvTypes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewReceiver resolves typ against the registry and builds a receiver
// object. Array-backed implementations seed the receiver's calibration
// level and diffuse gain from the layout.
func NewReceiver(name, typ string, attrs map[string]string) (*ReceiverObject, error) {
	recvMu.RLock()
	factory, ok := recvTypes[typ]
	recvMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown receiver type %q", typ)
	}
	impl, err := factory(attrs)
	if err != nil {
		return nil, fmt.Errorf("receiver %q (type %s): %w", name, typ, err)
	}
	r := &ReceiverObject{
		Object:       Object{Name: name},
		Type:         typ,
		Impl:         impl,
		CalibLevelPa: 1.0,
		DiffuseGain:  1.0,
	}
	if arr, ok := impl.AsSpeakerArray(); ok {
		r.CalibLevelPa = arr.CalibLevelPa
		r.DiffuseGain = arr.DiffuseGain
	}
	return r, nil
}

// nspReceiver renders each source to its nearest speaker; it is the
// layout's natively-matching receiver type and the measurement probe
// used by calibration.
type nspReceiver struct {
	arr *spk.Array
}

func (r *nspReceiver) Channels() int { return len(r.arr.Speakers) + len(r.arr.Subs) }

func (r *nspReceiver) AsSpeakerArray() (*spk.Array, bool) { return r.arr, true }

// omniReceiver is a single-channel omnidirectional reference microphone
// feed; it is not backed by a speaker array.
type omniReceiver struct{}

func (omniReceiver) Channels() int { return 1 }

func (omniReceiver) AsSpeakerArray() (*spk.Array, bool) { return nil, false }

func newNspReceiver(attrs map[string]string) (ReceiverImpl, error) {
	layout := attrs["layout"]
	if layout == "" {
		return nil, fmt.Errorf("missing mandatory attribute \"layout\"")
	}
	arr, err := spk.LoadLayout(layout)
	if err != nil {
		return nil, err
	}
	return &nspReceiver{arr: arr}, nil
}

func init() {
	RegisterReceiverType("nsp", newNspReceiver)
	RegisterReceiverType("omni", func(map[string]string) (ReceiverImpl, error) {
		return omniReceiver{}, nil
	})
}
