package plugin

import (
	"fmt"
	"strconv"
	"strings"
)

// Route is a minimal audio routing module: it owns a number of named
// pass-through channels. Calibration loads one route per stimulus to
// expose the stimulus signal as session ports.
type Route struct {
	RouteName string
	Channels  int

	unknown []string
}

// NewRoute constructs the module from description attributes; "channels"
// is mandatory and must be a positive integer.
func NewRoute(cfg Config) (*Route, error) {
	r := &Route{RouteName: cfg.Attr("name", "route"), Channels: 1}
	if v, ok := cfg.Attrs["channels"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid attribute channels=%q: expected positive integer", v)
		}
		r.Channels = n
	}
	for k := range cfg.Attrs {
		switch k {
		case "name", "channels", "level", "period", "fmin", "fmax":
		default:
			r.unknown = append(r.unknown, k)
		}
	}
	return r, nil
}

// Prepare validates the chunk configuration.
func (r *Route) Prepare(cfg ChunkConfig) error {
	if cfg.FragSize < 1 {
		return fmt.Errorf("route %q needs a positive fragment size, got %d", r.RouteName, cfg.FragSize)
	}
	return nil
}

// Update is called once per audio cycle; routing has no per-cycle state.
func (r *Route) Update(uint64, bool) {}

// Release tears the route down.
func (r *Route) Release() {}

// ValidateAttributes reports attributes the route does not understand.
func (r *Route) ValidateAttributes(warnings *strings.Builder) {
	for _, k := range r.unknown {
		fmt.Fprintf(warnings, "route %q: unknown attribute %q\n", r.RouteName, k)
	}
}

func init() {
	Register("route", func(cfg Config) (Plugin, error) { return NewRoute(cfg) })
}
