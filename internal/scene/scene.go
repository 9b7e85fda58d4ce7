package scene

import (
	"fmt"
	"path"
	"strings"
)

// Scene is one renderable spatial-audio setup: ordered sources,
// receivers and diffuse fields sharing a single name namespace.
type Scene struct {
	Name     string
	Sources  []*SourceObject
	Receivers []*ReceiverObject
	Diffuse  []*DiffuseFieldObject

	names map[string]struct{}
}

// NewScene creates an empty scene.
func NewScene(name string) *Scene {
	return &Scene{Name: name, names: make(map[string]struct{})}
}

func (s *Scene) claimName(name string) error {
	if name == "" {
		return fmt.Errorf("scene %q: object name must not be empty", s.Name)
	}
	if _, exists := s.names[name]; exists {
		return fmt.Errorf("scene %q: duplicate object name %q", s.Name, name)
	}
	s.names[name] = struct{}{}
	return nil
}

// AddSource appends a point source; names are unique per scene.
func (s *Scene) AddSource(src *SourceObject) error {
	if err := s.claimName(src.Name); err != nil {
		return err
	}
	s.Sources = append(s.Sources, src)
	return nil
}

// AddReceiver appends a receiver; names are unique per scene.
func (s *Scene) AddReceiver(r *ReceiverObject) error {
	if err := s.claimName(r.Name); err != nil {
		return err
	}
	s.Receivers = append(s.Receivers, r)
	return nil
}

// AddDiffuse appends a diffuse sound field; names are unique per scene.
func (s *Scene) AddDiffuse(d *DiffuseFieldObject) error {
	if err := s.claimName(d.Name); err != nil {
		return err
	}
	s.Diffuse = append(s.Diffuse, d)
	return nil
}

// objects yields every object of the scene with its qualified name.
func (s *Scene) objects(yield func(*Object, string)) {
	for _, o := range s.Sources {
		yield(&o.Object, s.Name+"/"+o.Name)
	}
	for _, o := range s.Receivers {
		yield(&o.Object, s.Name+"/"+o.Name)
	}
	for _, o := range s.Diffuse {
		yield(&o.Object, s.Name+"/"+o.Name)
	}
}

// Graph is the ordered collection of scenes owned by one session.
type Graph struct {
	Scenes []*Scene
}

// AddScene appends a scene; scene names are unique within the graph.
func (g *Graph) AddScene(s *Scene) error {
	for _, other := range g.Scenes {
		if other.Name == s.Name {
			return fmt.Errorf("duplicate scene name %q", s.Name)
		}
	}
	g.Scenes = append(g.Scenes, s)
	return nil
}

// FindObjects matches a glob pattern against the qualified names
// ("scene/object") of all objects across all scenes. A pattern without a
// slash matches object names in any scene. A non-matching pattern yields
// an empty result, never an error, unless failOnEmpty is requested via
// FindObjectsStrict.
func (g *Graph) FindObjects(pattern string) []NamedObject {
	var out []NamedObject
	qualified := strings.Contains(pattern, "/")
	for _, sc := range g.Scenes {
		sc.objects(func(o *Object, name string) {
			candidate := name
			if !qualified {
				candidate = o.Name
			}
			if ok, err := path.Match(pattern, candidate); err == nil && ok {
				out = append(out, NamedObject{Obj: o, Name: name})
			}
		})
	}
	return out
}

// FindObjectsStrict is FindObjects for callers that treat an empty match
// as an error ("fail on empty" actor resolution).
func (g *Graph) FindObjectsStrict(pattern string) ([]NamedObject, error) {
	out := g.FindObjects(pattern)
	if len(out) == 0 {
		return nil, fmt.Errorf("no scene object matches pattern %q", pattern)
	}
	return out, nil
}

// TotalPointSources counts point sources across all scenes.
func (g *Graph) TotalPointSources() int {
	n := 0
	for _, sc := range g.Scenes {
		n += len(sc.Sources)
	}
	return n
}

// ActivePointSources counts unmuted point sources across all scenes.
func (g *Graph) ActivePointSources() int {
	n := 0
	for _, sc := range g.Scenes {
		for _, src := range sc.Sources {
			if !src.Muted {
				n++
			}
		}
	}
	return n
}

// TotalDiffuseFields counts diffuse sound fields across all scenes.
func (g *Graph) TotalDiffuseFields() int {
	n := 0
	for _, sc := range g.Scenes {
		n += len(sc.Diffuse)
	}
	return n
}

// ActiveDiffuseFields counts unmuted diffuse sound fields.
func (g *Graph) ActiveDiffuseFields() int {
	n := 0
	for _, sc := range g.Scenes {
		for _, d := range sc.Diffuse {
			if !d.Muted {
				n++
			}
		}
	}
	return n
}

// Ports returns every known output port name of the graph, used to
// validate connection endpoints at session start.
func (g *Graph) Ports() map[string]struct{} {
	ports := make(map[string]struct{})
	for _, sc := range g.Scenes {
		for _, r := range sc.Receivers {
			for _, p := range r.Ports(sc.Name) {
				ports[p] = struct{}{}
			}
		}
	}
	return ports
}
