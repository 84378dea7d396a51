package board

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppSpec names an application to build and install. Path is relative to the
// examples directory of the application tree; PackageFile is relative to the
// application directory.
type AppSpec struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	PackageFile string `yaml:"tab_file"`
}

// ParseAppSpec derives a full AppSpec from a bare application path: the name
// is the last path segment and the package is build/<name>.tab.
func ParseAppSpec(p string) AppSpec {
	return AppSpec{Path: p}.withDefaults()
}

func (a AppSpec) withDefaults() AppSpec {
	a.Path = strings.Trim(path.Clean("/"+a.Path), "/")
	if a.Name == "" {
		a.Name = path.Base(a.Path)
	}
	if a.PackageFile == "" {
		a.PackageFile = path.Join("build", path.Base(a.Path)+".tab")
	}
	return a
}

func (a AppSpec) String() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Path
}

// Validate reports an incomplete explicit spec.
func (a AppSpec) Validate() error {
	if strings.TrimSpace(a.Path) == "" {
		return fmt.Errorf("%w: app %q has no path", ErrInvalidDescriptor, a.Name)
	}
	if strings.HasPrefix(a.PackageFile, "/") {
		return fmt.Errorf("%w: app %q tab_file must be relative", ErrInvalidDescriptor, a.Name)
	}
	return nil
}

// UnmarshalYAML accepts either a bare path or a {name, path, tab_file}
// mapping.
func (a *AppSpec) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*a = ParseAppSpec(n.Value)
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			switch key := n.Content[i].Value; key {
			case "name", "path", "tab_file":
			default:
				return fmt.Errorf("line %d: unknown app field %q", n.Content[i].Line, key)
			}
		}
		type plain AppSpec
		var p plain
		if err := n.Decode(&p); err != nil {
			return err
		}
		*a = AppSpec(p).withDefaults()
		return a.Validate()
	default:
		return fmt.Errorf("line %d: app must be a path or a mapping", n.Line)
	}
}
