package stage

import (
	"path"
	"reflect"
)

// Factory constructs a stage instance from its kwargs.
type Factory func(opts Options, deps Deps) (Stage, error)

// SourceBuiltin marks definitions compiled into the binary.
const SourceBuiltin = "builtin"

// Definition is a registry entry: the key a pipeline refers to, the
// capability role the stage satisfies and how to build it.
type Definition struct {
	Key         string  `json:"key"`
	Namespace   string  `json:"namespace"`
	Name        string  `json:"name"`
	Role        Role    `json:"role"`
	Source      string  `json:"source"`
	Version     string  `json:"version,omitempty"`
	Revision    string  `json:"revision,omitempty"`
	Description string  `json:"description,omitempty"`
	New         Factory `json:"-"`
}

// Define derives a builtin Definition from a typed constructor. The key is
// "<package>.<TypeName>", where package is the last element of the Go
// package path, and the role comes from the marker the type embeds.
func Define[T Stage](fn func(Options, Deps) (T, error)) Definition {
	t := reflect.TypeFor[T]()
	base := t
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}

	probe := reflect.New(base)
	var v any = probe.Interface()
	if t.Kind() != reflect.Pointer {
		v = probe.Elem().Interface()
	}
	role := RoleTransform
	if r, ok := v.(Roled); ok {
		role = r.Role()
	}

	ns := path.Base(base.PkgPath())
	return Definition{
		Key:       ns + "." + base.Name(),
		Namespace: ns,
		Name:      base.Name(),
		Role:      role,
		Source:    SourceBuiltin,
		New: func(opts Options, deps Deps) (Stage, error) {
			s, err := fn(opts, deps)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	}
}

// Describe returns a copy of d with a human readable description.
func (d Definition) Describe(text string) Definition {
	d.Description = text
	return d
}

// Key joins a namespace and a type name into a registry key.
func Key(namespace, name string) string {
	return namespace + "." + name
}
