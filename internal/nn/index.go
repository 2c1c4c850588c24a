package nn

import (
	"fmt"
	"strings"
)

// Named is a module together with its dotted path relative to a root.
type Named struct {
	Name   string
	Module Module
}

// Walk visits root and every descendant in pre-order, children in insertion
// order. The root is visited with the empty name. It fails if a module is
// reachable twice, which would make the tree cyclic or shared.
func Walk(root Module, fn func(name string, m Module) error) error {
	seen := make(map[Module]string)
	var visit func(name string, m Module) error
	visit = func(name string, m Module) error {
		if prev, ok := seen[m]; ok {
			return fmt.Errorf("module reached as both %q and %q", prev, name)
		}
		seen[m] = name
		if err := fn(name, m); err != nil {
			return err
		}
		for _, c := range m.Children() {
			if err := visit(Join(name, c.Key), c.Module); err != nil {
				return err
			}
		}
		return nil
	}
	return visit("", root)
}

// NamedModules lists every module under root in traversal order.
func NamedModules(root Module) ([]Named, error) {
	var out []Named
	err := Walk(root, func(name string, m Module) error {
		out = append(out, Named{Name: name, Module: m})
		return nil
	})
	return out, err
}

// Index builds a fresh name→module mapping over root, with root itself at
// "". It must be rebuilt after every structural change.
func Index(root Module) (map[string]Module, error) {
	idx := make(map[string]Module)
	err := Walk(root, func(name string, m Module) error {
		idx[name] = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// Parameters lists every parameter under root with its full dotted name.
func Parameters(root Module) ([]NamedParam, error) {
	var out []NamedParam
	err := Walk(root, func(name string, m Module) error {
		for _, p := range m.Params() {
			out = append(out, NamedParam{Name: Join(name, p.Name), Param: p.Param})
		}
		return nil
	})
	return out, err
}

// SplitParent splits a dotted path at its last separator. An empty parent
// means the path is a direct child of the root.
func SplitParent(name string) (parent, key string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// Join concatenates dotted path segments, ignoring empty ones.
func Join(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	return b.String()
}

// Lookup resolves a path under root.
func Lookup(root Module, path string) (Module, error) {
	idx, err := Index(root)
	if err != nil {
		return nil, err
	}
	m, ok := idx[path]
	if !ok {
		return nil, fmt.Errorf("no module at %q", path)
	}
	return m, nil
}

// IsDense reports whether m is a dense full-precision linear layer.
func IsDense(m Module) bool {
	_, ok := m.(*Linear)
	return ok
}

// DenseLinears lists the dense linear layers under root in traversal order.
func DenseLinears(root Module) ([]Named, error) {
	var out []Named
	err := Walk(root, func(name string, m Module) error {
		if IsDense(m) {
			out = append(out, Named{Name: name, Module: m})
		}
		return nil
	})
	return out, err
}

// FreezeAll clears the trainable flag of every parameter and returns how
// many were flipped.
func FreezeAll(root Module) (int, error) {
	params, err := Parameters(root)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range params {
		if p.Param.RequiresGrad {
			p.Param.RequiresGrad = false
			n++
		}
	}
	return n, nil
}

// CountTrainable returns trainable and total element counts.
func CountTrainable(root Module) (trainable, total int, err error) {
	params, err := Parameters(root)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range params {
		n := p.Param.Numel()
		total += n
		if p.Param.RequiresGrad {
			trainable += n
		}
	}
	return trainable, total, nil
}
