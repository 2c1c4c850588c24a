// Package nn models a network as a mutable tree of named modules.
//
// Modules are addressed by dotted paths ("model.layers.3.self_attn.q_proj").
// Structural edits go through a parent reference and a child key, so a
// substitution is a keyed update on the parent rather than a reflective set.
package nn

import (
	"fmt"
	"strings"
)

const (
	KindContainer = "container"
	KindLinear    = "linear"
)

// Parameter is a tensor plus its trainability flag.
type Parameter struct {
	Shape        []int
	Data         []float32
	RequiresGrad bool
}

// NewParameter allocates a zeroed parameter of the given shape.
func NewParameter(shape ...int) *Parameter {
	return &Parameter{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// NewParameterFrom wraps existing data; it panics if len(data) does not fit shape.
func NewParameterFrom(data []float32, shape ...int) *Parameter {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("nn: %d values do not fit shape %v", len(data), shape))
	}
	return &Parameter{Shape: append([]int(nil), shape...), Data: data}
}

// Numel returns the element count.
func (p *Parameter) Numel() int { return numel(p.Shape) }

// Clone deep-copies the parameter.
func (p *Parameter) Clone() *Parameter {
	c := &Parameter{
		Shape:        append([]int(nil), p.Shape...),
		Data:         make([]float32, len(p.Data)),
		RequiresGrad: p.RequiresGrad,
	}
	copy(c.Data, p.Data)
	return c
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Child is an ordered (key, module) edge.
type Child struct {
	Key    string
	Module Module
}

// NamedParam is a parameter addressed by name. For Module.Params the name is
// local ("weight"); for Parameters it is the full dotted path.
type NamedParam struct {
	Name  string
	Param *Parameter
}

// Module is any node in the tree.
type Module interface {
	Kind() string
	Children() []Child
	Params() []NamedParam
}

// Parent is a module whose children can be replaced by key.
type Parent interface {
	Module
	SetChild(key string, m Module) error
}

// Container is a generic node with ordered children and parameters.
type Container struct {
	kind      string
	keys      []string
	children  map[string]Module
	paramKeys []string
	params    map[string]*Parameter
}

// NewContainer creates an empty container. kind is informational
// ("decoder_layer", "rmsnorm", ...) and defaults to KindContainer.
func NewContainer(kind string) *Container {
	if kind == "" {
		kind = KindContainer
	}
	return &Container{
		kind:     kind,
		children: make(map[string]Module),
		params:   make(map[string]*Parameter),
	}
}

func (c *Container) Kind() string { return c.kind }

func (c *Container) Children() []Child {
	out := make([]Child, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, Child{Key: k, Module: c.children[k]})
	}
	return out
}

func (c *Container) Params() []NamedParam {
	out := make([]NamedParam, 0, len(c.paramKeys))
	for _, k := range c.paramKeys {
		out = append(out, NamedParam{Name: k, Param: c.params[k]})
	}
	return out
}

// Add appends a new child and returns the container for chaining.
// It panics on duplicate or malformed keys since that is a construction bug.
func (c *Container) Add(key string, m Module) *Container {
	if key == "" || strings.Contains(key, ".") {
		panic(fmt.Sprintf("nn: invalid child key %q", key))
	}
	if _, ok := c.children[key]; ok {
		panic(fmt.Sprintf("nn: duplicate child key %q", key))
	}
	c.keys = append(c.keys, key)
	c.children[key] = m
	return c
}

// AddParam registers a parameter owned directly by the container.
func (c *Container) AddParam(name string, p *Parameter) *Container {
	if _, ok := c.params[name]; ok {
		panic(fmt.Sprintf("nn: duplicate parameter %q", name))
	}
	c.paramKeys = append(c.paramKeys, name)
	c.params[name] = p
	return c
}

// Child returns the child stored under key.
func (c *Container) Child(key string) (Module, bool) {
	m, ok := c.children[key]
	return m, ok
}

// SetChild replaces an existing child, keeping its position.
func (c *Container) SetChild(key string, m Module) error {
	if _, ok := c.children[key]; !ok {
		return fmt.Errorf("no child %q in %s", key, c.kind)
	}
	if m == nil {
		return fmt.Errorf("nil module for child %q", key)
	}
	c.children[key] = m
	return nil
}

// Len returns the number of children.
func (c *Container) Len() int { return len(c.keys) }
