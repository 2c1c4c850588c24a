// Package substitute swaps dense linear layers for quantized ones in place.
package substitute

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-binarize/internal/logger"
	"github.com/23skdu/longbow-binarize/internal/metrics"
	"github.com/23skdu/longbow-binarize/internal/nn"
)

// Factory creates the quantized replacement for one dense layer.
type Factory interface {
	Create(name string, dense *nn.Linear) (nn.Layer, error)
}

// Engine replaces every dense linear layer of a subtree.
type Engine struct {
	factory Factory
	method  string
	workers int
}

// NewEngine creates an engine. method labels metrics and logs.
func NewEngine(factory Factory, method string) *Engine {
	return &Engine{factory: factory, method: method, workers: runtime.GOMAXPROCS(0)}
}

type replacement struct {
	parent nn.Parent
	key    string
	name   string
	dense  *nn.Linear
	layer  nn.Layer
}

// Substitute quantizes every dense linear layer in the subtree at path
// (relative to root, "" for the whole model) and returns how many were
// replaced. Replacements are all built before any is assigned, so a failure
// leaves the tree and the trainable flags of its parameters untouched. Existing references into the subtree's
// replaced layers are stale afterwards.
func (e *Engine) Substitute(ctx context.Context, root nn.Module, path string) (int, error) {
	start := time.Now()

	rootIdx, err := nn.Index(root)
	if err != nil {
		return 0, err
	}
	subtree, ok := rootIdx[path]
	if !ok {
		return 0, fmt.Errorf("no module at %q", path)
	}

	plan, err := e.collect(rootIdx, subtree, path)
	if err != nil {
		return 0, err
	}
	if len(plan) == 0 {
		return 0, nil
	}

	saved := snapshotGrad(plan)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range plan {
		r := &plan[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			layer, err := e.factory.Create(r.name, r.dense)
			if err != nil {
				return fmt.Errorf("quantize %s: %w", r.name, err)
			}
			if layer.InFeatures() != r.dense.InFeatures() || layer.OutFeatures() != r.dense.OutFeatures() {
				return fmt.Errorf("quantize %s: replacement is %dx%d, dense is %dx%d", r.name,
					layer.InFeatures(), layer.OutFeatures(), r.dense.InFeatures(), r.dense.OutFeatures())
			}
			r.layer = layer
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		saved.restore()
		return 0, err
	}

	for _, r := range plan {
		if err := r.parent.SetChild(r.key, r.layer); err != nil {
			// collect verified every parent and key, so this is a broken Parent implementation
			return 0, fmt.Errorf("assign %s: %w", r.name, err)
		}
		logger.Log.Debug("replace layer", "name", r.name, "with", fmt.Sprint(r.layer))
	}

	metrics.RecordLayersReplaced(e.method, len(plan))
	metrics.RecordStageDuration("substitute", time.Since(start))
	return len(plan), nil
}

// collect resolves the parent and key of each dense layer under subtree.
// Parents are looked up in the subtree's own index by longest-prefix split;
// a subtree that is itself a dense layer is resolved through the root.
func (e *Engine) collect(rootIdx map[string]nn.Module, subtree nn.Module, path string) ([]replacement, error) {
	if dense, ok := subtree.(*nn.Linear); ok {
		if path == "" {
			return nil, fmt.Errorf("cannot replace the root module itself")
		}
		parentPath, key := nn.SplitParent(path)
		parent, err := asParent(rootIdx[parentPath], parentPath)
		if err != nil {
			return nil, err
		}
		return []replacement{{parent: parent, key: key, name: path, dense: dense}}, nil
	}

	named, err := nn.NamedModules(subtree)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]nn.Module, len(named))
	for _, n := range named {
		idx[n.Name] = n.Module
	}

	var plan []replacement
	for _, n := range named {
		dense, ok := n.Module.(*nn.Linear)
		if !ok {
			continue
		}
		parentPath, key := nn.SplitParent(n.Name)
		parent, err := asParent(idx[parentPath], nn.Join(path, parentPath))
		if err != nil {
			return nil, err
		}
		plan = append(plan, replacement{parent: parent, key: key, name: nn.Join(path, n.Name), dense: dense})
	}
	return plan, nil
}

// gradState records RequiresGrad of the dense parameters a factory may
// share with its replacement.
type gradState map[*nn.Parameter]bool

func snapshotGrad(plan []replacement) gradState {
	st := make(gradState)
	for _, r := range plan {
		for _, p := range r.dense.Params() {
			st[p.Param] = p.Param.RequiresGrad
		}
	}
	return st
}

func (st gradState) restore() {
	for p, v := range st {
		p.RequiresGrad = v
	}
}

func asParent(m nn.Module, path string) (nn.Parent, error) {
	if m == nil {
		return nil, fmt.Errorf("parent %q not found", path)
	}
	p, ok := m.(nn.Parent)
	if !ok {
		return nil, fmt.Errorf("module %q (%s) cannot hold replaced children", path, m.Kind())
	}
	return p, nil
}
