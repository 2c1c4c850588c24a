package train

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-binarize/internal/corpus"
	"github.com/23skdu/longbow-binarize/internal/nn"
	"github.com/23skdu/longbow-binarize/internal/quant"
)

// DefaultRows is the number of pseudo-activation rows drawn per batch.
const DefaultRows = 8

// ReconstructionStepper fits the trainable scale and outlier residual of
// every quantized layer so that the layer reproduces its full-precision
// response. Activations are drawn deterministically from the batch tokens.
// The loss is the mean squared output error over all trainable layers.
//
// The full-precision reference of a layer is captured the first time the
// stepper sees it. Latent weights are left unchanged.
type ReconstructionStepper struct {
	Rows int

	mu   sync.Mutex
	refs map[*nn.Parameter][]float32
}

func NewReconstructionStepper() *ReconstructionStepper {
	return &ReconstructionStepper{Rows: DefaultRows, refs: make(map[*nn.Parameter][]float32)}
}

type fitTarget struct {
	name     string
	core     *quant.BinaryLinear
	residual *nn.Parameter
}

func (r *ReconstructionStepper) Step(ctx context.Context, model nn.Module, batch corpus.Batch, lr float64) (float64, error) {
	targets, err := r.targets(model)
	if err != nil || len(targets) == 0 {
		return 0, err
	}
	rows := r.Rows
	if rows <= 0 {
		rows = DefaultRows
	}
	if len(batch.InputIDs) < rows {
		rows = len(batch.InputIDs)
	}
	if rows == 0 {
		return 0, nil
	}

	losses := make([]float64, len(targets))
	g, ctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			losses[i] = r.fit(t, batch.InputIDs[:rows], float32(lr))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var sum float64
	for _, l := range losses {
		sum += l
	}
	return sum / float64(len(losses)), nil
}

func (r *ReconstructionStepper) targets(model nn.Module) ([]fitTarget, error) {
	var out []fitTarget
	err := nn.Walk(model, func(name string, m nn.Module) error {
		var t fitTarget
		switch v := m.(type) {
		case *quant.BinaryLinear:
			t = fitTarget{name: name, core: v}
		case *quant.OutlierLinear:
			t = fitTarget{name: name, core: v.Core, residual: v.Residual}
		default:
			return nil
		}
		if !t.core.Scale.RequiresGrad && (t.residual == nil || !t.residual.RequiresGrad) {
			return nil
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

// reference returns the full-precision weight the layer started from.
func (r *ReconstructionStepper) reference(t fitTarget) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs == nil {
		r.refs = make(map[*nn.Parameter][]float32)
	}
	ref, ok := r.refs[t.core.Weight]
	if !ok {
		ref = append([]float32(nil), t.core.Weight.Data...)
		r.refs[t.core.Weight] = ref
	}
	return ref
}

// layerSeed mixes the layer name into the activation stream so layers of
// equal width see different inputs.
func layerSeed(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64() >> 1)
}

// activations draws one row of in values per token id.
func activations(seed int64, ids []int, in int) []float32 {
	x := make([]float32, len(ids)*in)
	for b, id := range ids {
		rng := rand.New(rand.NewSource(seed ^ (int64(id) + 1)))
		for c := 0; c < in; c++ {
			x[b*in+c] = float32(rng.NormFloat64())
		}
	}
	return x
}

// fit applies one SGD step to t and returns the pre-step loss.
func (r *ReconstructionStepper) fit(t fitTarget, ids []int, lr float32) float64 {
	out, in := t.core.OutFeatures(), t.core.InFeatures()
	batch := len(ids)
	x := activations(layerSeed(t.name), ids, in)
	ref := r.reference(t)

	q := t.core.Quantized()
	eff := make([]float32, len(q))
	for i := 0; i < out; i++ {
		s := t.core.Scale.Data[i]
		for j := 0; j < in; j++ {
			eff[i*in+j] = q[i*in+j] * s
		}
	}
	if t.residual != nil {
		for i, v := range t.residual.Data {
			eff[i] += v
		}
	}

	// diff = x (eff - ref)^T, batch x out
	delta := make([]float32, len(eff))
	for i := range eff {
		delta[i] = eff[i] - ref[i]
	}
	diff, _ := nn.LinearForward(x, delta, nil, batch, in, out)

	var loss float64
	for _, d := range diff {
		loss += float64(d) * float64(d)
	}
	norm := float32(2) / float32(batch*out)
	loss /= float64(batch * out)

	// grad[i,j] = norm * sum_b diff[b,i] x[b,j]
	grad := make([]float32, out*in)
	for b := 0; b < batch; b++ {
		for i := 0; i < out; i++ {
			d := diff[b*out+i] * norm
			if d == 0 {
				continue
			}
			row := grad[i*in : (i+1)*in]
			xb := x[b*in : (b+1)*in]
			for j := range row {
				row[j] += d * xb[j]
			}
		}
	}

	if t.core.Scale.RequiresGrad {
		for i := 0; i < out; i++ {
			var gs float32
			for j := 0; j < in; j++ {
				gs += grad[i*in+j] * q[i*in+j]
			}
			t.core.Scale.Data[i] -= lr * gs
		}
	}
	if t.residual != nil && t.residual.RequiresGrad && t.core.Mask != nil {
		for i, m := range t.core.Mask.Data {
			if m != 0 {
				t.residual.Data[i] -= lr * grad[i]
			}
		}
	}
	return loss
}

// ColumnStats accumulates, for every dense linear layer, the L1 norm of each
// input column over the activations drawn from the first batches of src.
// The result feeds the act_outlier_column policy.
func ColumnStats(model nn.Module, src corpus.Source, batches, rows int) (quant.StaticStats, error) {
	linears, err := nn.DenseLinears(model)
	if err != nil {
		return nil, err
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	n := min(batches, src.Len())
	stats := make(quant.StaticStats, len(linears))
	for _, l := range linears {
		in := l.Module.(*nn.Linear).InFeatures()
		l1 := make([]float32, in)
		seed := layerSeed(l.Name)
		for i := 0; i < n; i++ {
			ids := src.Batch(i).InputIDs
			if len(ids) > rows {
				ids = ids[:rows]
			}
			x := activations(seed, ids, in)
			for j, v := range x {
				l1[j%in] += float32(math.Abs(float64(v)))
			}
		}
		stats[l.Name] = l1
	}
	return stats, nil
}
