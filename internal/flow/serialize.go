package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/example/go-glow/internal/checkpoint"
	"github.com/example/go-glow/internal/runtime/linalg"
)

// ParamsFilename is the canonical snapshot name inside a snapshot
// directory.
const ParamsFilename = "model.hdf5"

// SaveSnapshot atomically writes every model parameter to
// dir/ParamsFilename. A concurrent reader sees either the previous
// complete snapshot or the new one, never a partial file.
func (m *InferenceModel) SaveSnapshot(dir string) error {
	var entries []checkpoint.Entry

	for level := 0; level < m.hyperparams.Levels; level++ {
		for depth := 0; depth < m.hyperparams.DepthPerLevel; depth++ {
			stepEntries, err := m.steps[level][depth].entries(level, depth)
			if err != nil {
				return err
			}

			entries = append(entries, stepEntries...)
		}
	}

	if err := checkpoint.WriteAtomic(dir, ParamsFilename, entries); err != nil {
		return fmt.Errorf("flow: save snapshot: %w", err)
	}

	return nil
}

// RestoreSnapshot loads parameters from dir/ParamsFilename if present.
// It reports whether a snapshot was applied. Loading is lenient: a
// missing, unreadable, or mismatched snapshot is logged and skipped,
// leaving the model untouched and still awaiting initialization. The
// snapshot is validated in full before any parameter is applied, so a bad
// file can never leave the model half restored.
func (m *InferenceModel) RestoreSnapshot(dir string) bool {
	path := filepath.Join(dir, ParamsFilename)

	store, err := checkpoint.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("no snapshot found, model starts fresh", "path", path)
		} else {
			slog.Warn("snapshot unreadable, model starts fresh", "path", path, "error", err)
		}

		return false
	}

	plans := make([]stepPlan, 0, m.hyperparams.Levels*m.hyperparams.DepthPerLevel)

	for level := 0; level < m.hyperparams.Levels; level++ {
		for depth := 0; depth < m.hyperparams.DepthPerLevel; depth++ {
			plan, err := m.steps[level][depth].restorePlan(store, level, depth)
			if err != nil {
				slog.Warn("snapshot does not match model, model starts fresh", "path", path, "error", err)
				return false
			}

			plans = append(plans, plan)
		}
	}

	for _, plan := range plans {
		plan.apply()
	}

	slog.Info("snapshot restored", "path", path, "tensors", len(store.Names()))

	return true
}

func (s *FlowStep) entries(level, depth int) ([]checkpoint.Entry, error) {
	prefix := fmt.Sprintf("%d.%d", level, depth)
	c := int64(s.Actnorm.Channels())

	entries := []checkpoint.Entry{
		{Name: "actnorm." + prefix + ".scale", Shape: []int64{c}, Data: append([]float32(nil), s.Actnorm.scale...)},
		{Name: "actnorm." + prefix + ".bias", Shape: []int64{c}, Data: append([]float32(nil), s.Actnorm.bias...)},
	}

	convEntries, err := s.InvConv.entries(prefix)
	if err != nil {
		return nil, err
	}

	entries = append(entries, convEntries...)
	entries = append(entries, s.Coupling.nn.entries(prefix)...)

	return entries, nil
}

func (c *InvConv) entries(prefix string) ([]checkpoint.Entry, error) {
	n := int64(c.channels)

	switch c.kind {
	case invConvDirect:
		return []checkpoint.Entry{
			{Name: "invconv." + prefix + ".weight", Shape: []int64{n, n}, Data: floats32(c.weight)},
		}, nil
	case invConvLU:
		perm := make([]int64, len(c.lu.Perm))
		for i, p := range c.lu.Perm {
			perm[i] = int64(p)
		}

		return []checkpoint.Entry{
			{Name: "invconv." + prefix + ".lower", Shape: []int64{n, n}, Data: floats32(c.lu.Lower)},
			{Name: "invconv." + prefix + ".upper", Shape: []int64{n, n}, Data: floats32(c.lu.Upper)},
			{Name: "invconv." + prefix + ".s", Shape: []int64{n}, Data: floats32(c.lu.S)},
			{Name: "invconv." + prefix + ".perm", Shape: []int64{n}, Ints: perm},
		}, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnsupportedVariant, c.kind)
	}
}

func (n *CouplingNet) entries(prefix string) []checkpoint.Entry {
	var entries []checkpoint.Entry
	for name, layer := range n.layers() {
		entries = append(entries,
			checkpoint.Entry{
				Name:  "coupling." + prefix + "." + name + ".weight",
				Shape: layer.weight.Shape(),
				Data:  append([]float32(nil), layer.weight.Data()...),
			},
			checkpoint.Entry{
				Name:  "coupling." + prefix + "." + name + ".bias",
				Shape: []int64{int64(len(layer.bias))},
				Data:  append([]float32(nil), layer.bias...),
			},
		)
	}

	return entries
}

func (n *CouplingNet) layers() map[string]*conv2dLayer {
	return map[string]*conv2dLayer{
		"conv1":      n.conv1,
		"conv2":      n.conv2,
		"scale_head": n.scaleHead,
		"bias_head":  n.biasHead,
	}
}

// stepPlan is a fully-validated set of parameter writes for one step,
// applied only after every step in the snapshot validated.
type stepPlan struct {
	apply func()
}

func (s *FlowStep) restorePlan(store *checkpoint.Store, level, depth int) (stepPlan, error) {
	prefix := fmt.Sprintf("%d.%d", level, depth)
	c := int64(s.Actnorm.Channels())

	scale, err := store.Floats("actnorm."+prefix+".scale", []int64{c})
	if err != nil {
		return stepPlan{}, err
	}

	bias, err := store.Floats("actnorm."+prefix+".bias", []int64{c})
	if err != nil {
		return stepPlan{}, err
	}

	applyConv, err := s.InvConv.restorePlan(store, prefix)
	if err != nil {
		return stepPlan{}, err
	}

	applyNet, err := s.Coupling.nn.restorePlan(store, prefix)
	if err != nil {
		return stepPlan{}, err
	}

	actnorm := s.Actnorm

	return stepPlan{apply: func() {
		// Validated against the layer's own channel count above.
		_ = actnorm.setParams(scale, bias)
		applyConv()
		applyNet()
	}}, nil
}

func (c *InvConv) restorePlan(store *checkpoint.Store, prefix string) (func(), error) {
	n := int64(c.channels)

	switch c.kind {
	case invConvDirect:
		weight, err := store.Floats("invconv."+prefix+".weight", []int64{n, n})
		if err != nil {
			return nil, err
		}

		return func() { c.weight = floats64(weight) }, nil
	case invConvLU:
		lower, err := store.Floats("invconv."+prefix+".lower", []int64{n, n})
		if err != nil {
			return nil, err
		}

		upper, err := store.Floats("invconv."+prefix+".upper", []int64{n, n})
		if err != nil {
			return nil, err
		}

		s, err := store.Floats("invconv."+prefix+".s", []int64{n})
		if err != nil {
			return nil, err
		}

		permInts, err := store.Ints("invconv."+prefix+".perm", []int64{n})
		if err != nil {
			return nil, err
		}

		perm := make([]int, len(permInts))
		seen := make([]bool, len(permInts))

		for i, p := range permInts {
			if p < 0 || p >= n || seen[p] {
				return nil, fmt.Errorf("flow: invconv %s: invalid permutation %v", prefix, permInts)
			}

			seen[p] = true
			perm[i] = int(p)
		}

		return func() {
			c.lu = linalg.LUFactors{
				Order: c.channels,
				Perm:  perm,
				Lower: floats64(lower),
				Upper: floats64(upper),
				S:     floats64(s),
			}
		}, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnsupportedVariant, c.kind)
	}
}

func (n *CouplingNet) restorePlan(store *checkpoint.Store, prefix string) (func(), error) {
	type layerParams struct {
		layer  *conv2dLayer
		weight []float32
		bias   []float32
	}

	var params []layerParams

	for name, layer := range n.layers() {
		weight, err := store.Floats("coupling."+prefix+"."+name+".weight", layer.weight.Shape())
		if err != nil {
			return nil, err
		}

		bias, err := store.Floats("coupling."+prefix+"."+name+".bias", []int64{int64(len(layer.bias))})
		if err != nil {
			return nil, err
		}

		params = append(params, layerParams{layer: layer, weight: weight, bias: bias})
	}

	return func() {
		for _, p := range params {
			copy(p.layer.weight.RawData(), p.weight)
			copy(p.layer.bias, p.bias)
		}
	}, nil
}

func floats32(src []float64) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}

	return out
}

func floats64(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}

	return out
}
