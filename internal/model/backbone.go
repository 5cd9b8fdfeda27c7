package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/core"
)

// Backbone architecture names understood by NewBackbone.
const (
	BackboneMLP         = "mlp"
	BackboneResNet      = "resnet"
	BackboneResNetScale = "resnet_scale"
)

// BackboneSpec - architecture name and size of a feature extractor
type BackboneSpec struct {
	Type      string `yaml:"type" validate:"required"`
	Depth     int    `yaml:"depth" validate:"gte=1"`
	Width     int    `yaml:"width" validate:"gte=1"`
	FinalSize int    `yaml:"final_size" validate:"gte=1"`
}

// Backbone is a feature extractor producing OutDim features per sample.
type Backbone struct {
	Spec   BackboneSpec
	InDim  int
	OutDim int
	net    *core.Sequential
}

// NewBackbone - backbone factory.
//
// mlp stacks depth Linear+ReLU blocks; resnet replaces the hidden blocks with residual ones;
// resnet_scale is resnet whose hidden width is scaled by final_size before the projection.
// Every variant ends with a projection to width·final_size features.
func NewBackbone(name string, spec BackboneSpec, inDim int, rng *rand.Rand) (*Backbone, error) {
	if spec.Depth < 1 || spec.Width < 1 || spec.FinalSize < 1 || inDim < 1 {
		return nil, fmt.Errorf("backbone %s: depth/width/final_size/input must be positive: %w", spec.Type, core.ErrConfiguration)
	}
	width := spec.Width
	var layers []core.Layer
	switch spec.Type {
	case BackboneMLP:
		layers = append(layers, core.NewLinear(name+".stem", inDim, width, rng), &core.ReLU{})
		for i := 1; i < spec.Depth; i++ {
			layers = append(layers, core.NewLinear(fmt.Sprintf("%s.block%d", name, i), width, width, rng), &core.ReLU{})
		}
	case BackboneResNet, BackboneResNetScale:
		if spec.Type == BackboneResNetScale {
			width *= spec.FinalSize
		}
		layers = append(layers, core.NewLinear(name+".stem", inDim, width, rng), &core.ReLU{})
		for i := 1; i < spec.Depth; i++ {
			layers = append(layers, core.NewResidual(fmt.Sprintf("%s.block%d", name, i), width, rng))
		}
	default:
		return nil, fmt.Errorf("unknown backbone %q: %w", spec.Type, core.ErrConfiguration)
	}
	out := spec.Width * spec.FinalSize
	layers = append(layers, core.NewLinear(name+".proj", width, out, rng), &core.ReLU{})

	return &Backbone{
		Spec:   spec,
		InDim:  inDim,
		OutDim: out,
		net:    &core.Sequential{Layers: layers},
	}, nil
}

func (b *Backbone) Forward(x *mat.Dense) *mat.Dense { return b.net.Forward(x) }

func (b *Backbone) Backward(grad *mat.Dense) *mat.Dense { return b.net.Backward(grad) }

func (b *Backbone) Params() []*core.Param { return b.net.Params() }

// Clone - deep copy with independent forward caches
func (b *Backbone) Clone() *Backbone {
	return &Backbone{
		Spec:   b.Spec,
		InDim:  b.InDim,
		OutDim: b.OutDim,
		net:    b.net.Clone().(*core.Sequential),
	}
}

// LoadFrom copies weights from another backbone of the same architecture.
func (b *Backbone) LoadFrom(src *Backbone) {
	core.CopyParams(b.Params(), src.Params())
}
