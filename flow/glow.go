package flow

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"

	"github.com/YuminosukeSato/flowfid/core/model"
	"github.com/YuminosukeSato/flowfid/core/parallel"
	"github.com/YuminosukeSato/flowfid/core/tensor"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// Block is one multi-scale level: NFlow flow steps on the squeezed input and
// a learned prior for the latent it emits.
type Block struct {
	// C is the channel count after squeezing.
	C     int
	Split bool
	Flows []FlowStep
	// Prior maps the kept half (or zeros for the last block) to the latent
	// mean and log standard deviation.
	Prior ZeroConv
}

// Params are the persisted Glow parameters.
type Params struct {
	InChannel int
	NFlow     int
	NBlock    int
	Hidden    int
	Blocks    []Block
}

// Glow is a multi-scale normalizing flow used as an image generator.
// Only the reverse (latent → image) direction is implemented.
type Glow struct {
	params Params
}

// NewGlow builds a Glow with deterministic initial parameters: identity
// actnorm, orthogonal 1×1 convolutions and zero-initialised coupling outputs
// and priors.
func NewGlow(inChannel, nFlow, nBlock, hidden int, seed uint64) (*Glow, error) {
	switch {
	case inChannel <= 0:
		return nil, errors.NewValidationError("in_channel", "must be positive", inChannel)
	case nFlow <= 0:
		return nil, errors.NewValidationError("n_flow", "must be positive", nFlow)
	case nBlock <= 0:
		return nil, errors.NewValidationError("n_block", "must be positive", nBlock)
	case hidden <= 0:
		return nil, errors.NewValidationError("hidden", "must be positive", hidden)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	p := Params{InChannel: inChannel, NFlow: nFlow, NBlock: nBlock, Hidden: hidden}
	c := inChannel
	for i := 0; i < nBlock; i++ {
		squeezed := c * 4
		b := Block{C: squeezed, Split: i < nBlock-1}
		for j := 0; j < nFlow; j++ {
			b.Flows = append(b.Flows, newFlowStep(rng, squeezed, hidden))
		}
		if b.Split {
			b.Prior = newZeroConv(squeezed/2, squeezed)
		} else {
			b.Prior = newZeroConv(squeezed, squeezed*2)
		}
		p.Blocks = append(p.Blocks, b)
		c *= 2
	}
	return newGlowFromParams(p)
}

// newGlowFromParams checks that every parameter array matches the channel
// layout implied by InChannel, NFlow, NBlock and Hidden, so that a corrupt or
// mismatched file fails here instead of inside Reverse.
func newGlowFromParams(p Params) (*Glow, error) {
	switch {
	case p.InChannel <= 0, p.NFlow <= 0, p.NBlock <= 0, p.Hidden <= 0:
		return nil, errors.NewValueError("Glow", fmt.Sprintf(
			"in_channel=%d n_flow=%d n_block=%d hidden=%d must all be positive", p.InChannel, p.NFlow, p.NBlock, p.Hidden))
	case len(p.Blocks) != p.NBlock:
		return nil, errors.NewValueError("Glow", "parameter block count does not match n_block")
	}
	c := p.InChannel
	for i := range p.Blocks {
		b := &p.Blocks[i]
		squeezed := c * 4
		if b.C != squeezed || b.Split != (i < p.NBlock-1) {
			return nil, errors.NewValueError("Glow", fmt.Sprintf(
				"block %d has C=%d split=%t, want C=%d split=%t", i, b.C, b.Split, squeezed, i < p.NBlock-1))
		}
		if len(b.Flows) != p.NFlow {
			return nil, errors.NewValueError("Glow", fmt.Sprintf("block %d has %d flow steps, want %d", i, len(b.Flows), p.NFlow))
		}
		for j := range b.Flows {
			if err := b.Flows[j].validate(squeezed, p.Hidden); err != nil {
				return nil, errors.Wrapf(err, "block %d flow %d", i, j)
			}
		}
		priorIn, priorOut := squeezed/2, squeezed
		if !b.Split {
			priorIn, priorOut = squeezed, squeezed*2
		}
		if err := b.Prior.validate(priorIn, priorOut); err != nil {
			return nil, errors.Wrapf(err, "block %d prior", i)
		}
		c *= 2
	}
	return &Glow{params: p}, nil
}

// Name implements model.Named.
func (g *Glow) Name() string { return "Glow" }

// NFlow is the number of flow steps per block.
func (g *Glow) NFlow() int { return g.params.NFlow }

// NBlock is the number of multi-scale blocks.
func (g *Glow) NBlock() int { return g.params.NBlock }

// InChannel is the number of image channels.
func (g *Glow) InChannel() int { return g.params.InChannel }

// ZShapes returns the latent shapes this model expects for imgSize images.
func (g *Glow) ZShapes(imgSize int) ([]Shape, error) {
	return ZShapes(g.params.InChannel, imgSize, g.params.NFlow, g.params.NBlock)
}

// Reverse maps one latent per block to an N×InChannel×S×S image batch.
// Starting from the last block, each earlier block concatenates the running
// output with its own latent along the channel axis, undoes its flow steps in
// reverse order and unsqueezes.
func (g *Glow) Reverse(z []*tensor.Tensor) (out *tensor.Tensor, err error) {
	defer errors.Recover(&err, "Glow.Reverse")

	if len(z) != g.params.NBlock {
		return nil, errors.NewDimensionError("Glow.Reverse", g.params.NBlock, len(z), 0)
	}
	last := z[len(z)-1]
	if last.Rank() != 4 {
		return nil, errors.NewInputShapeError("Glow.Reverse", []int{-1, -1, -1, -1}, last.Shape())
	}
	n := last.Dim(0)
	imgSize := last.Dim(2) << g.params.NBlock
	shapes, err := g.ZShapes(imgSize)
	if err != nil {
		return nil, err
	}
	for i, s := range shapes {
		if !z[i].SameShape(s.Dims(n)) {
			return nil, errors.NewInputShapeError("Glow.Reverse", s.Dims(n), z[i].Shape())
		}
	}

	var running *tensor.Tensor
	for i := g.params.NBlock - 1; i >= 0; i-- {
		b := &g.params.Blocks[i]
		var input *tensor.Tensor
		if b.Split {
			latent := b.sampleFromPrior(running, z[i])
			if input, err = tensor.ConcatChannels(running, latent); err != nil {
				return nil, err
			}
		} else {
			input = b.sampleFromPrior(tensor.New(z[i].Shape()...), z[i])
		}
		b.reverseFlows(input)
		if running, err = tensor.Unsqueeze2x2(input); err != nil {
			return nil, err
		}
	}
	return running, nil
}

// sampleFromPrior returns mean + exp(logSD)·eps where (mean, logSD) come
// from the block prior applied to cond.
func (b *Block) sampleFromPrior(cond, eps *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(eps.Shape()...)
	n, c, h, w := eps.Dim(0), eps.Dim(1), eps.Dim(2), eps.Dim(3)
	plane := h * w
	parallel.Parallelize(n, func(start, end int) {
		for i := start; i < end; i++ {
			ms := b.Prior.apply(cond.Sample(i), plane)
			mean, logSD := ms[:c*plane], ms[c*plane:]
			e, dst := eps.Sample(i), out.Sample(i)
			for k := range dst {
				dst[k] = mean[k] + math.Exp(logSD[k])*e[k]
			}
		}
	})
	return out
}

// reverseFlows undoes the block's flow steps in place, one goroutine range
// per sample chunk.
func (b *Block) reverseFlows(x *tensor.Tensor) {
	n, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	parallel.Parallelize(n, func(start, end int) {
		for i := start; i < end; i++ {
			sample := x.Sample(i)
			for j := len(b.Flows) - 1; j >= 0; j-- {
				b.Flows[j].reverse(sample, c, h, w)
			}
		}
	})
}

// Params returns the model parameters for persistence.
func (g *Glow) Params() Params { return g.params }

// Save writes the parameters to filename with gob.
func (g *Glow) Save(filename string) error {
	return model.SaveModel(g.params, filename)
}

// Write writes the parameters to w with gob.
func (g *Glow) Write(w io.Writer) error {
	return model.SaveModelToWriter(g.params, w)
}

// LoadGlow reads a model written by Save.
func LoadGlow(filename string) (*Glow, error) {
	var p Params
	if err := model.LoadModel(&p, filename); err != nil {
		return nil, err
	}
	return newGlowFromParams(p)
}

// ReadGlow reads a model written by Write.
func ReadGlow(r io.Reader) (*Glow, error) {
	var p Params
	if err := model.LoadModelFromReader(&p, r); err != nil {
		return nil, err
	}
	return newGlowFromParams(p)
}
