package diffusion

import (
	"fmt"
	"math/rand/v2"

	"github.com/zzduoYI/diffusion-image-captioning/optimizations"
	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/transformer"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

// Backbone is the sequence encoder driven by the denoiser. It sees embedded
// columns (width x T) and a key mask; token embedding lookups are bypassed.
type Backbone interface {
	Forward(x *mat.Dense, valid []bool) *mat.Dense
	// Backward returns d loss / d x for the last Forward and accumulates
	// parameter gradients.
	Backward(dY *mat.Dense) *mat.Dense
	// Fork shares parameters with private activation caches.
	Fork() Backbone
	Params() []*optimizations.Param
}

type encoderBackbone struct {
	*transformer.Encoder
}

func (e encoderBackbone) Fork() Backbone {
	return encoderBackbone{e.Encoder.Fork()}
}

// EncoderBackbone adapts the transformer encoder to Backbone.
func EncoderBackbone(enc *transformer.Encoder) Backbone {
	return encoderBackbone{enc}
}

// Example is one denoiser input: a (channel x L) sequence, its conditioning
// features, key mask and guidance flag.
type Example struct {
	X      *mat.Dense
	Image  []float64
	Text   []float64
	Mask   []bool
	Guided bool
}

// Denoiser predicts a clean (or less corrupted) sequence from a corrupted
// one, conditioned on image and text features, with classifier-free guidance.
type Denoiser struct {
	channel    int
	width      int
	featureDim int
	maxLen     int
	weight     float64 // guidance weight

	backbone Backbone // unguided pass
	guided   Backbone // guided pass, private caches
	head     *transformer.Embedding
	image    *transformer.Linear
	text     *transformer.Linear
	inProj   *transformer.Linear // nil when channel == width
	outProj  *transformer.Linear
	cond     conditioner

	workers int
	forks   []*Denoiser
}

// NewDenoiser wires backbone into a denoiser for cfg. head is the frozen
// token table used both for the vocabulary logits and, by callers, for x0.
func NewDenoiser(cfg params.TrainingConfig, backbone Backbone, head *transformer.Embedding, rng *rand.Rand) (*Denoiser, error) {
	cond, err := newConditioner(cfg, rng)
	if err != nil {
		return nil, err
	}
	if head.Channel() != cfg.InChannel {
		return nil, &utils.ShapeError{Tensor: "embedding table", Dim: "rows", Got: head.Channel(), Want: cfg.InChannel}
	}
	d := &Denoiser{
		channel:    cfg.InChannel,
		width:      cfg.DModel,
		featureDim: cfg.FeatureDim,
		maxLen:     cfg.SeqLen,
		weight:     cfg.GuidanceWeight,
		backbone:   backbone,
		guided:     backbone.Fork(),
		head:       head,
		image:      transformer.NewLinear("denoiser.image", cfg.FeatureDim, cfg.DModel, rng),
		text:       transformer.NewLinear("denoiser.text", cfg.FeatureDim, cfg.DModel, rng),
		cond:       cond,
		workers:    1,
	}
	if cfg.InChannel != cfg.DModel {
		d.inProj = transformer.NewLinear("denoiser.in", cfg.InChannel, cfg.DModel, rng)
		d.outProj = transformer.NewLinear("denoiser.out", cfg.DModel, cfg.InChannel, rng)
	}
	return d, nil
}

// NewEncoderDenoiser builds the default transformer backbone for cfg.
func NewEncoderDenoiser(cfg params.TrainingConfig, head *transformer.Embedding, rng *rand.Rand) (*Denoiser, error) {
	maxLen := cfg.SeqLen
	if cfg.Conditioning == params.ConditionConcat {
		maxLen += 2
	}
	return NewDenoiser(cfg, EncoderBackbone(transformer.NewEncoder(cfg, maxLen, rng)), head, rng)
}

// Params lists every trainable tensor. The token table is frozen.
func (d *Denoiser) Params() []*optimizations.Param {
	var ps []*optimizations.Param
	if d.inProj != nil {
		ps = append(ps, d.inProj.Params()...)
		ps = append(ps, d.outProj.Params()...)
	}
	ps = append(ps, d.image.Params()...)
	ps = append(ps, d.text.Params()...)
	ps = append(ps, d.cond.params()...)
	return append(ps, d.backbone.Params()...)
}

func (d *Denoiser) Head() *transformer.Embedding {
	return d.head
}

func (d *Denoiser) GuidanceWeight() float64 {
	return d.weight
}

// SetWorkers bounds the goroutines Forward fans out to.
func (d *Denoiser) SetWorkers(n int) {
	d.workers = max(n, 1)
}

// Fork shares every parameter with private activation caches.
func (d *Denoiser) Fork() *Denoiser {
	f := *d
	f.backbone = d.backbone.Fork()
	f.guided = d.backbone.Fork()
	f.image = d.image.Fork()
	f.text = d.text.Fork()
	if d.inProj != nil {
		f.inProj = d.inProj.Fork()
		f.outProj = d.outProj.Fork()
	}
	f.workers = 1
	f.forks = nil
	return &f
}

func (d *Denoiser) validate(ex Example) error {
	if err := utils.CheckDims("x", ex.X, d.channel, -1); err != nil {
		return err
	}
	_, L := ex.X.Dims()
	if L > d.maxLen {
		return &utils.ShapeError{Tensor: "x", Dim: "seq_len", Got: L, Want: d.maxLen}
	}
	if err := utils.CheckLen("mask", "seq_len", len(ex.Mask), L); err != nil {
		return err
	}
	if err := utils.CheckLen("image_vec", "feature_dim", len(ex.Image), d.featureDim); err != nil {
		return err
	}
	return utils.CheckLen("text_vec", "feature_dim", len(ex.Text), d.featureDim)
}

// Prediction is the denoiser output for one example, truncated to the
// caption length. Backward must run before the next Denoise call on the same
// Denoiser since both share activation caches.
type Prediction struct {
	Logits  *mat.Dense // (vocab x L)
	Refined *mat.Dense // (channel x L)

	d     *Denoiser
	mixed bool
	cols  int
}

// Denoise runs one example. With a positive guidance weight and a guided
// example the encoder runs twice and the outputs are combined as
// (1+w)·guided − w·unguided; otherwise only the unguided pass runs.
func (d *Denoiser) Denoise(ex Example) (*Prediction, error) {
	if err := d.validate(ex); err != nil {
		return nil, err
	}
	_, L := ex.X.Dims()
	h := ex.X
	if d.inProj != nil {
		h = d.inProj.Forward(ex.X)
	}
	img := d.image.Forward(utils.ColumnVector(ex.Image))
	txt := d.text.Forward(utils.ColumnVector(ex.Text))

	in, mask := d.cond.build(h, img, txt, ex.Mask, false)
	out := d.backbone.Forward(in, mask)
	mixed := d.weight > 0 && ex.Guided
	if mixed {
		gin, gmask := d.cond.build(h, img, txt, ex.Mask, true)
		g := d.guided.Forward(gin, gmask)
		out = utils.Add(utils.Scale(1+d.weight, g), utils.Scale(-d.weight, out))
	}
	if d.outProj != nil {
		out = d.outProj.Forward(out)
	}
	_, cols := out.Dims()
	refined := utils.Columns(out, 0, L)
	return &Prediction{
		Logits:  d.head.Logits(refined),
		Refined: refined,
		d:       d,
		mixed:   mixed,
		cols:    cols,
	}, nil
}

// Backward propagates d loss / d logits and d loss / d refined (either may
// be nil) into the parameter gradients.
func (p *Prediction) Backward(dLogits, dRefined *mat.Dense) {
	d := p.d
	dY := mat.NewDense(d.channel, p.cols, nil)
	_, L := p.Refined.Dims()
	dYL := dY.Slice(0, d.channel, 0, L).(*mat.Dense)
	if dRefined != nil {
		dYL.Add(dYL, dRefined)
	}
	if dLogits != nil {
		dYL.Add(dYL, d.head.Backward(dLogits))
	}
	dOut := dY
	if d.outProj != nil {
		dOut = d.outProj.Backward(dY)
	}

	dU := dOut
	if p.mixed {
		dU = utils.Scale(-d.weight, dOut)
	}
	dH, dImg, dTxt := d.cond.backward(d.backbone.Backward(dU), false)
	if p.mixed {
		dG := utils.Scale(1+d.weight, dOut)
		gH, gImg, gTxt := d.cond.backward(d.guided.Backward(dG), true)
		dH = utils.Add(dH, gH)
		dImg = utils.Add(dImg, gImg)
		dTxt = addOptional(dTxt, gTxt)
	}
	d.image.Backward(dImg)
	if dTxt != nil {
		d.text.Backward(dTxt)
	}
	if d.inProj != nil {
		d.inProj.Backward(dH)
	}
}

func addOptional(a, b *mat.Dense) *mat.Dense {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return utils.Add(a, b)
}

func (d *Denoiser) String() string {
	return fmt.Sprintf("Denoiser(channel=%d, width=%d, guidance=%g)", d.channel, d.width, d.weight)
}
