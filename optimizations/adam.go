package optimizations

import (
	"math"

	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

// Param is one trainable tensor with its gradient accumulator and Adam moments.
// Forked layers share the same *Param, so gradients from every pass over a
// batch land in G.
type Param struct {
	Name  string
	W     *mat.Dense
	G     *mat.Dense
	M, V  *mat.Dense
	Decay bool // apply weight decay
}

func NewParam(name string, w *mat.Dense, decay bool) *Param {
	return &Param{
		Name:  name,
		W:     w,
		G:     utils.ZerosLike(w),
		M:     utils.ZerosLike(w),
		V:     utils.ZerosLike(w),
		Decay: decay,
	}
}

func (p *Param) ZeroGrad() {
	p.G.Zero()
}

// AdamW applies bias-corrected Adam with decoupled weight decay to a parameter set.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	GradClip    float64 // <=0 disables

	T int // steps taken
}

func (o *AdamW) SetLearningRate(lr float64) {
	o.LR = lr
}

// Step clips the combined gradient norm, updates every param and clears its
// gradient. It returns the clip scale that was applied.
func (o *AdamW) Step(ps []*Param) float64 {
	grads := make([]*mat.Dense, len(ps))
	for i, p := range ps {
		grads[i] = p.G
	}
	scale := utils.ClipGrads(o.GradClip, grads...)
	o.T++
	for _, p := range ps {
		wd := 0.0
		if p.Decay {
			wd = o.WeightDecay
		}
		AdamUpdateInPlace(p.W, p.G, p.M, p.V, o.T, o.LR, o.Beta1, o.Beta2, o.Eps, wd)
		p.ZeroGrad()
	}
	return scale
}

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			denom := math.Sqrt(vij*c2) + eps
			update := mij*c1/denom + weightDecay*p.At(i, j)
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}
