package diffusion

import (
	"fmt"
	"math/rand/v2"

	"github.com/zzduoYI/diffusion-image-captioning/optimizations"
	"github.com/zzduoYI/diffusion-image-captioning/params"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

// conditioner injects the projected image and text features into the
// encoder input. guided selects the full conditioning path.
type conditioner interface {
	// extra is the number of columns appended after the sequence.
	extra() int
	build(x, img, txt *mat.Dense, valid []bool, guided bool) (*mat.Dense, []bool)
	// backward splits the gradient of one pass's encoder input. dTxt is nil
	// when the pass did not see the text feature.
	backward(dIn *mat.Dense, guided bool) (dX, dImg, dTxt *mat.Dense)
	params() []*optimizations.Param
}

func newConditioner(cfg params.TrainingConfig, rng *rand.Rand) (conditioner, error) {
	switch cfg.Conditioning {
	case params.ConditionConcat:
		seg := mat.NewDense(cfg.DModel, 2, utils.RandomArray(rng, cfg.DModel*2, float64(cfg.DModel)))
		return &concatConditioner{segment: optimizations.NewParam("denoiser.segment", seg, false)}, nil
	case params.ConditionAdditive:
		return additiveConditioner{}, nil
	default:
		return nil, &params.ConfigurationError{Field: "conditioning", Reason: fmt.Sprintf("unknown mode %q", cfg.Conditioning)}
	}
}

// concatConditioner appends the image and text features as two extra
// positions. Segment 0 marks caption positions, segment 1 the features. The
// unguided pass masks out the text position.
type concatConditioner struct {
	segment *optimizations.Param // (d x 2)
}

func (c *concatConditioner) extra() int { return 2 }

func (c *concatConditioner) params() []*optimizations.Param {
	return []*optimizations.Param{c.segment}
}

func (c *concatConditioner) build(x, img, txt *mat.Dense, valid []bool, guided bool) (*mat.Dense, []bool) {
	d, L := x.Dims()
	out := mat.NewDense(d, L+2, nil)
	seg := c.segment.W
	for i := 0; i < d; i++ {
		s0, s1 := seg.At(i, 0), seg.At(i, 1)
		for t := 0; t < L; t++ {
			out.Set(i, t, x.At(i, t)+s0)
		}
		out.Set(i, L, img.At(i, 0)+s1)
		out.Set(i, L+1, txt.At(i, 0)+s1)
	}
	mask := make([]bool, L+2)
	copy(mask, valid)
	mask[L] = true
	mask[L+1] = guided
	return out, mask
}

func (c *concatConditioner) backward(dIn *mat.Dense, guided bool) (dX, dImg, dTxt *mat.Dense) {
	d, W := dIn.Dims()
	L := W - 2
	dX = utils.Columns(dIn, 0, L)
	dImg = utils.Columns(dIn, L, L+1)
	dTxt = utils.Columns(dIn, L+1, L+2)
	g := c.segment.G
	for i, s := range utils.RowSums(dX) {
		g.Set(i, 0, g.At(i, 0)+s)
	}
	for i := 0; i < d; i++ {
		g.Set(i, 1, g.At(i, 1)+dImg.At(i, 0)+dTxt.At(i, 0))
	}
	return dX, dImg, dTxt
}

// additiveConditioner adds the image feature to every position, and the text
// feature as well on the guided path.
type additiveConditioner struct{}

func (additiveConditioner) extra() int { return 0 }

func (additiveConditioner) params() []*optimizations.Param { return nil }

func (additiveConditioner) build(x, img, txt *mat.Dense, valid []bool, guided bool) (*mat.Dense, []bool) {
	d, L := x.Dims()
	out := mat.DenseCopyOf(x)
	for i := 0; i < d; i++ {
		v := img.At(i, 0)
		if guided {
			v += txt.At(i, 0)
		}
		for t := 0; t < L; t++ {
			out.Set(i, t, out.At(i, t)+v)
		}
	}
	return out, valid
}

func (additiveConditioner) backward(dIn *mat.Dense, guided bool) (dX, dImg, dTxt *mat.Dense) {
	dImg = utils.ColumnVector(utils.RowSums(dIn))
	if guided {
		dTxt = utils.ColumnVector(utils.RowSums(dIn))
	}
	return dIn, dImg, dTxt
}
