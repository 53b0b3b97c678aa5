package transformer

import (
	"fmt"

	"github.com/zzduoYI/diffusion-image-captioning/optimizations"
	"gonum.org/v1/gonum/mat"
)

// ParamState is the serializable form of one parameter and its Adam moments.
type ParamState struct {
	Name       string
	Rows, Cols int
	Data       []float64
	M, V       []float64
}

// ExportParams copies every parameter into a flat, gob-friendly form.
func ExportParams(ps []*optimizations.Param) []ParamState {
	out := make([]ParamState, len(ps))
	for i, p := range ps {
		r, c := p.W.Dims()
		out[i] = ParamState{
			Name: p.Name,
			Rows: r,
			Cols: c,
			Data: append([]float64(nil), mat.DenseCopyOf(p.W).RawMatrix().Data...),
			M:    append([]float64(nil), mat.DenseCopyOf(p.M).RawMatrix().Data...),
			V:    append([]float64(nil), mat.DenseCopyOf(p.V).RawMatrix().Data...),
		}
	}
	return out
}

// ImportParams restores states into ps by name. Every param must be present
// with matching dims.
func ImportParams(ps []*optimizations.Param, states []ParamState) error {
	byName := make(map[string]ParamState, len(states))
	for _, s := range states {
		byName[s.Name] = s
	}
	for _, p := range ps {
		s, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no parameter %q", p.Name)
		}
		r, c := p.W.Dims()
		if s.Rows != r || s.Cols != c || len(s.Data) != r*c {
			return fmt.Errorf("parameter %q: checkpoint dims %dx%d, model dims %dx%d", p.Name, s.Rows, s.Cols, r, c)
		}
		p.W.Copy(mat.NewDense(r, c, append([]float64(nil), s.Data...)))
		if len(s.M) == r*c && len(s.V) == r*c {
			p.M.Copy(mat.NewDense(r, c, append([]float64(nil), s.M...)))
			p.V.Copy(mat.NewDense(r, c, append([]float64(nil), s.V...)))
		}
	}
	return nil
}
