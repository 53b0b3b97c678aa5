package transformer

import (
	"fmt"
	"math/rand/v2"

	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

// Embedding is the frozen token table (channel x vocab). It turns ids into
// clean sequences and doubles as the tied, bias-free vocabulary head.
type Embedding struct {
	Table *mat.Dense
}

// NewEmbedding draws a random table. Pretrained tables are wrapped directly.
func NewEmbedding(channel, vocab int, rng *rand.Rand) *Embedding {
	return &Embedding{Table: mat.NewDense(channel, vocab, utils.RandomArray(rng, channel*vocab, float64(channel)))}
}

func (e *Embedding) Channel() int {
	r, _ := e.Table.Dims()
	return r
}

func (e *Embedding) VocabSize() int {
	_, c := e.Table.Dims()
	return c
}

// Lookup returns the (channel x len(ids)) sequence for ids.
func (e *Embedding) Lookup(ids []int) (*mat.Dense, error) {
	d, V := e.Table.Dims()
	out := mat.NewDense(d, len(ids), nil)
	col := make([]float64, d)
	for t, id := range ids {
		if id < 0 || id >= V {
			return nil, fmt.Errorf("token id %d out of vocabulary range [0, %d)", id, V)
		}
		mat.Col(col, id, e.Table)
		out.SetCol(t, col)
	}
	return out, nil
}

// Logits scores every column of y against the vocabulary: Eᵀ y, (vocab x T).
func (e *Embedding) Logits(y mat.Matrix) *mat.Dense {
	return utils.Dot(e.Table.T(), y)
}

// Backward maps d loss / d logits to d loss / d y. The table stays frozen.
func (e *Embedding) Backward(dLogits *mat.Dense) *mat.Dense {
	return utils.Dot(e.Table, dLogits)
}
