package transformer

import (
	"math/rand/v2"

	"github.com/zzduoYI/diffusion-image-captioning/optimizations"
	"github.com/zzduoYI/diffusion-image-captioning/utils"
	"gonum.org/v1/gonum/mat"
)

type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *optimizations.Param
	OutputWeights, OutputBias *optimizations.Param

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func NewMLP(name string, dModel, hidden int, rng *rand.Rand) *MLP {
	return &MLP{
		Inputs:        dModel,
		Hiddens:       hidden,
		Outputs:       dModel,
		HiddenWeights: optimizations.NewParam(name+".w1", mat.NewDense(hidden, dModel, utils.RandomArray(rng, dModel*hidden, float64(dModel))), true),
		HiddenBias:    optimizations.NewParam(name+".b1", mat.NewDense(hidden, 1, nil), false),
		OutputWeights: optimizations.NewParam(name+".w2", mat.NewDense(dModel, hidden, utils.RandomArray(rng, hidden*dModel, float64(hidden))), true),
		OutputBias:    optimizations.NewParam(name+".b2", mat.NewDense(dModel, 1, nil), false),
	}
}

func (mlp *MLP) Params() []*optimizations.Param {
	return []*optimizations.Param{mlp.HiddenWeights, mlp.HiddenBias, mlp.OutputWeights, mlp.OutputBias}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.lastInput = X
	hidden := utils.AddBias(utils.Dot(mlp.HiddenWeights.W, X), mlp.HiddenBias.W) // (h x T)
	mlp.hiddenPreAct = hidden
	r, c := hidden.Dims()
	mlp.hiddenOutputs = mat.NewDense(r, c, nil)
	mlp.hiddenOutputs.Apply(utils.GeluApply, hidden)
	return utils.AddBias(utils.Dot(mlp.OutputWeights.W, mlp.hiddenOutputs), mlp.OutputBias.W) // (d x T)
}

// Backward accumulates weight gradients and returns dX.
func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	mlp.OutputWeights.G.Add(mlp.OutputWeights.G, utils.Dot(grad, mlp.hiddenOutputs.T()))
	addRowSums(mlp.OutputBias.G, grad)

	hiddenGradOut := utils.Dot(mlp.OutputWeights.W.T(), grad) // dL/d(hidden_out)
	hiddenErrors := utils.Multiply(hiddenGradOut, utils.GeluPrime(mlp.hiddenPreAct))

	mlp.HiddenWeights.G.Add(mlp.HiddenWeights.G, utils.Dot(hiddenErrors, mlp.lastInput.T()))
	addRowSums(mlp.HiddenBias.G, hiddenErrors)

	return utils.Dot(mlp.HiddenWeights.W.T(), hiddenErrors)
}

// addRowSums adds the per-row sums of grad to the (r x 1) bias gradient.
func addRowSums(dst, grad *mat.Dense) {
	for i, s := range utils.RowSums(grad) {
		dst.Set(i, 0, dst.At(i, 0)+s)
	}
}
