package tensor

import (
	"fmt"
	"math"
)

// CrossEntropy returns the mean negative log-likelihood of labels under
// softmax(logits). logits is [n, k]. The row maximum is subtracted as a
// constant, which leaves the value and every derivative unchanged.
func CrossEntropy(logits *Tensor, labels []int) *Tensor {
	if len(logits.Shape) != 2 || logits.Shape[0] != len(labels) {
		panic(fmt.Errorf("%w: CrossEntropy logits %v with %d labels", ErrShape, logits.Shape, len(labels)))
	}
	n, k := logits.Shape[0], logits.Shape[1]

	shift := Zeros(logits.Shape)
	pick := make([]int, n)
	for i := 0; i < n; i++ {
		row := logits.Data[i*k : (i+1)*k]
		m := math.Inf(-1)
		for _, v := range row {
			if v > m {
				m = v
			}
		}
		for j := range row {
			shift.Data[i*k+j] = m
		}
		if labels[i] < 0 || labels[i] >= k {
			panic(fmt.Errorf("%w: label %d outside %d classes", ErrShape, labels[i], k))
		}
		pick[i] = i*k + labels[i]
	}

	shifted := Sub(logits, shift)
	logSumExp := Log(RowSum(Exp(shifted)))
	picked := Gather(shifted, pick, []int{n})
	return MulConst(Sum(Sub(logSumExp, picked)), 1/float64(n))
}

// SumSquares returns Σ a².
func SumSquares(a *Tensor) *Tensor {
	return Sum(Mul(a, a))
}

// SquaredDistance returns ‖a - b‖².
func SquaredDistance(a, b *Tensor) *Tensor {
	return SumSquares(Sub(a, b))
}

// MSE returns the mean squared error between prediction and target.
func MSE(pred, target *Tensor) *Tensor {
	return MulConst(SquaredDistance(pred, target), 1/float64(len(pred.Data)))
}

// Argmax returns the index of the largest entry in each row of a [n, k]
// tensor.
func Argmax(a *Tensor) []int {
	n := a.Shape[0]
	k := len(a.Data) / n
	out := make([]int, n)
	for i := 0; i < n; i++ {
		best := 0
		for j := 1; j < k; j++ {
			if a.Data[i*k+j] > a.Data[i*k+best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}
