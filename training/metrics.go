package training

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-distill/tensor"
)

// MetricType selects a score derived from a ConfusionMatrix.
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix accumulates test predictions of one evaluation run
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix returns an empty numClasses x numClasses matrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	cm := &ConfusionMatrix{NumClasses: numClasses, Matrix: make([][]int, numClasses)}
	for class := range cm.Matrix {
		cm.Matrix[class] = make([]int, numClasses)
	}
	return cm
}

// Reset zeroes every count so the matrix can score another network.
func (cm *ConfusionMatrix) Reset() {
	for _, row := range cm.Matrix {
		clear(row)
	}
	cm.TotalSamples = 0
}

// UpdateFromLogits adds the argmax predictions of logits [n, k] against labels
func (cm *ConfusionMatrix) UpdateFromLogits(logits *tensor.Tensor, labels []int) error {
	if len(logits.Shape) != 2 || logits.Shape[0] != len(labels) {
		return fmt.Errorf("logits shape %v does not match %d labels", logits.Shape, len(labels))
	}
	if logits.Shape[1] != cm.NumClasses {
		return fmt.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, logits.Shape[1])
	}

	for i, predClass := range tensor.Argmax(logits) {
		trueClass := labels[i]
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return fmt.Errorf("label %d outside %d classes", trueClass, cm.NumClasses)
		}
		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric reports metric over everything recorded so far.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.macroAverage(cm.predictedAs)
	case MacroRecall:
		return cm.macroAverage(cm.labelledAs)
	case MacroF1:
		p := cm.macroAverage(cm.predictedAs)
		r := cm.macroAverage(cm.labelledAs)
		if p+r == 0 {
			return 0
		}
		return 2 * p * r / (p + r)
	default:
		return 0
	}
}

// predictedAs counts samples of any label predicted as class.
func (cm *ConfusionMatrix) predictedAs(class int) int {
	n := 0
	for _, row := range cm.Matrix {
		n += row[class]
	}
	return n
}

// labelledAs counts samples whose true label is class.
func (cm *ConfusionMatrix) labelledAs(class int) int {
	n := 0
	for _, v := range cm.Matrix[class] {
		n += v
	}
	return n
}

// macroAverage averages hits/denom(class) over classes with a non-zero
// denominator.
func (cm *ConfusionMatrix) macroAverage(denom func(class int) int) float64 {
	var ratios []float64
	for class := range cm.Matrix {
		if d := denom(class); d > 0 {
			ratios = append(ratios, float64(cm.Matrix[class][class])/float64(d))
		}
	}
	if len(ratios) == 0 {
		return 0
	}
	return stat.Mean(ratios, nil)
}

// GetAccuracy is the fraction of samples on the diagonal.
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	hits := 0
	for class, row := range cm.Matrix {
		hits += row[class]
	}
	return float64(hits) / float64(cm.TotalSamples)
}

// MeanStd returns the mean and the population standard deviation of xs,
// the statistic reported across evaluation runs.
func MeanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(xs, nil)
}
