package training

import (
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPNG(t *testing.T) {
	vc := NewVisualizationCollector("Linear")
	for it := 0; it < 5; it++ {
		vc.RecordStep(it, 1/float64(it+1), 0.01)
	}
	vc.RecordEvaluation(2, "Linear", 0.4, 0.1)
	vc.RecordEvaluation(4, "Linear", 0.6, 0.1)

	dir := t.TempDir()
	plots := map[string]PlotData{
		"loss.png": vc.GenerateTrainingCurvesPlot(),
		"lr.png":   vc.GenerateLearningRateSchedulePlot(),
		"acc.png":  vc.GenerateEvaluationPlot(),
	}
	for name, pd := range plots {
		path := filepath.Join(dir, name)
		require.NoError(t, pd.RenderPNG(path), name)

		f, err := os.Open(path)
		require.NoError(t, err)
		_, err = png.Decode(f)
		f.Close()
		assert.NoError(t, err, name)
	}
}

func TestRenderPNGSkipsEmptyAndNonFinite(t *testing.T) {
	dir := t.TempDir()

	empty := NewVisualizationCollector("Linear").GenerateEvaluationPlot()
	path := filepath.Join(dir, "empty.png")
	require.NoError(t, empty.RenderPNG(path))
	assert.NoFileExists(t, path)

	vc := NewVisualizationCollector("Linear")
	vc.RecordStep(0, math.NaN(), 0.01)
	vc.RecordStep(1, 0, 0.01) // zero loss forces a linear axis
	vc.RecordStep(2, 0.5, 0.01)
	path = filepath.Join(dir, "loss.png")
	require.NoError(t, vc.GenerateTrainingCurvesPlot().RenderPNG(path))
	assert.FileExists(t, path)
}

// A flat loss curve below one must not leave the log axis with a
// non-positive lower bound.
func TestRenderPNGFlatLogSeries(t *testing.T) {
	tests := []struct {
		name   string
		losses []float64
	}{
		{"single point", []float64{0.8}},
		{"constant below one", []float64{0.5, 0.5, 0.5, 0.5, 0.5}},
		{"constant above one", []float64{3, 3}},
		{"tiny", []float64{1e-6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vc := NewVisualizationCollector("Linear")
			for it, loss := range tt.losses {
				vc.RecordStep(it, loss, 0.01)
			}
			path := filepath.Join(t.TempDir(), "loss.png")
			var err error
			assert.NotPanics(t, func() {
				err = vc.GenerateTrainingCurvesPlot().RenderPNG(path)
			})
			require.NoError(t, err)
			assert.FileExists(t, path)
		})
	}
}
