package training

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"        // meta-loss per iteration
	LearningRateSchedule PlotType = "learning_rate_schedule" // learned synthetic step size
	EvaluationAccuracy   PlotType = "evaluation_accuracy"    // mean test accuracy per eval model
)

// PlotData is the JSON document written for every plot
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is one point; Error carries the std of evaluation runs.
type DataPoint struct {
	X     int     `json:"x"`
	Y     float64 `json:"y"`
	Error float64 `json:"error,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
}

// VisualizationCollector records the curves of a distillation run. It is
// safe for concurrent use.
type VisualizationCollector struct {
	mu        sync.Mutex
	modelName string

	steps        []int
	metaLoss     []float64
	syntheticLRs []float64

	evalPoints map[string][]DataPoint // eval model -> accuracy at iteration
}

// NewVisualizationCollector creates a collector for the training model.
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName:  modelName,
		evalPoints: make(map[string][]DataPoint),
	}
}

// RecordStep records the loss and learned step size of one meta-iteration.
func (vc *VisualizationCollector) RecordStep(step int, loss, syntheticLR float64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.steps = append(vc.steps, step)
	vc.metaLoss = append(vc.metaLoss, loss)
	vc.syntheticLRs = append(vc.syntheticLRs, syntheticLR)
}

// RecordEvaluation records the accuracy of one evaluation model.
func (vc *VisualizationCollector) RecordEvaluation(step int, model string, mean, std float64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.evalPoints[model] = append(vc.evalPoints[model], DataPoint{X: step, Y: mean, Error: std})
}

// GenerateTrainingCurvesPlot generates the meta-loss plot.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.linePlot(TrainingCurves, "Trajectory Matching Loss", "Loss", vc.metaLoss, "log")
}

// GenerateLearningRateSchedulePlot generates the synthetic step size plot.
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.linePlot(LearningRateSchedule, "Synthetic Learning Rate", "Learning Rate", vc.syntheticLRs, "linear")
}

func (vc *VisualizationCollector) linePlot(kind PlotType, title, yLabel string, ys []float64, yScale string) PlotData {
	series := SeriesData{
		Name: yLabel,
		Type: "line",
		Data: make([]DataPoint, len(ys)),
	}
	for i, y := range ys {
		series.Data[i] = DataPoint{X: vc.steps[i], Y: y}
	}
	return PlotData{
		PlotType:  kind,
		Title:     fmt.Sprintf("%s - %s", title, vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{series},
		Config: PlotConfig{
			XAxisLabel: "Iteration",
			YAxisLabel: yLabel,
			XAxisScale: "linear",
			YAxisScale: yScale,
			ShowGrid:   true,
		},
	}
}

// GenerateEvaluationPlot generates one accuracy series per evaluation model,
// with the best accuracy of each in the metrics.
func (vc *VisualizationCollector) GenerateEvaluationPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	models := make([]string, 0, len(vc.evalPoints))
	for name := range vc.evalPoints {
		models = append(models, name)
	}
	sort.Strings(models)

	series := make([]SeriesData, 0, len(models))
	metrics := make(map[string]interface{}, len(models))
	for _, name := range models {
		points := append([]DataPoint(nil), vc.evalPoints[name]...)
		best := 0.0
		for _, p := range points {
			if p.Y > best {
				best = p.Y
			}
		}
		metrics["max_accuracy/"+name] = best
		series = append(series, SeriesData{Name: name, Type: "scatter", Data: points})
	}

	return PlotData{
		PlotType:  EvaluationAccuracy,
		Title:     fmt.Sprintf("Evaluation Accuracy - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Metrics:   metrics,
		Config: PlotConfig{
			XAxisLabel: "Iteration",
			YAxisLabel: "Accuracy",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
		},
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}

// WriteJSON writes every plot to path as one JSON array.
func (vc *VisualizationCollector) WriteJSON(path string) error {
	plots := []PlotData{
		vc.GenerateTrainingCurvesPlot(),
		vc.GenerateLearningRateSchedulePlot(),
		vc.GenerateEvaluationPlot(),
	}
	data, err := json.MarshalIndent(plots, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plot data: %w", err)
	}
	return nil
}

// Clear resets all collected data
func (vc *VisualizationCollector) Clear() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.steps = vc.steps[:0]
	vc.metaLoss = vc.metaLoss[:0]
	vc.syntheticLRs = vc.syntheticLRs[:0]
	vc.evalPoints = make(map[string][]DataPoint)
}
