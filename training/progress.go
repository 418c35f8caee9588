package training

import (
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tsawler/go-distill/layers"
)

const barWidth = 40

// ProgressBar draws a single self-overwriting line per evaluation run:
// description, percentage, bar, count, elapsed<eta and the latest metrics.
type ProgressBar struct {
	out     io.Writer
	label   string
	total   int
	done    int
	started time.Time
	metrics map[string]float64
}

func NewProgressBar(out io.Writer, label string, total int) *ProgressBar {
	return &ProgressBar{out: out, label: label, total: total, started: time.Now(), metrics: map[string]float64{}}
}

// Update moves the bar to step and merges metrics into the displayed set.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.done = step
	maps.Copy(pb.metrics, metrics)
	fmt.Fprint(pb.out, pb.line())
}

// Finish draws the bar full and terminates the line.
func (pb *ProgressBar) Finish() {
	pb.done = pb.total
	fmt.Fprintln(pb.out, pb.line())
}

func (pb *ProgressBar) fraction() float64 {
	if pb.total <= 0 {
		return 1
	}
	return math.Min(float64(pb.done)/float64(pb.total), 1)
}

func (pb *ProgressBar) line() string {
	frac := pb.fraction()
	elapsed := time.Since(pb.started)
	var remaining time.Duration
	if pb.done > 0 && frac > 0 {
		remaining = time.Duration(float64(elapsed)/frac) - elapsed
	}

	var b strings.Builder
	filled := int(frac * barWidth)
	fmt.Fprintf(&b, "\r%s: %3.0f%%|%s%s| %d/%d [%s<%s",
		pb.label, frac*100, strings.Repeat("█", filled), strings.Repeat(" ", barWidth-filled),
		pb.done, pb.total, formatDuration(elapsed), formatDuration(remaining))

	// accuracies are shown as percentages
	for _, key := range slices.Sorted(maps.Keys(pb.metrics)) {
		if v := pb.metrics[key]; strings.Contains(key, "acc") {
			fmt.Fprintf(&b, ", %s=%.2f%%", key, v*100)
		} else {
			fmt.Fprintf(&b, ", %s=%.4f", key, v)
		}
	}
	b.WriteByte(']')
	return b.String()
}

// formatDuration renders d as MM:SS; minutes are not wrapped into hours.
func formatDuration(d time.Duration) string {
	d = max(d, 0).Truncate(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d/time.Minute), int(d%time.Minute/time.Second))
}

// ModelArchitecturePrinter renders a compiled student network one layer per
// line, followed by its parameter count.
type ModelArchitecturePrinter struct {
	modelName string
}

func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// Format renders the architecture and its parameter count
func (p *ModelArchitecturePrinter) Format(modelSpec *layers.ModelSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(&b, "  %s\n", p.formatLayer(layer))
	}
	fmt.Fprintf(&b, ")\n")
	fmt.Fprintf(&b, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(&b, "Params size (MB): %.3f", float64(modelSpec.TotalParameters*8)/1024/1024) // 8 bytes per float64
	return b.String()
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		k := layer.IntParam("kernel_size", 0)
		s := layer.IntParam("stride", 1)
		pad := layer.IntParam("padding", 0)
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
			layer.Name, layer.IntParam("input_channels", 0), layer.IntParam("output_channels", 0),
			k, k, s, s, pad, pad, layer.BoolParam("use_bias", true))
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name, layer.IntParam("input_size", 0), layer.IntParam("output_size", 0), layer.BoolParam("use_bias", true))
	case layers.InstanceNorm, layers.GroupNorm, layers.LayerNorm:
		return fmt.Sprintf("(%s): GroupNorm(%d, eps=%g)", layer.Name, layer.IntParam("groups", 0), layer.FloatParam("eps", 1e-5))
	case layers.AvgPool2D, layers.MaxPool2D:
		return fmt.Sprintf("(%s): %s(kernel_size=%d)", layer.Name, layer.Type, layer.IntParam("kernel_size", 2))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type)
	}
}

func formatParameterCount(count int64) string {
	switch {
	case count >= 1e6:
		return fmt.Sprintf("%.1fM", float64(count)/1e6)
	case count >= 1e3:
		return fmt.Sprintf("%.1fK", float64(count)/1e3)
	}
	return strconv.FormatInt(count, 10)
}
