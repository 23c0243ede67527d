package onnx

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/jack-braga/kitchen-sync/internal/types"
)

// decodeSetPrediction turns DETR-family set predictions into detections.
//
// logits is [queries × (classes+1)] with the last column the no-object class;
// boxes is [queries × 4] as normalized (cx, cy, w, h). Scores are the softmax
// probability of the best real class. Boxes are scaled to the source frame.
func decodeSetPrediction(logits, boxes []float32, queries, classes int, labels []string, threshold float64, width, height int) ([]types.Detection, error) {
	stride := classes + 1
	if len(logits) < queries*stride {
		return nil, fmt.Errorf("onnx: logits have %d values, want %d", len(logits), queries*stride)
	}
	if len(boxes) < queries*4 {
		return nil, fmt.Errorf("onnx: boxes have %d values, want %d", len(boxes), queries*4)
	}

	detections := make([]types.Detection, 0)
	probs := make([]float64, stride)
	for q := 0; q < queries; q++ {
		row := logits[q*stride : (q+1)*stride]
		softmax(row, probs)

		best, bestScore := -1, 0.0
		for c := 0; c < classes; c++ {
			if probs[c] > bestScore {
				best, bestScore = c, probs[c]
			}
		}
		if best < 0 || bestScore < threshold {
			continue
		}

		detections = append(detections, types.Detection{
			Label: labelFor(labels, best),
			Score: bestScore,
			Box:   scaleBox(boxes[q*4:q*4+4], width, height),
		})
	}
	return detections, nil
}

// decodeOpenVocabulary turns OWL-ViT predictions into detections.
//
// logits is [patches × queries] of patch/text-query similarities; boxes is
// [patches × 4] as normalized (cx, cy, w, h). Each patch keeps its best
// query, scored with a sigmoid, and is labeled with that query's text.
func decodeOpenVocabulary(logits, boxes []float32, patches, queries int, labels []string, threshold float64, width, height int) ([]types.Detection, error) {
	if queries <= 0 {
		return nil, fmt.Errorf("onnx: no text queries in output")
	}
	if len(logits) < patches*queries {
		return nil, fmt.Errorf("onnx: logits have %d values, want %d", len(logits), patches*queries)
	}
	if len(boxes) < patches*4 {
		return nil, fmt.Errorf("onnx: boxes have %d values, want %d", len(boxes), patches*4)
	}

	detections := make([]types.Detection, 0)
	for p := 0; p < patches; p++ {
		row := logits[p*queries : (p+1)*queries]
		best := 0
		for q := 1; q < queries; q++ {
			if row[q] > row[best] {
				best = q
			}
		}
		score := sigmoid(float64(row[best]))
		if score < threshold {
			continue
		}
		detections = append(detections, types.Detection{
			Label: labelFor(labels, best),
			Score: score,
			Box:   scaleBox(boxes[p*4:p*4+4], width, height),
		})
	}
	return detections, nil
}

// scaleBox converts a normalized (cx, cy, w, h) box to frame pixels
func scaleBox(b []float32, width, height int) types.Box {
	cx, cy := float64(b[0]), float64(b[1])
	w, h := float64(b[2]), float64(b[3])
	return types.Box{
		XMin: clamp((cx-w/2)*float64(width), 0, float64(width)),
		YMin: clamp((cy-h/2)*float64(height), 0, float64(height)),
		XMax: clamp((cx+w/2)*float64(width), 0, float64(width)),
		YMax: clamp((cy+h/2)*float64(height), 0, float64(height)),
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func softmax(row []float32, out []float64) {
	max := math.Inf(-1)
	for _, v := range row {
		if float64(v) > max {
			max = float64(v)
		}
	}
	var sum float64
	for i, v := range row {
		out[i] = math.Exp(float64(v) - max)
		sum += out[i]
	}
	for i := range out[:len(row)] {
		out[i] /= sum
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func labelFor(labels []string, class int) string {
	if class < len(labels) && labels[class] != "" {
		return labels[class]
	}
	return "LABEL_" + strconv.Itoa(class)
}

// modelConfig is the subset of config.json carrying the label map
type modelConfig struct {
	ID2Label map[string]string `json:"id2label"`
}

// readLabels loads the id2label table from a model's config.json
func readLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: read model config: %w", err)
	}

	var cfg modelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("onnx: parse model config: %w", err)
	}
	if len(cfg.ID2Label) == 0 {
		return nil, fmt.Errorf("onnx: model config has no id2label table")
	}

	ids := make([]int, 0, len(cfg.ID2Label))
	for k := range cfg.ID2Label {
		id, err := strconv.Atoi(k)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("onnx: bad label id %q", k)
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)

	labels := make([]string, ids[len(ids)-1]+1)
	for _, id := range ids {
		labels[id] = cfg.ID2Label[strconv.Itoa(id)]
	}
	return labels, nil
}
