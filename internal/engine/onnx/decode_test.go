package onnx

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jack-braga/kitchen-sync/internal/engine"
)

func TestDecodeSetPrediction(t *testing.T) {
	labels := []string{"N/A", "apple", "banana"}
	// Two queries, two real classes + no-object
	logits := []float32{
		0, 8, 0, 0, // query 0: confident apple
		0, 0, 0, 8, // query 1: no-object
	}
	boxes := []float32{
		0.5, 0.5, 0.2, 0.4,
		0.1, 0.1, 0.1, 0.1,
	}

	dets, err := decodeSetPrediction(logits, boxes, 2, 3, labels, 0.5, 100, 50)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, "apple", d.Label)
	assert.Greater(t, d.Score, 0.99)
	assert.InDelta(t, 40, d.Box.XMin, 1e-6)
	assert.InDelta(t, 15, d.Box.YMin, 1e-6)
	assert.InDelta(t, 60, d.Box.XMax, 1e-6)
	assert.InDelta(t, 35, d.Box.YMax, 1e-6)
}

func TestDecodeSetPrediction_ThresholdAndClamp(t *testing.T) {
	logits := []float32{1, 1, 1} // one class + no-object, uniform
	boxes := []float32{0.05, 0.05, 0.5, 0.5}

	dets, err := decodeSetPrediction(logits, boxes, 1, 2, nil, 0.9, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, dets)

	dets, err = decodeSetPrediction(logits, boxes, 1, 2, nil, 0.1, 10, 10)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "LABEL_0", dets[0].Label)
	assert.Equal(t, 0.0, dets[0].Box.XMin, "box must be clamped to the frame")
	assert.InDelta(t, 1.0/3.0, dets[0].Score, 1e-9)
}

func TestDecodeSetPrediction_ShortTensors(t *testing.T) {
	_, err := decodeSetPrediction([]float32{1}, []float32{1, 2, 3, 4}, 1, 2, nil, 0.5, 1, 1)
	assert.Error(t, err)
	_, err = decodeSetPrediction([]float32{1, 2, 3}, []float32{1}, 1, 2, nil, 0.5, 1, 1)
	assert.Error(t, err)
}

func TestSoftmax_SumsToOne(t *testing.T) {
	out := make([]float64, 4)
	softmax([]float32{1, 2, 3, 4}, out)
	var sum float64
	for _, v := range out {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.False(t, math.IsNaN(out[0]))
}

func TestReadLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id2label":{"0":"N/A","2":"bicycle","1":"person"}}`), 0o644))

	labels, err := readLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"N/A", "person", "bicycle"}, labels)
}

func TestReadLabels_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"empty.json": `{}`,
		"bad.json":   `{"id2label":{"x":"y"}}`,
		"junk.json":  `not json`,
	}
	for name, body := range tests {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := readLabels(path)
		assert.Error(t, err, name)
	}
	_, err := readLabels(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestAcceleratorProbe_Disallowed(t *testing.T) {
	assert.Equal(t, engine.DevicePortable, AcceleratorProbe(false)(context.Background()))
}
