// Package onnx is an engine backend running ONNX detectors through OpenCV's
// DNN module: DETR-family set-prediction models (YOLOS, DETR) for
// single-label detection and OWL-ViT for open-vocabulary detection.
package onnx

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/jack-braga/kitchen-sync/internal/engine"
	"github.com/jack-braga/kitchen-sync/internal/modelhub"
	"github.com/jack-braga/kitchen-sync/internal/types"
)

// Per-channel normalization of the two preprocessors
var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
	clipMean     = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd      = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Config configures the backend
type Config struct {
	Hub *modelhub.Hub
	// Files fetched for every model, relative to the model root
	Files []string
	// ModelFile is the ONNX graph among Files
	ModelFile string
	// InputWidth and InputHeight are the network input size (default 512x512)
	InputWidth  int
	InputHeight int
	// Output tensor names (default "logits", "pred_boxes")
	LogitsOutput string
	BoxesOutput  string

	// OpenVocabularyFiles are fetched for open-vocabulary models
	OpenVocabularyFiles []string
	// TokenizerFile is the tokenizer.json among OpenVocabularyFiles
	TokenizerFile string
	// OpenVocabularyInput is the square image input size (default 768)
	OpenVocabularyInput int
	// MaxQueryTokens is the padded text query length (default 16)
	MaxQueryTokens int
}

// DefaultFiles are the files of a transformers.js-style ONNX export
var DefaultFiles = []string{"config.json", "preprocessor_config.json", "onnx/model.onnx"}

// OpenVocabularyFiles are the files of an OWL-ViT ONNX export
var OpenVocabularyFiles = []string{"config.json", "tokenizer.json", "onnx/model.onnx"}

// FilesFor returns the files a model of the given task needs in the cache
func FilesFor(task types.Task) []string {
	if task == types.TaskOpenVocabulary {
		return OpenVocabularyFiles
	}
	return DefaultFiles
}

// Backend loads ONNX detectors
type Backend struct {
	cfg Config
}

// New creates a backend
func New(cfg Config) (*Backend, error) {
	if cfg.Hub == nil {
		return nil, fmt.Errorf("onnx: model hub is required")
	}
	if len(cfg.Files) == 0 {
		cfg.Files = DefaultFiles
	}
	if cfg.ModelFile == "" {
		cfg.ModelFile = "onnx/model.onnx"
	}
	if cfg.InputWidth <= 0 {
		cfg.InputWidth = 512
	}
	if cfg.InputHeight <= 0 {
		cfg.InputHeight = 512
	}
	if cfg.LogitsOutput == "" {
		cfg.LogitsOutput = "logits"
	}
	if cfg.BoxesOutput == "" {
		cfg.BoxesOutput = "pred_boxes"
	}
	if len(cfg.OpenVocabularyFiles) == 0 {
		cfg.OpenVocabularyFiles = OpenVocabularyFiles
	}
	if cfg.TokenizerFile == "" {
		cfg.TokenizerFile = "tokenizer.json"
	}
	if cfg.OpenVocabularyInput <= 0 {
		cfg.OpenVocabularyInput = 768
	}
	if cfg.MaxQueryTokens <= 2 {
		cfg.MaxQueryTokens = 16
	}
	return &Backend{cfg: cfg}, nil
}

// Load fetches the model files and builds the network on the requested
// device. The task selects the model family.
func (b *Backend) Load(ctx context.Context, req engine.LoadRequest) (engine.Model, error) {
	if req.Identity.Task == types.TaskOpenVocabulary {
		return b.loadOpenVocabulary(ctx, req)
	}

	dir, err := b.cfg.Hub.Fetch(ctx, req.Identity.ModelID, b.cfg.Files, req.Progress)
	if err != nil {
		return nil, err
	}

	labels, err := readLabels(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}

	net, err := b.readNet(dir, req.Device)
	if err != nil {
		return nil, err
	}

	slog.Info("onnx: network loaded",
		"model_id", req.Identity.ModelID,
		"device", req.Device,
		"classes", len(labels),
		"input", fmt.Sprintf("%dx%d", b.cfg.InputWidth, b.cfg.InputHeight),
	)

	return &model{
		id:     req.Identity.ModelID,
		net:    net,
		labels: labels,
		cfg:    b.cfg,
	}, nil
}

// readNet reads the ONNX graph under dir and places it on device
func (b *Backend) readNet(dir string, device engine.Device) (gocv.Net, error) {
	modelPath := filepath.Join(dir, filepath.FromSlash(b.cfg.ModelFile))
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		net.Close()
		return gocv.Net{}, fmt.Errorf("onnx: failed to read network from %s", modelPath)
	}

	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if device == engine.DeviceAccelerated {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return gocv.Net{}, fmt.Errorf("onnx: set backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return gocv.Net{}, fmt.Errorf("onnx: set target: %w", err)
	}
	return net, nil
}

type model struct {
	id     string
	labels []string
	cfg    Config

	mu     sync.Mutex
	net    gocv.Net
	closed bool
}

func (m *model) Detect(ctx context.Context, frame *types.Frame, opts engine.DetectOptions) ([]types.Detection, error) {
	if len(opts.CandidateLabels) > 0 {
		return nil, fmt.Errorf("onnx: %s: %w", m.id, engine.ErrOpenVocabularyUnsupported)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("onnx: model %s is closed", m.id)
	}

	blob, err := pixelBlob(frame, m.cfg.InputWidth, m.cfg.InputHeight, imageNetMean, imageNetStd)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	m.net.SetInput(blob, "")
	outs := m.net.ForwardLayers([]string{m.cfg.LogitsOutput, m.cfg.BoxesOutput})
	defer closeAll(outs)
	if len(outs) != 2 {
		return nil, fmt.Errorf("onnx: expected 2 outputs, got %d", len(outs))
	}

	logitsShape := outs[0].Size()
	if len(logitsShape) != 3 {
		return nil, fmt.Errorf("onnx: unexpected logits shape %v", logitsShape)
	}
	queries, classes := logitsShape[1], logitsShape[2]-1

	logits, err := outs[0].DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("onnx: read logits: %w", err)
	}
	boxes, err := outs[1].DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("onnx: read boxes: %w", err)
	}

	return decodeSetPrediction(logits, boxes, queries, classes, m.labels, opts.Threshold, frame.Width, frame.Height)
}

// pixelBlob resizes an RGBA frame into a normalized NCHW float blob. The
// caller closes the blob.
func pixelBlob(frame *types.Frame, width, height int, mean, std [3]float32) (gocv.Mat, error) {
	rgba, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC4, frame.Pix)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("onnx: wrap frame: %w", err)
	}
	defer rgba.Close()

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(rgba, &rgb, gocv.ColorRGBAToRGB)

	blob := gocv.BlobFromImage(rgb, 1.0/255.0, image.Pt(width, height), gocv.NewScalar(0, 0, 0, 0), false, false)
	if err := normalize(blob, width*height, mean, std); err != nil {
		blob.Close()
		return gocv.Mat{}, err
	}
	return blob, nil
}

func closeAll(mats []gocv.Mat) {
	for i := range mats {
		mats[i].Close()
	}
}

// normalize applies per-channel mean/std to an NCHW blob in place
func normalize(blob gocv.Mat, plane int, mean, std [3]float32) error {
	data, err := blob.DataPtrFloat32()
	if err != nil {
		return fmt.Errorf("onnx: read input blob: %w", err)
	}
	if len(data) < 3*plane {
		return fmt.Errorf("onnx: input blob has %d values, want %d", len(data), 3*plane)
	}
	for c := 0; c < 3; c++ {
		ch := data[c*plane : (c+1)*plane]
		for i := range ch {
			ch[i] = (ch[i] - mean[c]) / std[c]
		}
	}
	return nil
}

func (m *model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.net.Close()
}

// AcceleratorProbe selects the CUDA backend when allowed and an NVIDIA
// device node is present.
func AcceleratorProbe(allowed bool) engine.ProbeFunc {
	return func(context.Context) engine.Device {
		if !allowed {
			return engine.DevicePortable
		}
		for _, node := range []string{"/dev/nvidia0", "/proc/driver/nvidia/version"} {
			if _, err := os.Stat(node); err == nil {
				return engine.DeviceAccelerated
			}
		}
		return engine.DevicePortable
	}
}
