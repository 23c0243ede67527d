package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/jack-braga/kitchen-sync/internal/engine"
	"github.com/jack-braga/kitchen-sync/internal/types"
)

// Input names of an OWL-ViT export
const (
	inputIDs    = "input_ids"
	inputMask   = "attention_mask"
	inputPixels = "pixel_values"
)

func (b *Backend) loadOpenVocabulary(ctx context.Context, req engine.LoadRequest) (engine.Model, error) {
	dir, err := b.cfg.Hub.Fetch(ctx, req.Identity.ModelID, b.cfg.OpenVocabularyFiles, req.Progress)
	if err != nil {
		return nil, err
	}

	tok, err := loadCLIPTokenizer(filepath.Join(dir, filepath.FromSlash(b.cfg.TokenizerFile)))
	if err != nil {
		return nil, err
	}

	net, err := b.readNet(dir, req.Device)
	if err != nil {
		return nil, err
	}

	slog.Info("onnx: open-vocabulary network loaded",
		"model_id", req.Identity.ModelID,
		"device", req.Device,
		"vocab", len(tok.vocab),
		"input", fmt.Sprintf("%dx%d", b.cfg.OpenVocabularyInput, b.cfg.OpenVocabularyInput),
	)

	return &openVocabularyModel{
		id:  req.Identity.ModelID,
		net: net,
		tok: tok,
		cfg: b.cfg,
	}, nil
}

// openVocabularyModel scores image patches against tokenized text queries
type openVocabularyModel struct {
	id  string
	tok *clipTokenizer
	cfg Config

	mu     sync.Mutex
	net    gocv.Net
	closed bool
}

func (m *openVocabularyModel) Detect(ctx context.Context, frame *types.Frame, opts engine.DetectOptions) ([]types.Detection, error) {
	if len(opts.CandidateLabels) == 0 {
		return nil, fmt.Errorf("onnx: %s: %w (candidate labels required)", m.id, engine.ErrOpenVocabularyUnsupported)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("onnx: model %s is closed", m.id)
	}

	size := m.cfg.OpenVocabularyInput
	pixels, err := pixelBlob(frame, size, size, clipMean, clipStd)
	if err != nil {
		return nil, err
	}
	defer pixels.Close()

	width := m.cfg.MaxQueryTokens
	ids, mask := m.tok.queries(opts.CandidateLabels, width)
	idMat, err := int32Mat(ids, len(opts.CandidateLabels), width)
	if err != nil {
		return nil, err
	}
	defer idMat.Close()
	maskMat, err := int32Mat(mask, len(opts.CandidateLabels), width)
	if err != nil {
		return nil, err
	}
	defer maskMat.Close()

	m.net.SetInput(idMat, inputIDs)
	m.net.SetInput(maskMat, inputMask)
	m.net.SetInput(pixels, inputPixels)
	outs := m.net.ForwardLayers([]string{m.cfg.LogitsOutput, m.cfg.BoxesOutput})
	defer closeAll(outs)
	if len(outs) != 2 {
		return nil, fmt.Errorf("onnx: expected 2 outputs, got %d", len(outs))
	}

	shape := outs[0].Size()
	if len(shape) != 3 {
		return nil, fmt.Errorf("onnx: unexpected logits shape %v", shape)
	}
	patches, queries := shape[1], shape[2]

	logits, err := outs[0].DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("onnx: read logits: %w", err)
	}
	boxes, err := outs[1].DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("onnx: read boxes: %w", err)
	}

	return decodeOpenVocabulary(logits, boxes, patches, queries, opts.CandidateLabels, opts.Threshold, frame.Width, frame.Height)
}

func (m *openVocabularyModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.net.Close()
}

// int32Mat copies a rows×cols matrix into a CV_32S Mat
func int32Mat(values []int32, rows, cols int) (gocv.Mat, error) {
	mat := gocv.NewMatWithSizes([]int{rows, cols}, gocv.MatTypeCV32S)
	data, err := mat.DataPtrInt32()
	if err != nil {
		mat.Close()
		return gocv.Mat{}, fmt.Errorf("onnx: text input: %w", err)
	}
	copy(data, values)
	return mat, nil
}
