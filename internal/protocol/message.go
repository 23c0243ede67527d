// Package protocol defines the messages exchanged between the inference
// client and the isolated engine, and the transports that carry them.
//
// Every message is one-directional. The client sends load-model, detect and
// unload-model; the engine answers with model-loading, model-ready,
// model-error, detection-result and detection-error. Messages are delivered
// and processed in send order.
package protocol

import (
	"github.com/jack-braga/kitchen-sync/internal/types"
)

// Kind is the message discriminator carried in the type field
type Kind string

const (
	// Client → engine
	KindLoadModel   Kind = "load-model"
	KindDetect      Kind = "detect"
	KindUnloadModel Kind = "unload-model"

	// Engine → client
	KindModelLoading    Kind = "model-loading"
	KindModelReady      Kind = "model-ready"
	KindModelError      Kind = "model-error"
	KindDetectionResult Kind = "detection-result"
	KindDetectionError  Kind = "detection-error"
)

// Code is the machine-readable error code carried next to error messages
type Code string

const (
	CodeModelNotLoaded  Code = "model-not-loaded"
	CodeDetectionFailed Code = "detection-failed"
	CodeModelLoadFailed Code = "model-load-failed"
	CodeUnknownMessage  Code = "unknown-message"
)

// Image is the wire form of a frame
type Image struct {
	Width   int    `json:"width" msgpack:"width" cbor:"width"`
	Height  int    `json:"height" msgpack:"height" cbor:"height"`
	Pix     []byte `json:"pix" msgpack:"pix" cbor:"pix"`
	Seq     uint64 `json:"seq,omitempty" msgpack:"seq,omitempty" cbor:"seq,omitempty"`
	TraceID string `json:"trace_id,omitempty" msgpack:"trace_id,omitempty" cbor:"trace_id,omitempty"`
}

// Message is the single envelope for every protocol message. Only the fields
// relevant to Type are set.
type Message struct {
	Type      Kind   `json:"type" msgpack:"type" cbor:"type"`
	RequestID uint64 `json:"request_id,omitempty" msgpack:"request_id,omitempty" cbor:"request_id,omitempty"`

	// load-model, model-ready
	ModelID string     `json:"model_id,omitempty" msgpack:"model_id,omitempty" cbor:"model_id,omitempty"`
	Task    types.Task `json:"task,omitempty" msgpack:"task,omitempty" cbor:"task,omitempty"`

	// detect
	Image           *Image   `json:"image,omitempty" msgpack:"image,omitempty" cbor:"image,omitempty"`
	Threshold       float64  `json:"threshold,omitempty" msgpack:"threshold,omitempty" cbor:"threshold,omitempty"`
	CandidateLabels []string `json:"candidate_labels,omitempty" msgpack:"candidate_labels,omitempty" cbor:"candidate_labels,omitempty"`

	// model-loading
	Progress *types.ModelLoadProgress `json:"progress,omitempty" msgpack:"progress,omitempty" cbor:"progress,omitempty"`

	// detection-result
	Detections []types.Detection `json:"detections,omitempty" msgpack:"detections,omitempty" cbor:"detections,omitempty"`

	// model-error, detection-error
	Error string `json:"error,omitempty" msgpack:"error,omitempty" cbor:"error,omitempty"`
	Code  Code   `json:"code,omitempty" msgpack:"code,omitempty" cbor:"code,omitempty"`

	// frame is set when the message travels in-process; ownership moves with it
	frame *types.Frame
}

// LoadModel builds a load-model request
func LoadModel(requestID uint64, id types.ModelIdentity) Message {
	return Message{Type: KindLoadModel, RequestID: requestID, ModelID: id.ModelID, Task: id.Task}
}

// Detect builds a detect request. Ownership of frame moves into the message:
// the transport releases it once the pixels have been handed over.
func Detect(requestID uint64, frame *types.Frame, threshold float64, candidateLabels []string) Message {
	return Message{
		Type:      KindDetect,
		RequestID: requestID,
		Image: &Image{
			Width:   frame.Width,
			Height:  frame.Height,
			Pix:     frame.Pix,
			Seq:     frame.Seq,
			TraceID: frame.TraceID,
		},
		Threshold:       threshold,
		CandidateLabels: candidateLabels,
		frame:           frame,
	}
}

// UnloadModel builds an unload-model request
func UnloadModel() Message {
	return Message{Type: KindUnloadModel}
}

// ModelLoading builds a progress notification
func ModelLoading(requestID uint64, p types.ModelLoadProgress) Message {
	return Message{Type: KindModelLoading, RequestID: requestID, Progress: &p}
}

// ModelReady builds a ready notification
func ModelReady(requestID uint64, modelID string) Message {
	return Message{Type: KindModelReady, RequestID: requestID, ModelID: modelID}
}

// ModelError builds a load failure notification
func ModelError(requestID uint64, err string) Message {
	return Message{Type: KindModelError, RequestID: requestID, Error: err, Code: CodeModelLoadFailed}
}

// DetectionResult builds a detect response
func DetectionResult(requestID uint64, detections []types.Detection) Message {
	if detections == nil {
		detections = []types.Detection{}
	}
	return Message{Type: KindDetectionResult, RequestID: requestID, Detections: detections}
}

// DetectionError builds a detect failure response
func DetectionError(requestID uint64, code Code, err string) Message {
	return Message{Type: KindDetectionError, RequestID: requestID, Error: err, Code: code}
}

// TakeFrame returns the frame carried by a detect message and transfers its
// ownership to the caller, who must Release it. Messages decoded from a byte
// stream get a frame wrapping the decoded pixels. Returns nil when the message
// carries no image.
func (m *Message) TakeFrame() *types.Frame {
	if m.frame != nil {
		f := m.frame
		m.frame = nil
		m.Image = nil
		return f
	}
	if m.Image == nil {
		return nil
	}
	f := types.WrapFrame(m.Image.Width, m.Image.Height, m.Image.Pix)
	f.Seq = m.Image.Seq
	f.TraceID = m.Image.TraceID
	m.Image = nil
	return f
}

// ReleaseFrame drops the in-process frame, if any. Byte-stream transports call
// it once the message has been encoded.
func (m *Message) ReleaseFrame() {
	if m.frame != nil {
		m.frame.Release()
		m.frame = nil
	}
}

// IsResponse reports whether the kind flows from engine to client
func (k Kind) IsResponse() bool {
	switch k {
	case KindModelLoading, KindModelReady, KindModelError, KindDetectionResult, KindDetectionError:
		return true
	}
	return false
}
