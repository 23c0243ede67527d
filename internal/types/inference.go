package types

import "fmt"

// Box is a bounding box in pixel coordinates of the source frame
type Box struct {
	XMin float64 `json:"xmin" msgpack:"xmin" cbor:"xmin"`
	YMin float64 `json:"ymin" msgpack:"ymin" cbor:"ymin"`
	XMax float64 `json:"xmax" msgpack:"xmax" cbor:"xmax"`
	YMax float64 `json:"ymax" msgpack:"ymax" cbor:"ymax"`
}

// Width returns the box width
func (b Box) Width() float64 { return b.XMax - b.XMin }

// Height returns the box height
func (b Box) Height() float64 { return b.YMax - b.YMin }

// Detection is one model output
type Detection struct {
	Label string  `json:"label" msgpack:"label" cbor:"label"`
	Score float64 `json:"score" msgpack:"score" cbor:"score"`
	Box   Box     `json:"box" msgpack:"box" cbor:"box"`
}

// Task selects how a model produces labels
type Task string

const (
	// TaskSingleLabel uses the fixed label set of the model
	TaskSingleLabel Task = "single-label-detection"
	// TaskOpenVocabulary takes candidate labels per detect call
	TaskOpenVocabulary Task = "open-vocabulary-detection"
)

// Valid reports whether t is a known task
func (t Task) Valid() bool {
	return t == TaskSingleLabel || t == TaskOpenVocabulary
}

// ParseTask accepts the task names used in configs, including the
// object-detection aliases used by model hubs.
func ParseTask(s string) (Task, error) {
	switch s {
	case string(TaskSingleLabel), "object-detection":
		return TaskSingleLabel, nil
	case string(TaskOpenVocabulary), "zero-shot-object-detection":
		return TaskOpenVocabulary, nil
	}
	return "", fmt.Errorf("unknown task %q", s)
}

// ModelIdentity names a model and the task it runs
type ModelIdentity struct {
	ModelID string `json:"model_id" msgpack:"model_id" cbor:"model_id"`
	Task    Task   `json:"task" msgpack:"task" cbor:"task"`
}

func (m ModelIdentity) String() string {
	return fmt.Sprintf("%s (%s)", m.ModelID, m.Task)
}

// ProgressStatus is the per-file load status
type ProgressStatus string

const (
	ProgressInitiate ProgressStatus = "initiate"
	ProgressDownload ProgressStatus = "download"
	ProgressProgress ProgressStatus = "progress"
	ProgressDone     ProgressStatus = "done"
)

// Rank orders statuses so regressions can be detected. Unknown statuses rank
// as progress.
func (s ProgressStatus) Rank() int {
	switch s {
	case ProgressInitiate:
		return 0
	case ProgressDownload:
		return 1
	case ProgressDone:
		return 3
	default:
		return 2
	}
}

// ModelLoadProgress reports the state of one file of a model load.
// Loaded and Total are bytes; zero means unknown.
type ModelLoadProgress struct {
	File     string         `json:"file" msgpack:"file" cbor:"file"`
	Status   ProgressStatus `json:"status" msgpack:"status" cbor:"status"`
	Progress float64        `json:"progress,omitempty" msgpack:"progress,omitempty" cbor:"progress,omitempty"`
	Loaded   int64          `json:"loaded,omitempty" msgpack:"loaded,omitempty" cbor:"loaded,omitempty"`
	Total    int64          `json:"total,omitempty" msgpack:"total,omitempty" cbor:"total,omitempty"`
}
