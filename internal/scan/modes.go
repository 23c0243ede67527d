package scan

import (
	"github.com/jack-braga/kitchen-sync/internal/settings"
	"github.com/jack-braga/kitchen-sync/internal/types"
)

// ModeSpec is the model a scan mode runs
type ModeSpec struct {
	Identity  types.ModelIdentity `json:"identity"`
	Threshold float64             `json:"threshold"`
	SizeMB    int                 `json:"size_mb"`
}

// DefaultModes are the built-in scan modes
func DefaultModes() map[settings.ScanMode]ModeSpec {
	return map[settings.ScanMode]ModeSpec{
		settings.ModeQuick: {
			Identity:  types.ModelIdentity{ModelID: "Xenova/yolos-tiny", Task: types.TaskSingleLabel},
			Threshold: 0.5,
			SizeMB:    28,
		},
		settings.ModeDeep: {
			Identity:  types.ModelIdentity{ModelID: "Xenova/owlvit-base-patch32", Task: types.TaskOpenVocabulary},
			Threshold: 0.3,
			SizeMB:    350,
		},
	}
}
