package inference

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartProcess_RequiresPath(t *testing.T) {
	_, err := StartProcess(context.Background(), ProcessConfig{})
	assert.Error(t, err)
}

func TestStartProcess_MissingBinary(t *testing.T) {
	_, err := StartProcess(context.Background(), ProcessConfig{
		Path: filepath.Join(t.TempDir(), "detect-engine"),
	})
	assert.Error(t, err)
}

func TestContainsAny(t *testing.T) {
	line := `{"time":"2026-01-02T10:00:00Z","level":"ERROR","msg":"engine: model load failed"}`
	assert.True(t, containsAny(line, `"level":"WARN"`, `"level":"ERROR"`))
	assert.False(t, containsAny(line, `"level":"WARN"`))
	assert.False(t, containsAny("", "x"))
}
