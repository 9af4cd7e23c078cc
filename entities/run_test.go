package entities

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/promptflow/common/errs"
)

func TestValidateRunName(t *testing.T) {
	valid := []string{"run1", "web_classification_variant_0_20240101_120000_000001", "a", "0.1-rc"}
	for _, name := range valid {
		assert.NoError(t, ValidateRunName(name), name)
	}

	invalid := []string{"", "_leading", ".hidden", "-dash", "has space", "slash/es", "col:on"}
	for _, name := range invalid {
		err := ValidateRunName(name)
		require.Error(t, err, name)
		assert.Equal(t, errs.CodeInvalidRunName, errs.CodeOf(err))
	}
}

func TestGenerateRunName(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 45, 123456000, time.UTC)

	name := GenerateRunName("/flows/web classification", "variant_0", now)
	assert.Equal(t, "web_classification_variant_0_20240315_093045_123456", name)
	assert.NoError(t, ValidateRunName(name))

	name = GenerateRunName("/flows/qa", "", now)
	assert.Equal(t, "qa_20240315_093045_123456", name)

	// Generated names stay unique at microsecond granularity.
	other := GenerateRunName("/flows/qa", "", now.Add(time.Microsecond))
	assert.NotEqual(t, name, other)
}

func TestResolveOutputPathDefault(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	path, err := ResolveOutputPath("", "/flows/qa", "run1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".promptflow", ".runs", "run1"), path)
}

func TestResolveOutputPathMacro(t *testing.T) {
	flowDir := t.TempDir()

	path, err := ResolveOutputPath(FlowDirectoryMacro+"/.runs", flowDir, "run1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(flowDir, ".runs", "run1"), path)

	configured := filepath.Join(t.TempDir(), "outputs")
	path, err = ResolveOutputPath(configured, flowDir, "run1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(configured, "run1"), path)
}

func TestResolveOutputPathRejectsFlowDirectory(t *testing.T) {
	flowDir := t.TempDir()

	for _, configured := range []string{flowDir, FlowDirectoryMacro} {
		_, err := ResolveOutputPath(configured, flowDir, "run1")
		require.Error(t, err, configured)
		assert.Equal(t, errs.CodeInvalidConfigValue, errs.CodeOf(err))
		assert.Contains(t, err.Error(), "flow directory")
	}
}

func sampleRun(name string, createdOn time.Time) *Run {
	return &Run{
		Name:          name,
		FlowPath:      "/flows/qa",
		Data:          map[string]string{"data": "/data/test.jsonl"},
		ColumnMapping: map[string]string{"text": "${data.text}"},
		OutputPath:    fmt.Sprintf("/runs/%s", name),
		Status:        "NotStarted",
		CreatedOn:     createdOn,
	}
}
