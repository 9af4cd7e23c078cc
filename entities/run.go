// Package entities defines the run record tracked by the local run
// management surface and its storage backends.
package entities

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/contracts"
)

// FlowDirectoryMacro expands to the flow folder inside a configured
// output path.
const FlowDirectoryMacro = "${flow_directory}"

// runNamePattern accepts names starting with an alphanumeric character
// followed by alphanumerics, underscores, dots and hyphens.
var runNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Run is one batch run of a flow.
type Run struct {
	Name          string            `json:"name"`
	FlowPath      string            `json:"flow_path"`
	VariantID     string            `json:"variant_id,omitempty"`
	Data          map[string]string `json:"data,omitempty"`           // alias -> input path
	ColumnMapping map[string]string `json:"column_mapping,omitempty"` // flow input -> expression
	OutputPath    string            `json:"output_path"`              // the run folder
	Status        contracts.Status  `json:"status"`
	DisplayName   string            `json:"display_name,omitempty"`
	Description   string            `json:"description,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Properties    map[string]any    `json:"properties,omitempty"` // opaque caller metadata
	Archived      bool              `json:"archived"`
	CreatedOn     time.Time         `json:"created_on"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
}

// ValidateRunName rejects names the artifact layout cannot host.
func ValidateRunName(name string) error {
	if !runNamePattern.MatchString(name) {
		return errs.User(errs.CodeInvalidRunName,
			"run name %q is invalid: it must start with a letter or digit and contain only letters, digits, '_', '.' and '-'", name)
	}
	return nil
}

// GenerateRunName derives the default run name from the flow folder, the
// active variant and the creation time.
func GenerateRunName(flowPath, variantID string, now time.Time) string {
	base := sanitizeNamePart(filepath.Base(filepath.Clean(flowPath)))
	stamp := now.Format("20060102_150405") + fmt.Sprintf("_%06d", now.Nanosecond()/1000)
	if variantID == "" {
		return fmt.Sprintf("%s_%s", base, stamp)
	}
	return fmt.Sprintf("%s_%s_%s", base, sanitizeNamePart(variantID), stamp)
}

func sanitizeNamePart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._-")
	if out == "" {
		return "flow"
	}
	return out
}

// ResolveOutputPath decides the run folder. A configured path may carry
// the ${flow_directory} macro; a path that degenerates to the flow folder
// itself would let the run overwrite the flow and is rejected. With no
// configuration the run lands under ~/.promptflow/.runs/<name>.
func ResolveOutputPath(configured, flowPath, runName string) (string, error) {
	if configured == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errs.System(errs.CodeUnexpected, "failed to locate home directory: %v", err)
		}
		return filepath.Join(home, ".promptflow", ".runs", runName), nil
	}
	expanded := strings.ReplaceAll(configured, FlowDirectoryMacro, flowPath)
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", errs.User(errs.CodeInvalidConfigValue, "invalid run output path %q: %v", configured, err)
	}
	flowAbs, err := filepath.Abs(flowPath)
	if err != nil {
		return "", errs.User(errs.CodeInvalidConfigValue, "invalid flow path %q: %v", flowPath, err)
	}
	if abs == flowAbs {
		return "", errs.User(errs.CodeInvalidConfigValue,
			"run output path %q resolves to the flow directory itself", configured)
	}
	return filepath.Join(abs, runName), nil
}
