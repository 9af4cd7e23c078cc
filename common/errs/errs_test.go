package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindAndCodeOf(t *testing.T) {
	user := User(CodeInvalidFlow, "bad flow")
	assert.Equal(t, KindUserError, KindOf(user))
	assert.Equal(t, CodeInvalidFlow, CodeOf(user))

	system := System(CodeUnexpected, "broken invariant")
	assert.Equal(t, KindSystemError, KindOf(system))

	wrapped := fmt.Errorf("context: %w", user)
	assert.Equal(t, KindUserError, KindOf(wrapped))
	assert.Equal(t, CodeInvalidFlow, CodeOf(wrapped))

	// Errors outside the taxonomy are system errors.
	raw := errors.New("plain")
	assert.Equal(t, KindSystemError, KindOf(raw))
	assert.Equal(t, CodeUnexpected, CodeOf(raw))

	bulk := &BulkRunError{Message: "some lines failed"}
	assert.Equal(t, KindUserError, KindOf(bulk))
	assert.Equal(t, CodeBulkRun, CodeOf(bulk))
}

func TestToolExecutionInheritsCause(t *testing.T) {
	cause := errors.New("division by zero")
	err := ToolExecution("classify", "package:classify@1", cause)

	assert.Equal(t, KindUserError, KindOf(err))
	assert.Equal(t, CodeToolExecution, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), `execution failure in "classify"`)
}

func TestResolveToolInheritsKind(t *testing.T) {
	fromUser := ResolveTool("classify", User(CodeConnectionNotFound, "connection missing"))
	assert.Equal(t, KindUserError, fromUser.Kind())

	fromSystem := ResolveTool("classify", errors.New("registry broken"))
	assert.Equal(t, KindSystemError, fromSystem.Kind())
	assert.Equal(t, CodeResolveTool, fromSystem.Code())
}

func TestLineTimeoutMessage(t *testing.T) {
	err := LineTimeout(7, 600*time.Second)
	assert.Equal(t, "Line 7 execution timeout for exceeding 600 seconds", err.Error())
	assert.Equal(t, CodeLineTimeout, err.Code())
	assert.Equal(t, KindUserError, err.Kind())
}

func TestToDict(t *testing.T) {
	assert.Nil(t, ToDict(nil))

	d := ToDict(User(CodeInvalidRequest, "missing input").WithTarget("executor"))
	assert.Equal(t, "UserError", d["code"])
	assert.Equal(t, "executor: missing input", d["message"])
	assert.Equal(t, "", d["messageFormat"])
	assert.Equal(t, "executor", d["target"])

	inner, ok := d["innerError"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidRequest, inner["code"])
	assert.Nil(t, inner["innerError"])
}

func TestToDictBulkRunError(t *testing.T) {
	bulk := &BulkRunError{
		Message:     "Failed to run 2/5 lines. First error message is: boom",
		FailedLines: 2,
		TotalLines:  5,
		LineErrors:  []map[string]any{{"message": "boom"}},
	}
	d := ToDict(bulk)
	assert.Equal(t, "UserError", d["code"])
	assert.Equal(t, bulk.Message, d["message"])

	additional, ok := d["additionalInfo"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, additional, 1)
	assert.Equal(t, "BulkRunError", additional[0]["type"])

	info, ok := additional[0]["info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, info["failed_lines"])
	assert.Equal(t, 5, info["total_lines"])
	assert.Len(t, info["errors"], 1)
}
