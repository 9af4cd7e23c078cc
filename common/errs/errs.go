// Package errs defines the error taxonomy shared by the executor, the
// batch engine and the storage layer. Errors carry a kind (who is at
// fault), a stable code and an optional target (node, line, module) and
// serialize to the structured form persisted in exception.json.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies who is responsible for an error.
type Kind string

const (
	// KindUserError covers invalid flows, invalid input mappings, missing
	// connections, tool failures attributable to user code, line timeouts
	// and canceled runs.
	KindUserError Kind = "UserError"
	// KindSystemError covers internal invariant violations.
	KindSystemError Kind = "SystemError"
)

// Stable error codes.
const (
	CodeToolExecution      = "ToolExecutionError"
	CodeResolveTool        = "ResolveToolError"
	CodeInputMapping       = "InputMappingError"
	CodeLineTimeout        = "LineExecutionTimeoutError"
	CodeConnectionNotFound = "ConnectionNotFoundError"
	CodeInvalidFlow        = "InvalidFlowError"
	CodeInvalidRequest     = "InvalidRequestError"
	CodeNoNodeExecuted     = "NoNodeExecutedError"
	CodeUnexpected         = "UnexpectedError"
	CodeRunExists          = "RunExistsError"
	CodeRunNotFound        = "RunNotFoundError"
	CodeInvalidConfigValue = "InvalidConfigValue"
	CodeInvalidRunName     = "InvalidRunNameError"
	CodeCanceled           = "CanceledError"
	CodeBulkRun            = "BulkRunError"
)

// Error is the structured error type used across the engine.
type Error struct {
	kind    Kind
	code    string
	message string
	target  string
	inner   error
}

func (e *Error) Error() string {
	if e.target != "" {
		return fmt.Sprintf("%s: %s", e.target, e.message)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.inner }

// Kind returns the error's responsibility classification.
func (e *Error) Kind() Kind { return e.kind }

// Code returns the stable error code.
func (e *Error) Code() string { return e.code }

// Target returns the node, line or module the error is attributed to.
func (e *Error) Target() string { return e.target }

// WithTarget attaches the failing node, line or module.
func (e *Error) WithTarget(target string) *Error {
	e.target = target
	return e
}

// User constructs a UserError with the given code.
func User(code, format string, args ...any) *Error {
	return &Error{kind: KindUserError, code: code, message: fmt.Sprintf(format, args...)}
}

// System constructs a SystemError with the given code.
func System(code, format string, args ...any) *Error {
	return &Error{kind: KindSystemError, code: code, message: fmt.Sprintf(format, args...)}
}

// ToolExecution wraps a tool failure, attributed to the user's tool code.
func ToolExecution(node, module string, inner error) *Error {
	return &Error{
		kind:    KindUserError,
		code:    CodeToolExecution,
		message: fmt.Sprintf("execution failure in %q: %v", node, inner),
		target:  module,
		inner:   inner,
	}
}

// ResolveTool wraps an error raised while loading or binding a tool. It
// inherits the inner error's classification.
func ResolveTool(node string, inner error) *Error {
	return &Error{
		kind:    KindOf(inner),
		code:    CodeResolveTool,
		message: fmt.Sprintf("failed to resolve tool for node %q: %v", node, inner),
		target:  node,
		inner:   inner,
	}
}

// InputMapping constructs the batch input-mapping user error.
func InputMapping(format string, args ...any) *Error {
	return User(CodeInputMapping, format, args...)
}

// LineTimeout constructs the synthetic per-line timeout error.
func LineTimeout(line int, timeout time.Duration) *Error {
	return User(CodeLineTimeout,
		"Line %d execution timeout for exceeding %d seconds", line, int(timeout.Seconds()))
}

// Canceled constructs the canceled-line error.
func Canceled(line int) *Error {
	return User(CodeCanceled, "Line %d execution canceled", line)
}

// KindOf returns the kind of any error. Errors outside the taxonomy are
// system errors; nothing inside the engine should surface them raw.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	var b *BulkRunError
	if errors.As(err, &b) {
		return KindUserError
	}
	return KindSystemError
}

// CodeOf returns the stable code of any error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	var b *BulkRunError
	if errors.As(err, &b) {
		return CodeBulkRun
	}
	return CodeUnexpected
}

// BulkRunError summarizes a batch where at least one line failed. The
// batch itself still completes; this is surfaced on run get and written
// to exception.json.
type BulkRunError struct {
	Message     string
	FailedLines int
	TotalLines  int
	LineErrors  []map[string]any
}

func (e *BulkRunError) Error() string { return e.Message }

// ToDict serializes an error to its persisted structured form.
func ToDict(err error) map[string]any {
	if err == nil {
		return nil
	}
	d := map[string]any{
		"code":          string(KindOf(err)),
		"message":       err.Error(),
		"messageFormat": "",
		"innerError": map[string]any{
			"code":       CodeOf(err),
			"innerError": nil,
		},
	}
	var e *Error
	if errors.As(err, &e) && e.target != "" {
		d["target"] = e.target
	}
	var b *BulkRunError
	if errors.As(err, &b) {
		d["additionalInfo"] = []map[string]any{
			{
				"type": "BulkRunError",
				"info": map[string]any{
					"failed_lines": b.FailedLines,
					"total_lines":  b.TotalLines,
					"errors":       b.LineErrors,
				},
			},
		}
	}
	return d
}
