// Package diag carries the Fatal error tier: failures that abort the whole
// VM with a structured diagnostic and no unwinding (OOM, module checksum
// mismatch, linker unresolved import). Task-tier and recoverable-tier errors
// live with the task and interp packages respectively.
package diag

import (
	"fmt"

	"github.com/go-stack/stack"
)

// Code classifies a fatal diagnostic, and doubles as the process exit code
// where one applies.
type Code int

const (
	CodeInternal Code = iota
	CodeOutOfMemory
	CodeModuleVerification
	CodeUnresolvedImport
	CodeCyclicImport
	CodeSnapshotCorrupt
	CodeBundleCorrupt
)

func (c Code) String() string {
	switch c {
	case CodeInternal:
		return "internal"
	case CodeOutOfMemory:
		return "out-of-memory"
	case CodeModuleVerification:
		return "module-verification"
	case CodeUnresolvedImport:
		return "unresolved-import"
	case CodeCyclicImport:
		return "cyclic-import"
	case CodeSnapshotCorrupt:
		return "snapshot-corrupt"
	case CodeBundleCorrupt:
		return "bundle-corrupt"
	default:
		return "unknown"
	}
}

// ExitCode maps a fatal code onto the process exit convention: 2 for module
// verification failures, 3 for cyclic imports, 1 for everything else fatal.
func (c Code) ExitCode() int {
	switch c {
	case CodeModuleVerification:
		return 2
	case CodeCyclicImport:
		return 3
	default:
		return 1
	}
}

// Fatal is an error that aborts the VM. It captures the host-level Go call
// stack at construction so an operator gets both the VM-level context the
// message carries and the runtime location that raised it.
type Fatal struct {
	Code      Code
	Message   string
	Cause     error
	HostStack stack.CallStack
}

// New builds a Fatal with the current host stack, trimmed of runtime frames.
func New(code Code, format string, args ...interface{}) *Fatal {
	return &Fatal{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		HostStack: stack.Trace().TrimRuntime(),
	}
}

// Wrap builds a Fatal around an underlying error.
func Wrap(code Code, cause error, format string, args ...interface{}) *Fatal {
	f := New(code, format, args...)
	f.Cause = cause
	return f
}

func (f *Fatal) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("fatal [%s]: %s: %v", f.Code, f.Message, f.Cause)
	}
	return fmt.Sprintf("fatal [%s]: %s", f.Code, f.Message)
}

func (f *Fatal) Unwrap() error { return f.Cause }

// Render formats the diagnostic for operator output, host stack included.
func (f *Fatal) Render() string {
	return fmt.Sprintf("%s\n  host stack: %v", f.Error(), f.HostStack)
}
