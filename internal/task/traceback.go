package task

import (
	"fmt"
	"strings"

	"raya/internal/interp"
)

// FormatTraceback renders an activation-frame trace into operator text.
// Format:
//   task <id>: <func> line <N>:  <error message>
//   task <id>: ... called from <func> line <N>
//   task <id>: (End of traceback)
func FormatTraceback(taskID uint64, trace []interp.ActivationSnapshot, message string) []string {
	if len(trace) == 0 {
		return []string{
			fmt.Sprintf("task %d: (no stack):  %s", taskID, message),
			fmt.Sprintf("task %d: (End of traceback)", taskID),
		}
	}

	var lines []string

	// Walk the trace from top (most recent) to bottom (oldest)
	for i := len(trace) - 1; i >= 0; i-- {
		frame := trace[i]
		if i == len(trace)-1 {
			lines = append(lines, fmt.Sprintf("task %d: %s line %d:  %s",
				taskID, frame.FuncName, frame.Line, message))
		} else {
			lines = append(lines, fmt.Sprintf("task %d: ... called from %s line %d",
				taskID, frame.FuncName, frame.Line))
		}
	}

	lines = append(lines, fmt.Sprintf("task %d: (End of traceback)", taskID))
	return lines
}

// FormatTracebackString returns the traceback as a single string with newlines
func FormatTracebackString(taskID uint64, trace []interp.ActivationSnapshot, message string) string {
	return strings.Join(FormatTraceback(taskID, trace, message), "\n")
}
