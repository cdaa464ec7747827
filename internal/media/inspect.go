package media

import (
	"github.com/danmuck/ndp/internal/tools"
)

// ElementStatus is the availability of one GStreamer element.
type ElementStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	// Error is set when gst-inspect-1.0 itself could not run.
	Error string `json:"error,omitempty"`
}

// DiagnosticElements are always checked by ndp-inspect in addition to the
// codec-specific ones.
var DiagnosticElements = []string{"pipewiresrc", "videotestsrc", "vaapih264enc", "vaapih264dec"}

// Inspect asks gst-inspect-1.0 about each element.
func Inspect(runner tools.CommandRunner, elements []string) []ElementStatus {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	out := make([]ElementStatus, 0, len(elements))
	seen := make(map[string]struct{}, len(elements))
	for _, name := range elements {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		_, _, code, err := runner.Run(InspectBinary, name)
		st := ElementStatus{Name: name, Available: err == nil && code == 0}
		if code == 127 && err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}
