package security

import (
	"os"
	"strings"
)

// ProcessState describes the process that handles session keys.
type ProcessState struct {
	Root         bool
	Traced       bool
	CoreDumps    bool
	PreviousMask int
}

// Warnings lists conditions worth reporting to the operator.
func (s ProcessState) Warnings() []string {
	var w []string
	if s.Root {
		w = append(w, "running as root: session files will be owned by root")
	}
	if s.Traced {
		w = append(w, "a debugger is attached to the process")
	}
	if s.CoreDumps {
		w = append(w, "core dumps are enabled and may contain session keys")
	}
	return w
}

// HardenProcess disables core dumps and tightens the umask so keys and
// session files never leak to disk with loose permissions.
func HardenProcess() (ProcessState, error) {
	st := ProcessState{Root: os.Geteuid() == 0, Traced: tracerAttached()}
	err := disableCoreDumps()
	st.CoreDumps = coreDumpsEnabled()
	st.PreviousMask = setUmask(0o077)
	return st, err
}

// parseTracerPID reads the TracerPid field of /proc/<pid>/status.
func parseTracerPID(status string) bool {
	for _, line := range strings.Split(status, "\n") {
		if v, ok := strings.CutPrefix(line, "TracerPid:"); ok {
			v = strings.TrimSpace(v)
			return v != "" && v != "0"
		}
	}
	return false
}
