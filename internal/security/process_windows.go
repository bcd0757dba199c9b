//go:build windows

package security

import "golang.org/x/sys/windows"

var procIsDebuggerPresent = windows.NewLazySystemDLL("kernel32.dll").NewProc("IsDebuggerPresent")

func tracerAttached() bool {
	if procIsDebuggerPresent.Find() != nil {
		return false
	}
	r, _, _ := procIsDebuggerPresent.Call()
	return r != 0
}

// Windows has no umask; files are protected by their ACLs.
func setUmask(int) int { return 0 }

// Windows Error Reporting dumps are configured system wide.
func disableCoreDumps() error { return nil }

func coreDumpsEnabled() bool { return false }
