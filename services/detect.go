package services

import (
	"runtime"

	"github.com/hostcap/hostcap/platform"
)

// Detect reports the host platform family. Anything without a native
// provider set maps to Unknown, which callers resolve to the
// in-memory simulation.
func Detect() platform.OS {
	switch runtime.GOOS {
	case "linux":
		return platform.Linux
	case "darwin":
		return platform.Darwin
	case "windows":
		return platform.Windows
	case "android":
		return platform.Android
	case "ios":
		return platform.IOS
	case "js":
		return platform.Wasm
	default:
		return platform.Unknown
	}
}
