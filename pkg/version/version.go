// Package version reports which testbay build is running. The binary stamps
// it through Set; library users fall back to the module build info.
package version

import (
	"runtime/debug"
	"sync"
)

const modulePath = "github.com/bnema/testbay"

// Info describes one build. Unknown fields hold "unknown".
type Info struct {
	Version   string
	Commit    string
	BuildDate string
}

func (i Info) String() string {
	return i.Version + " (commit " + i.Commit + ", built " + i.BuildDate + ")"
}

var (
	mu      sync.RWMutex
	stamped *Info
)

// detected is computed once from the embedded build info.
var detected = sync.OnceValue(func() Info {
	info := Info{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	return fromBuildInfo(bi, info)
})

func fromBuildInfo(bi *debug.BuildInfo, info Info) Info {
	mod := &bi.Main
	if mod.Path != modulePath {
		mod = nil
		for _, dep := range bi.Deps {
			if dep.Path == modulePath {
				mod = dep
				break
			}
		}
	}
	if mod != nil && mod.Version != "" && mod.Version != "(devel)" {
		info.Version = mod.Version
	}
	// vcs settings describe the main module only.
	if bi.Main.Path != modulePath {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.time":
			info.BuildDate = s.Value
		}
	}
	return info
}

// Set stamps build info from linker flags. Call once from main.
func Set(v, c, d string) {
	mu.Lock()
	defer mu.Unlock()
	stamped = &Info{Version: v, Commit: c, BuildDate: d}
}

// Get returns the stamped build info, or what the Go toolchain embedded.
func Get() Info {
	mu.RLock()
	defer mu.RUnlock()
	if stamped != nil {
		return *stamped
	}
	return detected()
}

// Version returns the build version string.
func Version() string { return Get().Version }

// Commit returns the build commit hash.
func Commit() string { return Get().Commit }

// BuildDate returns the build date string.
func BuildDate() string { return Get().BuildDate }
