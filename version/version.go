package version

import (
	"runtime/debug"
	"strings"
	"sync"
)

// ModulePath is the import path of this module.
const ModulePath = "github.com/kbukum/testkit"

// Version is set at build time using -ldflags. When empty, the module
// version recorded in the binary's build info is used.
var Version = ""

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version"`
}

// String returns the version with a short revision suffix when known.
func (i Info) String() string {
	s := i.Version
	if i.Revision != "" {
		s += "-" + i.Revision
	}
	if i.Dirty {
		s += "-dirty"
	}
	return s
}

var (
	once   sync.Once
	cached Info
)

// Get returns the build information, read once.
func Get() Info {
	once.Do(func() {
		bi, _ := debug.ReadBuildInfo()
		cached = fromBuildInfo(bi, Version)
	})
	return cached
}

func fromBuildInfo(bi *debug.BuildInfo, pinned string) Info {
	info := Info{Version: pinned}
	if bi == nil {
		if info.Version == "" {
			info.Version = "dev"
		}
		return info
	}
	info.GoVersion = bi.GoVersion

	if info.Version == "" {
		info.Version = moduleVersion(bi)
	}
	// VCS settings describe the main module, which is testkit itself only
	// when testkit's own tests are running.
	if bi.Main.Path == ModulePath {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
				if len(info.Revision) > 7 {
					info.Revision = info.Revision[:7]
				}
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
	}
	return info
}

func moduleVersion(bi *debug.BuildInfo) string {
	if bi.Main.Path == ModulePath {
		return normalize(bi.Main.Version)
	}
	for _, dep := range bi.Deps {
		if dep.Path != ModulePath {
			continue
		}
		if dep.Replace != nil {
			return normalize(dep.Replace.Version)
		}
		return normalize(dep.Version)
	}
	return "dev"
}

func normalize(v string) string {
	if v == "" || v == "(devel)" {
		return "dev"
	}
	return strings.TrimPrefix(v, "v")
}
