package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	// Name of the application
	AppName = "worksync"

	// Version of the application
	Version = "0.1.0-dev"

	// Git commit hash of the application
	Revision = "HEAD"
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	// Prefer module version when set by release builds.
	if Version == "0.1.0-dev" || Version == "" {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			Version = strings.TrimPrefix(v, "v")
		}
	}

	// Prefer VCS revision for local/dev builds.
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && (Revision == "HEAD" || Revision == "") {
			rev := s.Value
			Revision = rev
		}
	}
}

// Short returns the bare version string.
func Short() string {
	return Version
}

// Detailed returns the version with revision and platform info.
func Detailed() string {
	rev := Revision
	if len(rev) > 8 {
		rev = rev[:8]
	}
	return fmt.Sprintf("%s (%s; %s/%s; go%s)", Version, rev, runtime.GOOS, runtime.GOARCH, strings.TrimPrefix(runtime.Version(), "go"))
}
