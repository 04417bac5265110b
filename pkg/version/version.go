// Package version reports the build identity used in logs, the CLI version
// flag, and the health endpoint.
package version

import "runtime/debug"

// AppName is the service name.
const AppName = "sceneweaver"

// GitCommit is the short VCS revision the binary was built from, "dev" when
// the module VCS stamp is unavailable (go test, non-git builds). BuildTime
// is the commit timestamp, empty when unstamped.
var (
	GitCommit = "dev"
	BuildTime = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 8 {
				GitCommit = s.Value[:8]
			} else if s.Value != "" {
				GitCommit = s.Value
			}
		case "vcs.time":
			BuildTime = s.Value
		}
	}
}

// Full returns the composite identity, e.g. "sceneweaver/a3f8c2d1".
func Full() string {
	return AppName + "/" + GitCommit
}
