package version

import (
	"fmt"
	"runtime"
)

// Set at link time with -ldflags "-X github.com/ionhpc/ion/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the machine-readable form printed by "ion version --json".
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

func Current() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
	}
}

func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}
