// Package buildinfo holds version metadata injected at link time with
// -ldflags "-X github.com/nghyane/omnigate/internal/buildinfo.Version=...".
package buildinfo

import "fmt"

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// String formats the build metadata for `omnigate version`.
func String() string {
	return fmt.Sprintf("omnigate %s (commit %s, built %s)", Version, Commit, BuildDate)
}
