// Values in this file are injected with -ldflags at build time.

package bininfo

var (
	// Version is the SemVer version of the binary.
	Version = "v0.0.0"

	// BuildTime is the time at which the binary was built.
	BuildTime = "1970-01-01T00:00:00Z"
)
