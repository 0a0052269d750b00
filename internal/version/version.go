package version

import "fmt"

// Set via -ldflags at build time
var (
	Version = "dev"
	Commit  = "unknown"
)

// Info returns a printable version line
func Info() string {
	return fmt.Sprintf("openjules %s (%s)", Version, Commit)
}
