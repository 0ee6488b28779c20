// Package buildconfig exposes the version stamp baked in at link time:
//
//	go build -ldflags "-X braid/internal/buildconfig.version=... -X braid/internal/buildconfig.commit=..."
package buildconfig

var (
	version = "dev"
	commit  = "unknown"
)

// Version is the release tag, or "dev" for unstamped builds.
func Version() string {
	return version
}

// Commit is the git revision the binary was built from.
func Commit() string {
	return commit
}
