package version

// Overridden at release time with
// -ldflags "-X github.com/AvaProtocol/ap-userop/version.semver=... -X ...revision=..."
var (
	semver   = "0.1.0"
	revision = "unknown"
)

func Get() string {
	return semver
}

func Commit() string {
	return revision
}
