package version

// These variables are set at build time using ldflags
var (
	// Version is the semantic version (e.g., "1.0.0")
	Version = "dev"
	// Commit is the git commit hash
	Commit = "unknown"
	// BuildDate is the build timestamp
	BuildDate = "unknown"
)

// Info describes the running build
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the build information
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}

// String formats the build as "version (commit: abc1234)"
func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return i.Version + " (commit: " + commit + ")"
}

// UserAgent returns the HTTP user agent of a program of this build
func UserAgent(program string) string {
	return program + "/" + Version
}
