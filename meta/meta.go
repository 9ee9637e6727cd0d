package meta

const (
	NilVersion   = "v0.0.0-development"
	NilCommit    = "unknown"
	NilBuildDate = "unknown"
)

// Set through -ldflags "-X github.com/bronystylecrazy/topicmux/meta.Version=..." on release builds.
var (
	Name        string = "topicmux"
	Description string = "topic subscription dispatch over MQTT and redis brokers."

	Version   string = NilVersion
	Commit    string = NilCommit
	BuildDate string = NilBuildDate
)

func IsProduction() bool {
	return Version != NilVersion
}

func IsDevelopment() bool {
	return Version == NilVersion
}
