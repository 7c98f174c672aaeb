// Package buildinfo reports the version stamped into the binary.
//
//	go build -ldflags "-X drydock/internal/buildinfo.Version=v0.4.0 -X drydock/internal/buildinfo.Commit=abc123"
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
)

func init() {
	if Version != "dev" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		Version = v
	}
	if Commit != "" {
		return
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			Commit = s.Value
			if len(Commit) > 12 {
				Commit = Commit[:12]
			}
		}
	}
}

// String is the version with the commit appended when known.
func String() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
