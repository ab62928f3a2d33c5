// Package version identifies the running brigade build in logs, the health
// endpoint, and the runner handshake.
package version

import "runtime/debug"

// commit is injected with -ldflags "-X .../version.commit=<sha>" for builds
// where VCS metadata is stripped, such as container images built from a
// source tarball.
var commit string

// Commit returns the short revision hash this binary was built from, or
// "dev" when none is known (go test, non-git checkouts).
func Commit() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

// Full returns the "brigade/<commit>" identifier.
func Full() string { return "brigade/" + Commit() }

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
