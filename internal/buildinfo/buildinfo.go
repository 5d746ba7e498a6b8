// Package buildinfo reports the binary's version, set with -ldflags -X.
package buildinfo

import "runtime/debug"

var (
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

// Info returns the link-time values, filling the commit from the embedded VCS
// stamp when it was not set.
func Info() map[string]string {
    out := map[string]string{"service": "fleetops", "version": Version, "commit": Commit, "builtAt": BuiltAt}
    if bi, ok := debug.ReadBuildInfo(); ok {
        out["go"] = bi.GoVersion
        for _, s := range bi.Settings {
            if s.Key == "vcs.revision" && out["commit"] == "" { out["commit"] = s.Value }
        }
    }
    return out
}
