package core

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Version is the running build's version, resolved from build info at init
var Version string

// ProtocolVersion is bumped whenever the daemon socket protocol changes incompatibly
const ProtocolVersion = 1

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		Version = "devel"
		return
	}

	// Tagged module versions win; pseudo-versions from local builds fall through to VCS info.
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		Version = v
		return
	}

	var revision string
	var dirty bool

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if revision == "" {
		Version = "devel"
		return
	}

	short := revision
	if len(short) > 7 {
		short = short[:7]
	}

	Version = fmt.Sprintf("devel-%s", short)
	if dirty {
		Version += "-dirty"
	}
}

// FormatVersion strips the "v" prefix of tagged releases ("v1.2.0" becomes "1.2.0").
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// isPseudoVersion reports whether v ends in a 12 character commit hash
func isPseudoVersion(v string) bool {
	if i := strings.Index(v, "+"); i >= 0 {
		v = v[:i]
	}
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return false
	}
	hash := v[i+1:]
	if len(hash) != 12 {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
