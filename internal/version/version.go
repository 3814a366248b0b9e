// Package version reports the build identity of the statusdesk binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/statusdesk"

const unknownVersion = "v0.0.0-unknown"

// buildVersion is set via -ldflags "-X pkt.systems/statusdesk/internal/version.buildVersion=...".
var buildVersion = ""

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Info is the identity of a build.
type Info struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Dirty    bool
}

// Read collects the build identity. An ldflags version wins over the module
// version, which wins over a pseudo version derived from VCS stamps.
func Read() Info {
	info := Info{Module: defaultModule}
	bi, ok := readBuildInfo()
	if ok {
		info = fromBuildInfo(bi)
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		info.Version = v
	}
	if info.Version == "" {
		info.Version = unknownVersion
	}
	return info
}

func fromBuildInfo(bi *debug.BuildInfo) Info {
	info := Info{Module: defaultModule}
	if bi == nil {
		return info
	}
	if path := strings.TrimSpace(bi.Main.Path); path != "" {
		info.Module = path
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = setting.Value
		case "vcs.time":
			if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				info.Time = parsed.UTC()
			}
		case "vcs.modified":
			info.Dirty = setting.Value == "true"
		}
	}
	if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
		info.Version = v
	} else {
		info.Version = info.pseudo()
	}
	return info
}

func (i Info) pseudo() string {
	if i.Revision == "" || i.Time.IsZero() {
		return ""
	}
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return "v0.0.0-" + i.Time.Format("20060102150405") + "-" + rev
}

// String renders the version with a +dirty suffix for modified trees.
func (i Info) String() string {
	v := strings.TrimSuffix(i.Version, "+dirty")
	if i.Dirty {
		return v + "+dirty"
	}
	return v
}

// Current returns the version without the dirty suffix.
func Current() string {
	return strings.TrimSuffix(Read().Version, "+dirty")
}

// Module returns the main module path.
func Module() string {
	return Read().Module
}
