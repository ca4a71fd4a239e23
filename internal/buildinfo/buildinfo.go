package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set via ldflags at build time:
//
//	-ldflags "-X github.com/basket/claw-relay/internal/buildinfo.Version=... \
//	          -X github.com/basket/claw-relay/internal/buildinfo.Branch=... \
//	          -X github.com/basket/claw-relay/internal/buildinfo.CommitTitle=..."
var (
	Version     = "v0.1-dev"
	Branch      = ""
	CommitTitle = ""
)

// Info is the build metadata surfaced by /version.
type Info struct {
	Version     string
	Branch      string
	Commit      string
	CommitTitle string
}

// Load resolves build metadata from ldflags, falling back to the module's
// embedded VCS stamp for the commit hash.
func Load() Info {
	info := Info{
		Version:     Version,
		Branch:      Branch,
		CommitTitle: CommitTitle,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range bi.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 12 {
				info.Commit = setting.Value[:12]
			}
		}
	}
	return info
}

// String renders the display form used in chat replies.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "claw-relay %s", i.Version)
	if i.Branch != "" {
		fmt.Fprintf(&b, " (%s)", i.Branch)
	}
	if i.Commit != "" {
		fmt.Fprintf(&b, "\ncommit: %s", i.Commit)
	}
	if i.CommitTitle != "" {
		fmt.Fprintf(&b, "\n%s", i.CommitTitle)
	}
	return b.String()
}
