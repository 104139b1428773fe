package buildinfo

// Ces variables sont typiquement injectées à la compilation via -ldflags.
// Exemple :
//
//	-X github.com/Guilhem-Bonnet/feedwatch/internal/buildinfo.Version=v0.0.0
//	-X github.com/Guilhem-Bonnet/feedwatch/internal/buildinfo.Commit=abcdef
//	-X github.com/Guilhem-Bonnet/feedwatch/internal/buildinfo.Date=2026-01-18
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
}

func Current() Info {
	return Info{Version: Version, Commit: Commit, Date: Date}
}

// String: "v1.2.3 (abcdef, 2026-01-18)", ou juste la version.
func (i Info) String() string {
	switch {
	case i.Commit != "" && i.Date != "":
		return i.Version + " (" + i.Commit + ", " + i.Date + ")"
	case i.Commit != "":
		return i.Version + " (" + i.Commit + ")"
	default:
		return i.Version
	}
}
