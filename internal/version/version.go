// Package version хранит сведения о сборке. Значения подставляются через
// -ldflags "-X github.com/vladislavdragonenkov/campusstore/internal/version.version=...".
package version

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"runtime/debug"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Build описывает бинарь, который сейчас запущен.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Dirty     bool   `json:"dirty,omitempty"`
}

// Current собирает Build. Если commit не передан через ldflags, берём vcs-метки из debug.ReadBuildInfo.
func Current() Build {
	info, _ := debug.ReadBuildInfo()
	return resolve(info)
}

func resolve(info *debug.BuildInfo) Build {
	b := Build{Version: version, Commit: commit, Date: date, GoVersion: runtime.Version()}
	if info != nil {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.Date == "" {
					b.Date = s.Value
				}
			case "vcs.modified":
				b.Dirty = s.Value == "true"
			}
		}
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.Date == "" {
		b.Date = "unknown"
	}
	return b
}

// Short обрезает commit до 12 символов.
func (b Build) Short() string {
	if len(b.Commit) > 12 {
		return b.Commit[:12]
	}
	return b.Commit
}

func (b Build) String() string {
	s := fmt.Sprintf("%s (%s, %s)", b.Version, b.Short(), b.Date)
	if b.Dirty {
		s += " dirty"
	}
	return s
}

func String() string { return Current().String() }

// Handler отдаёт Current в JSON.
func Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Current())
}
