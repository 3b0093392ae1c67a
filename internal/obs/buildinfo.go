package obs

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Build identifies the running binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"goVersion"`
}

var (
	buildMu sync.RWMutex
	build   Build

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Version, commit and Go toolchain of the running binary.",
		},
		[]string{"version", "commit", "go_version"},
	)

	keyRingSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyring_keys",
			Help: "Configured keys per purpose.",
		},
		[]string{"purpose"},
	)

	keyRingActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyring_active_key",
			Help: "Set to 1 for the active key id of each purpose.",
		},
		[]string{"purpose", "kid"},
	)
)

// SetBuild records the binary identity and exports it as build_info.
// An empty or "dev" commit is replaced by the VCS revision the go tool
// stamped into the binary, when there is one.
func SetBuild(version, commit string) Build {
	b := Build{Version: version, Commit: commit, GoVersion: runtime.Version()}
	if b.Commit == "" || b.Commit == "dev" {
		if rev := vcsRevision(); rev != "" {
			b.Commit = rev
		}
	}

	buildMu.Lock()
	build = b
	buildMu.Unlock()

	buildInfo.Reset()
	buildInfo.WithLabelValues(b.Version, b.Commit, b.GoVersion).Set(1)
	return b
}

// CurrentBuild returns what SetBuild recorded.
func CurrentBuild() Build {
	buildMu.RLock()
	defer buildMu.RUnlock()
	return build
}

// SetKeyRing exports the shape of one key ring. Key material never leaves
// the keyring package; only ids and counts are published.
func SetKeyRing(purpose, activeID string, keys int) {
	keyRingSize.WithLabelValues(purpose).Set(float64(keys))
	keyRingActive.DeletePartialMatch(prometheus.Labels{"purpose": purpose})
	keyRingActive.WithLabelValues(purpose, activeID).Set(1)
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty, _ = strconv.ParseBool(s.Value)
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}
