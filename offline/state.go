// Package offline implements the interception cache: a per-generation worker
// that pre-caches a manifest on install, evicts older generations on
// activation and answers intercepted requests network-first for navigations
// and cache-first for everything else.
package offline

// State is a worker's position in its lifecycle.
type State int

const (
	Uninstalled State = iota
	Installing
	Installed
	Activating
	Active
	// Redundant workers failed to install or were replaced.
	Redundant
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	}
	return "unknown"
}

// Generation names one versioned cache and the resources it must hold
// before it may take over.
type Generation struct {
	Name         string   `json:"name"`
	Origin       string   `json:"origin"`
	Manifest     []string `json:"manifest"`
	RootDocument string   `json:"rootDocument"`
}

var (
	DefaultManifest     = []string{"/", "/index.html", "/manifest.json"}
	DefaultRootDocument = "/index.html"
)

// WithDefaults fills in the manifest and root document when unset.
func (g Generation) WithDefaults() Generation {
	if len(g.Manifest) == 0 {
		g.Manifest = append([]string(nil), DefaultManifest...)
	}
	if g.RootDocument == "" {
		g.RootDocument = DefaultRootDocument
	}
	return g
}
