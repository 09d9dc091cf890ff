// internal/userscript/descriptor.go
package userscript

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunPhase is the declared injection timing of a script.
type RunPhase string

const (
	// PhaseStart runs as soon as the surface is observed (document-start).
	PhaseStart RunPhase = "start"
	// PhaseContentReady runs once the DOM is parsed (document-end).
	PhaseContentReady RunPhase = "contentReady"
	// PhaseIdle runs once the load event has fired (document-idle).
	PhaseIdle RunPhase = "idle"
)

// Phases lists the run phases in lifecycle order.
var Phases = []RunPhase{PhaseStart, PhaseContentReady, PhaseIdle}

// ParseRunAt maps an @run-at value onto a RunPhase. Unknown values fall back to idle,
// which is what userscript managers do for typos.
func ParseRunAt(value string) RunPhase {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "document-start", "start":
		return PhaseStart
	case "document-end", "document-body", "contentready", "content-ready":
		return PhaseContentReady
	default:
		return PhaseIdle
	}
}

// RunAt returns the metadata spelling of the phase.
func (p RunPhase) RunAt() string {
	switch p {
	case PhaseStart:
		return "document-start"
	case PhaseContentReady:
		return "document-end"
	default:
		return "document-idle"
	}
}

// Resource is a named external asset declared with @resource.
type Resource struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// Descriptor is the parsed, immutable record of one userscript.
// Registry operations hand out copies; callers never share a Descriptor's slices.
type Descriptor struct {
	ID          string
	Name        string
	Namespace   string
	Version     string
	Description string

	IncludePatterns []string
	MatchPatterns   []string
	ExcludePatterns []string

	RequireURLs []string
	Resources   []Resource
	Grants      []string
	Connects    []string

	RunPhase RunPhase
	NoFrames bool
	Enabled  bool
	Order    int

	Source    string
	CreatedAt time.Time

	// Extra keeps metadata keys the parser does not interpret.
	Extra map[string][]string
}

// idSpace roots the name-based script IDs.
var idSpace = uuid.MustParse("7c1e2f9a-4b0d-5e36-9a51-3d2c8b6f0e17")

// DeriveID computes the stable identifier of a script from its namespace and name.
// Re-installing a script with the same name therefore targets the same registry entry.
func DeriveID(namespace, name string) string {
	return uuid.NewSHA1(idSpace, []byte(namespace+"\x00"+name)).String()
}

// Resource looks up a declared resource by name.
func (d *Descriptor) Resource(name string) (Resource, bool) {
	for _, r := range d.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// HasGrant reports whether the script declared the given @grant.
func (d *Descriptor) HasGrant(name string) bool {
	for _, g := range d.Grants {
		if g == name {
			return true
		}
	}
	return false
}

// String identifies the script in log lines.
func (d *Descriptor) String() string {
	if d.Version == "" {
		return d.Name
	}
	return fmt.Sprintf("%s@%s", d.Name, d.Version)
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.IncludePatterns = cloneStrings(d.IncludePatterns)
	c.MatchPatterns = cloneStrings(d.MatchPatterns)
	c.ExcludePatterns = cloneStrings(d.ExcludePatterns)
	c.RequireURLs = cloneStrings(d.RequireURLs)
	c.Grants = cloneStrings(d.Grants)
	c.Connects = cloneStrings(d.Connects)
	if d.Resources != nil {
		c.Resources = append([]Resource(nil), d.Resources...)
	}
	if d.Extra != nil {
		c.Extra = make(map[string][]string, len(d.Extra))
		for k, v := range d.Extra {
			c.Extra[k] = cloneStrings(v)
		}
	}
	return &c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
