// internal/target/target.go
package target

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

// ErrAccessDenied is raised when a target refuses a delivery mechanism, typically a
// cross-origin or sandboxed document. It triggers strategy fallback.
var ErrAccessDenied = errors.New("access denied")

// ErrClosed is returned by operations on a torn-down target.
var ErrClosed = errors.New("target closed")

// Capability is the set of delivery mechanisms a target supports.
type Capability uint8

const (
	// DirectDOMAccess means the target's document can be modified in place.
	DirectDOMAccess Capability = 1 << iota
	// ScriptedEvaluation means script elements added to the document are executed.
	ScriptedEvaluation
	// HostBridgeEvaluation means the host can evaluate code in the target and report
	// completion asynchronously.
	HostBridgeEvaluation
)

// Has reports whether every bit in o is set.
func (c Capability) Has(o Capability) bool { return c&o == o }

func (c Capability) String() string {
	var names []string
	if c.Has(DirectDOMAccess) {
		names = append(names, "direct-dom")
	}
	if c.Has(ScriptedEvaluation) {
		names = append(names, "scripted")
	}
	if c.Has(HostBridgeEvaluation) {
		names = append(names, "host-bridge")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Payload is one script ready for delivery: its descriptor, the capability surface
// built for this target and the loaded @require sources.
type Payload struct {
	Script   *userscript.Descriptor
	Surface  *gmapi.Surface
	Requires []string
}

// Target is a browsing surface scripts can be injected into.
type Target interface {
	// Identity is a stable handle for diagnostics.
	Identity() string
	URL() string
	Capabilities() Capability
	Readiness() *Readiness
	// Done is closed when the target is torn down.
	Done() <-chan struct{}
	// Env describes the target to capability surfaces.
	Env() gmapi.Env
	// IsFrame reports whether the target is a child frame.
	IsFrame() bool
}

// DOMInjector inserts a script element into the target's document.
type DOMInjector interface {
	InjectScript(ctx context.Context, p *Payload) error
}

// HostBridge evaluates code in the target through the host and resolves once the
// evaluation completes.
type HostBridge interface {
	Execute(ctx context.Context, p *Payload) error
}

// AuxiliaryFactory builds an invisible auxiliary document that loads the payload
// and resolves on that document's load event.
type AuxiliaryFactory interface {
	InjectDetached(ctx context.Context, p *Payload) error
}

// ChildSource reports child frames. Existing children are delivered to fn before
// WatchChildren returns; later ones as they appear.
type ChildSource interface {
	WatchChildren(fn func(Target)) (stop func())
}
