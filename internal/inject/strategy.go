// internal/inject/strategy.go
package inject

import (
	"context"

	"github.com/xkilldash9x/scriptmonkey/internal/target"
)

// Strategy is one way of delivering a payload into a target.
type Strategy interface {
	Name() string
	// Supports reports whether the target advertises what the strategy needs.
	Supports(t target.Target) bool
	Inject(ctx context.Context, t target.Target, p *target.Payload) error
}

// DirectDOM appends a script element to the target's document.
type DirectDOM struct{}

func (DirectDOM) Name() string { return "direct-dom" }

func (DirectDOM) Supports(t target.Target) bool {
	_, ok := t.(target.DOMInjector)
	return ok && t.Capabilities().Has(target.DirectDOMAccess|target.ScriptedEvaluation)
}

func (DirectDOM) Inject(ctx context.Context, t target.Target, p *target.Payload) error {
	return t.(target.DOMInjector).InjectScript(ctx, p)
}

// HostBridge submits the wrapped payload to the host's evaluation channel.
type HostBridge struct{}

func (HostBridge) Name() string { return "host-bridge" }

func (HostBridge) Supports(t target.Target) bool {
	_, ok := t.(target.HostBridge)
	return ok && t.Capabilities().Has(target.HostBridgeEvaluation)
}

func (HostBridge) Inject(ctx context.Context, t target.Target, p *target.Payload) error {
	return t.(target.HostBridge).Execute(ctx, p)
}

// Detached loads the payload in an invisible auxiliary document.
type Detached struct{}

func (Detached) Name() string { return "detached-document" }

func (Detached) Supports(t target.Target) bool {
	_, ok := t.(target.AuxiliaryFactory)
	return ok
}

func (Detached) Inject(ctx context.Context, t target.Target, p *target.Payload) error {
	return t.(target.AuxiliaryFactory).InjectDetached(ctx, p)
}

// DefaultStrategies returns the strategies in precedence order.
func DefaultStrategies() []Strategy {
	return []Strategy{DirectDOM{}, HostBridge{}, Detached{}}
}
