// internal/engine/install.go
package engine

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/registry"
	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

// InstallAction reports what Install did with a script.
type InstallAction string

const (
	Installed InstallAction = "installed"
	Updated   InstallAction = "updated"
	Unchanged InstallAction = "unchanged"
)

// Install parses source and adds it to the registry. A script whose id is already
// registered is updated in place when the incoming @version is newer; versions that
// are not semantic versions always update.
func (e *Engine) Install(source string) (*userscript.Descriptor, InstallAction, error) {
	return e.install(source, false)
}

// Reload is Install for local edits: an already registered script is always
// updated in place, whatever its version.
func (e *Engine) Reload(source string) (*userscript.Descriptor, InstallAction, error) {
	return e.install(source, true)
}

func (e *Engine) install(source string, force bool) (*userscript.Descriptor, InstallAction, error) {
	d, err := userscript.Parse(source)
	if err != nil {
		return nil, "", fmt.Errorf("install: %w", err)
	}

	existing, err := e.registry.Get(d.ID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		if err := e.registry.Add(d); err != nil {
			return nil, "", err
		}
		e.logger.Info("Script installed", zap.String("script", d.Name), zap.String("version", d.Version))
		return d, Installed, nil
	case err != nil:
		return nil, "", err
	}

	if !force && !newer(existing.Version, d.Version) {
		e.logger.Debug("Installed version is current",
			zap.String("script", d.Name),
			zap.String("installed", existing.Version),
			zap.String("incoming", d.Version))
		return existing, Unchanged, nil
	}
	if err := e.registry.Update(d.ID, d); err != nil {
		return nil, "", err
	}
	e.logger.Info("Script updated",
		zap.String("script", d.Name),
		zap.String("from", existing.Version),
		zap.String("to", d.Version))
	updated, err := e.registry.Get(d.ID)
	if err != nil {
		return nil, "", err
	}
	return updated, Updated, nil
}

// Uninstall removes a script from the registry.
func (e *Engine) Uninstall(id string) error {
	return e.registry.Remove(id)
}

func newer(installed, incoming string) bool {
	in, err := semver.NewVersion(incoming)
	if err != nil {
		return true
	}
	cur, err := semver.NewVersion(installed)
	if err != nil {
		return true
	}
	return in.GreaterThan(cur)
}
