// File: internal/service/components.go
package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/config"
	"github.com/xkilldash9x/scriptmonkey/internal/engine"
	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
	"github.com/xkilldash9x/scriptmonkey/internal/inject"
	"github.com/xkilldash9x/scriptmonkey/internal/registry"
	"github.com/xkilldash9x/scriptmonkey/internal/resource"
	"github.com/xkilldash9x/scriptmonkey/internal/scriptdir"
	"github.com/xkilldash9x/scriptmonkey/internal/store"
)

// Components holds every long-lived service of a scriptmonkey process and owns
// their shutdown order.
type Components struct {
	Config   *config.Config
	Storage  store.Storage
	Fetcher  resource.Fetcher
	Cache    *resource.Cache
	Registry *registry.Registry
	Surfaces *gmapi.Builder
	Chain    *inject.Chain
	Metrics  *inject.Metrics
	Engine   *engine.Engine
	Scripts  *scriptdir.Dir
	Gatherer prometheus.Gatherer

	logger *zap.Logger
	// ownsStorage is false when the storage was supplied by the caller.
	ownsStorage bool
}

// Shutdown stops the engine, then releases the cache and the storage backend.
func (c *Components) Shutdown() {
	c.logger.Debug("Beginning components shutdown sequence.")

	if c.Engine != nil {
		c.Engine.Stop()
		c.logger.Debug("Engine stopped.")
	}
	if c.Cache != nil {
		c.Cache.Dispose()
		c.logger.Debug("Resource cache disposed.")
	}
	if c.Storage != nil && c.ownsStorage {
		if err := c.Storage.Close(); err != nil {
			c.logger.Warn("Error closing storage.", zap.Error(err))
		} else {
			c.logger.Debug("Storage closed.")
		}
	}
	c.logger.Info("All components shut down.")
}
