// Package module wires the pipeline orchestrator
package module

import (
	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/modkit"
	phttp "ehrbridge/internal/platform/net/http"
	fetchdom "ehrbridge/internal/services/fetch/domain"
	healthdom "ehrbridge/internal/services/health/domain"
	"ehrbridge/internal/services/pipeline/domain"
	"ehrbridge/internal/services/pipeline/service"
	publishdom "ehrbridge/internal/services/publish/domain"
	transformdom "ehrbridge/internal/services/transform/domain"
)

// Options carries the stage ports the orchestrator sequences
type Options struct {
	Settings  *appconfig.Settings
	Resources []appconfig.Resource

	Health    healthdom.CheckerPort
	Fetch     fetchdom.RunnerPort
	Transform transformdom.RunnerPort
	Publish   publishdom.RunnerPort
}

// Ports defines the pipeline module ports
type Ports struct {
	Runner domain.RunnerPort
}

// Module implements the pipeline module
type Module struct {
	deps  modkit.Deps
	ports Ports
}

// New constructs the pipeline module
func New(deps modkit.Deps, opts Options) *Module {
	svc := service.New(service.Config{
		Settings:  opts.Settings,
		Resources: opts.Resources,
		Health:    opts.Health,
		Fetch:     opts.Fetch,
		Transform: opts.Transform,
		Publish:   opts.Publish,
	})
	return &Module{deps: deps, ports: Ports{Runner: svc}}
}

// Name returns the module name
func (m *Module) Name() string { return "pipeline" }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

// MountRoutes is a no-op as the pipeline has no routes
func (m *Module) MountRoutes(_ phttp.Router) {}
