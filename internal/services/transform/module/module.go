// Package module wires the transform service
package module

import (
	"context"

	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/modkit"
	phttp "ehrbridge/internal/platform/net/http"
	"ehrbridge/internal/services/transform/domain"
	"ehrbridge/internal/services/transform/repo"
	"ehrbridge/internal/services/transform/service"
)

// Options carries the non-env wiring
type Options struct {
	Dialect   string
	Settings  *appconfig.Settings
	Resources []appconfig.Resource
}

// Ports defines the transform module ports
type Ports struct {
	Runner domain.RunnerPort
}

// Module implements the transform module
type Module struct {
	deps  modkit.Deps
	svc   *service.Service
	ports Ports
}

// New constructs the transform module
func New(deps modkit.Deps, opts Options) *Module {
	svc := service.New(deps.DB, repo.New(opts.Dialect), service.Config{
		Settings:  opts.Settings,
		Resources: opts.Resources,
	})
	return &Module{deps: deps, svc: svc, ports: Ports{Runner: svc}}
}

// Init creates the fhir_queue table
func (m *Module) Init(ctx context.Context) error { return m.svc.Init(ctx) }

// Name returns the module name
func (m *Module) Name() string { return "transform" }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

// MountRoutes is a no-op as transform has no routes
func (m *Module) MountRoutes(_ phttp.Router) {}
