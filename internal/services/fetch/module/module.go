// Package module wires the fetch service
package module

import (
	"context"

	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/core/pseudonym"
	"ehrbridge/internal/modkit"
	phttp "ehrbridge/internal/platform/net/http"
	"ehrbridge/internal/services/fetch/domain"
	"ehrbridge/internal/services/fetch/repo"
	"ehrbridge/internal/services/fetch/service"
)

// Options carries the non-env wiring the module cannot read from deps.Cfg
type Options struct {
	Dialect     string
	EHR         domain.Querier
	Settings    *appconfig.Settings
	Resources   []appconfig.Resource
	Transformer *pseudonym.Transformer
}

// Ports defines the fetch module ports
type Ports struct {
	Runner domain.RunnerPort
}

// Module implements the fetch module
type Module struct {
	deps  modkit.Deps
	svc   *service.Service
	ports Ports
}

// New constructs the fetch module
func New(deps modkit.Deps, opts Options) *Module {
	svc := service.New(
		deps.DB,
		repo.New(opts.Dialect),
		opts.EHR,
		service.Config{
			Settings:    opts.Settings,
			Resources:   opts.Resources,
			Transformer: opts.Transformer,
		},
	)
	return &Module{deps: deps, svc: svc, ports: Ports{Runner: svc}}
}

// Init creates the fetch_state table
func (m *Module) Init(ctx context.Context) error { return m.svc.Init(ctx) }

// Name returns the module name
func (m *Module) Name() string { return "fetch" }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

// MountRoutes is a no-op as fetch has no routes
func (m *Module) MountRoutes(_ phttp.Router) {}
