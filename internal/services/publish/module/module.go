// Package module wires the publish service
package module

import (
	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/modkit"
	phttp "ehrbridge/internal/platform/net/http"
	"ehrbridge/internal/services/publish/domain"
	"ehrbridge/internal/services/publish/repo"
	"ehrbridge/internal/services/publish/service"
)

// Options carries the non-env wiring the module cannot read from deps.Cfg
type Options struct {
	Dialect   string
	FHIR      domain.Upserter
	Settings  *appconfig.Settings
	Resources []appconfig.Resource
}

// Ports defines the publish module ports
type Ports struct {
	Runner domain.RunnerPort
}

// Module implements the publish module
type Module struct {
	deps  modkit.Deps
	ports Ports
}

// New constructs the publish module
func New(deps modkit.Deps, opts Options) *Module {
	svc := service.New(
		deps.DB,
		repo.New(opts.Dialect),
		opts.FHIR,
		service.Config{Settings: opts.Settings, Resources: opts.Resources},
	)
	return &Module{deps: deps, ports: Ports{Runner: svc}}
}

// Name returns the module name
func (m *Module) Name() string { return "publish" }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

// MountRoutes is a no-op as publish has no routes
func (m *Module) MountRoutes(_ phttp.Router) {}
