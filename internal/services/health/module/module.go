// Package module wires the health service
package module

import (
	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/modkit"
	phttp "ehrbridge/internal/platform/net/http"
	"ehrbridge/internal/services/health/domain"
	"ehrbridge/internal/services/health/service"
)

// Options carries the probes the module checks
type Options struct {
	EHR      domain.Prober
	FHIR     domain.Prober
	Settings *appconfig.Settings
}

// Ports defines the health module ports
type Ports struct {
	Checker domain.CheckerPort
}

// Module implements the health module
type Module struct {
	deps  modkit.Deps
	ports Ports
}

// New constructs the health module
func New(deps modkit.Deps, opts Options) *Module {
	svc := service.New(service.Config{Settings: opts.Settings, EHR: opts.EHR, FHIR: opts.FHIR})
	return &Module{deps: deps, ports: Ports{Checker: svc}}
}

// Name returns the module name
func (m *Module) Name() string { return "health" }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

// MountRoutes is a no-op as health has no routes of its own
func (m *Module) MountRoutes(_ phttp.Router) {}
