// Package module exposes the operational HTTP surface: health, fetch
// cursors and the queue backlog
package module

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"ehrbridge/internal/modkit"
	phttp "ehrbridge/internal/platform/net/http"
	pstrings "ehrbridge/internal/platform/strings"
	fetchdom "ehrbridge/internal/services/fetch/domain"
	healthdom "ehrbridge/internal/services/health/domain"
	publishdom "ehrbridge/internal/services/publish/domain"
)

// Options carries the ports the ops surface reads from
type Options struct {
	Health  healthdom.CheckerPort
	Fetch   fetchdom.RunnerPort
	Publish publishdom.RunnerPort
}

// Module implements the ops module
type Module struct {
	deps  modkit.Deps
	opts  Options
	built modkit.Built
}

// New constructs the ops module. Extra options can move the mount prefix
// or add middleware
func New(deps modkit.Deps, opts Options, extra ...modkit.Option) *Module {
	base := []modkit.Option{modkit.WithName("ops"), modkit.WithPrefix("/ops")}
	built := modkit.Build(append(base, extra...)...)
	built.Prefix = pstrings.MustPrefix(built.Prefix)
	return &Module{deps: deps, opts: opts, built: built}
}

// Name returns the module name
func (m *Module) Name() string { return m.built.Name }

// Ports returns nothing; ops only consumes other modules' ports
func (m *Module) Ports() any { return nil }

// MountRoutes registers the operational endpoints under the prefix
func (m *Module) MountRoutes(r phttp.Router) {
	r.Route(m.built.Prefix, func(rr phttp.Router) {
		if len(m.built.Mw) > 0 {
			rr.Use(m.built.Mw...)
		}
		phttp.GetJSON(rr, "/healthz", m.healthz)
		phttp.GetJSON(rr, "/fetch-state", m.listStates)
		phttp.DeleteJSON(rr, "/fetch-state", m.clearAllStates)
		phttp.DeleteJSON(rr, "/fetch-state/{resource}", m.clearState)
		phttp.GetJSON(rr, "/queue/stats", m.queueStats)
	})
}

func (m *Module) healthz(r *http.Request) (any, error) {
	if err := m.opts.Health.Check(r.Context()); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

func (m *Module) listStates(r *http.Request) (any, error) {
	states, err := m.opts.Fetch.States(r.Context())
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(states))
	for _, st := range states {
		out = append(out, map[string]string{
			"resource":      st.Resource,
			"last_run_time": st.LastRun.Format(fetchdom.TimeLayout),
			"next_run_time": st.NextRun.Format(fetchdom.TimeLayout),
		})
	}
	return out, nil
}

func (m *Module) clearAllStates(r *http.Request) (any, error) {
	if err := m.opts.Fetch.ClearState(r.Context(), ""); err != nil {
		return nil, err
	}
	return map[string]string{"cleared": "all"}, nil
}

func (m *Module) clearState(r *http.Request) (any, error) {
	resource := chi.URLParam(r, "resource")
	if err := m.opts.Fetch.ClearState(r.Context(), resource); err != nil {
		return nil, err
	}
	return map[string]string{"cleared": resource}, nil
}

func (m *Module) queueStats(r *http.Request) (any, error) {
	stats, err := m.opts.Publish.Stats(r.Context())
	if err != nil {
		return nil, err
	}
	return stats, nil
}
