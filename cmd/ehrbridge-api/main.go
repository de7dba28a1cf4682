package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"ehrbridge/internal/app"
	"ehrbridge/internal/modkit/module"
	"ehrbridge/internal/platform/logger"
	phttp "ehrbridge/internal/platform/net/http"
	"ehrbridge/internal/platform/net/middleware"

	fetchmod "ehrbridge/internal/services/fetch/module"
	healthmod "ehrbridge/internal/services/health/module"
	opsmod "ehrbridge/internal/services/ops/module"
	publishmod "ehrbridge/internal/services/publish/module"
)

func main() {
	logger.Init(logger.FromEnv())
	l := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Bootstrap(ctx)
	if err != nil {
		l.Fatal().Err(err).Msg("bootstrap failed")
	}
	defer rt.Close(context.Background())

	fm := fetchmod.New(rt.Deps, fetchmod.Options{
		Dialect:     rt.Store.Dialect,
		EHR:         rt.EHR,
		Settings:    rt.Settings,
		Resources:   rt.Resources,
		Transformer: rt.Transformer,
	})
	pm := publishmod.New(rt.Deps, publishmod.Options{
		Dialect:   rt.Store.Dialect,
		FHIR:      rt.FHIR,
		Settings:  rt.Settings,
		Resources: rt.Resources,
	})
	hm := healthmod.New(rt.Deps, healthmod.Options{
		EHR:      rt.EHR,
		FHIR:     rt.FHIR,
		Settings: rt.Settings,
	})

	module.Register(fm.Name(), fm.Ports())
	module.Register(pm.Name(), pm.Ports())
	module.Register(hm.Name(), hm.Ports())

	ops := opsmod.New(rt.Deps, opsmod.Options{
		Health:  hm.Ports().(healthmod.Ports).Checker,
		Fetch:   fm.Ports().(fetchmod.Ports).Runner,
		Publish: pm.Ports().(publishmod.Ports).Runner,
	})

	// HTTP server listens on OPS_ADDR
	srv := phttp.NewServer(rt.Cfg, func(m *chi.Mux) {
		m.Use(middleware.Defaults()...)
		m.Use(middleware.AccessLogZerolog(middleware.AccessLogOptions{Slow: time.Second}))
	})
	ops.MountRoutes(srv.Router())

	l.Info().Str("addr", srv.Addr()).Msg("ops api listening")
	if err := srv.Run(ctx); err != nil {
		l.Fatal().Err(err).Msg("ops api failed")
	}
}
