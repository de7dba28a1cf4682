package main

import (
	"context"
	"os/signal"
	"syscall"

	"ehrbridge/internal/app"
	"ehrbridge/internal/modkit/module"
	"ehrbridge/internal/platform/logger"

	fetchmod "ehrbridge/internal/services/fetch/module"
	healthmod "ehrbridge/internal/services/health/module"
	pipelinemod "ehrbridge/internal/services/pipeline/module"
	publishmod "ehrbridge/internal/services/publish/module"
	transformmod "ehrbridge/internal/services/transform/module"
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
	tm := transformmod.New(rt.Deps, transformmod.Options{
		Dialect:   rt.Store.Dialect,
		Settings:  rt.Settings,
		Resources: rt.Resources,
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
	module.Register(tm.Name(), tm.Ports())
	module.Register(pm.Name(), pm.Ports())
	module.Register(hm.Name(), hm.Ports())

	if err := fm.Init(ctx); err != nil {
		l.Fatal().Err(err).Msg("fetch_state init failed")
	}
	if err := tm.Init(ctx); err != nil {
		l.Fatal().Err(err).Msg("fhir_queue init failed")
	}

	pl := pipelinemod.New(rt.Deps, pipelinemod.Options{
		Settings:  rt.Settings,
		Resources: rt.Resources,
		Health:    hm.Ports().(healthmod.Ports).Checker,
		Fetch:     fm.Ports().(fetchmod.Ports).Runner,
		Transform: tm.Ports().(transformmod.Ports).Runner,
		Publish:   pm.Ports().(publishmod.Ports).Runner,
	})
	module.Register(pl.Name(), pl.Ports())

	l.Info().Str("dialect", rt.Store.Dialect).Int("resources", len(rt.Resources)).Msg("pipeline starting")
	if err := pl.Ports().(pipelinemod.Ports).Runner.Run(ctx); err != nil {
		l.Fatal().Err(err).Msg("pipeline failed")
	}
	l.Info().Msg("pipeline stopped")
}
