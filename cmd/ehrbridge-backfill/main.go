package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"ehrbridge/internal/app"
	"ehrbridge/internal/modkit/module"
	"ehrbridge/internal/platform/logger"

	fetchdom "ehrbridge/internal/services/fetch/domain"
	fetchmod "ehrbridge/internal/services/fetch/module"
	healthmod "ehrbridge/internal/services/health/module"
	pipelinemod "ehrbridge/internal/services/pipeline/module"
	publishmod "ehrbridge/internal/services/publish/module"
	transformmod "ehrbridge/internal/services/transform/module"
)

func main() {
	logger.Init(logger.FromEnv())
	l := logger.Get()

	var (
		fStart = flag.String("start", "", "window start, YYYY-MM-DDTHH:MM:SS")
		fEnd   = flag.String("end", "", "window end, YYYY-MM-DDTHH:MM:SS")
		fReset = flag.String("reset", "", "clear the fetch cursor for one resource, or 'all'")
	)
	flag.Parse()

	for _, f := range []string{*fStart, *fEnd} {
		if f == "" {
			continue
		}
		if _, err := time.Parse(fetchdom.TimeLayout, f); err != nil {
			l.Fatal().Err(err).Str("value", f).Msg("bad window bound")
		}
	}
	if *fEnd != "" && *fStart != "" && *fEnd <= *fStart {
		l.Fatal().Str("start", *fStart).Str("end", *fEnd).Msg("-end must be after -start")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Bootstrap(ctx)
	if err != nil {
		l.Fatal().Err(err).Msg("bootstrap failed")
	}
	defer rt.Close(context.Background())

	// a backfill is always a single windowed pass
	rt.Settings.Polling.Enabled = false
	if *fStart != "" {
		rt.Settings.FetchByDate.Enabled = true
		rt.Settings.FetchByDate.StartDate = *fStart
	}
	if *fEnd != "" {
		rt.Settings.FetchByDate.EndDate = *fEnd
	}

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

	fetch := fm.Ports().(fetchmod.Ports).Runner
	if *fReset != "" {
		resource := *fReset
		if resource == "all" {
			resource = ""
		}
		if err := fetch.ClearState(ctx, resource); err != nil {
			l.Fatal().Err(err).Msg("cursor reset failed")
		}
		l.Info().Str("resource", *fReset).Msg("fetch cursor cleared")
	}

	pl := pipelinemod.New(rt.Deps, pipelinemod.Options{
		Settings:  rt.Settings,
		Resources: rt.Resources,
		Health:    hm.Ports().(healthmod.Ports).Checker,
		Fetch:     fetch,
		Transform: tm.Ports().(transformmod.Ports).Runner,
		Publish:   pm.Ports().(publishmod.Ports).Runner,
	})
	module.Register(pl.Name(), pl.Ports())

	if err := pl.Ports().(pipelinemod.Ports).Runner.RunCycle(ctx); err != nil {
		l.Fatal().Err(err).Msg("backfill cycle failed")
	}
	l.Info().Msg("backfill complete")
}
