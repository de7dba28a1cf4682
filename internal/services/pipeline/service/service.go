// Package service drives the ETL loop: health gate, fetch, transform,
// publish, then the consent pass, once per cycle
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/platform/logger"
	fetchdom "ehrbridge/internal/services/fetch/domain"
	healthdom "ehrbridge/internal/services/health/domain"
	"ehrbridge/internal/services/pipeline/domain"
	publishdom "ehrbridge/internal/services/publish/domain"
	transformdom "ehrbridge/internal/services/transform/domain"
)

// Config carries the stage ports the orchestrator sequences
type Config struct {
	Settings  *appconfig.Settings
	Resources []appconfig.Resource

	Health    healthdom.CheckerPort
	Fetch     fetchdom.RunnerPort
	Transform transformdom.RunnerPort
	Publish   publishdom.RunnerPort
}

// Service implements domain.RunnerPort
type Service struct {
	cfg        Config
	log        logger.Logger
	hasConsent bool
}

var _ domain.RunnerPort = (*Service)(nil)

// New constructs the pipeline service
func New(cfg Config) *Service {
	hasConsent := false
	for _, res := range cfg.Resources {
		if res.IsConsent() {
			hasConsent = true
			break
		}
	}
	return &Service{cfg: cfg, log: *logger.Named("pipeline"), hasConsent: hasConsent}
}

// Run executes cycles until ctx is cancelled. With polling disabled a
// single cycle runs and Run returns
func (s *Service) Run(ctx context.Context) error {
	for {
		if err := s.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("cycle aborted")
		}
		if !s.cfg.Settings.Polling.Enabled {
			return nil
		}
		if err := sleepCtx(ctx, s.cfg.Settings.PollInterval()); err != nil {
			return nil
		}
	}
}

// RunCycle executes one fetch-transform-publish pass. Standard resources
// run first, then the consent pass so consent decisions always land on a
// queue the standard pass has already drained
func (s *Service) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()
	ctx = logger.WithCycle(ctx, cycleID)
	log := logger.C(ctx)
	started := time.Now()

	if err := s.cfg.Health.WaitHealthy(ctx); err != nil {
		return err
	}

	fetched := s.cfg.Fetch.FetchStandard(ctx)
	transformed := s.cfg.Transform.ProcessStandard(ctx)
	published := s.cfg.Publish.PublishStandard(ctx)

	log.Info().
		Int("resources_fetched", len(fetched)).
		Int("resources_transformed", len(transformed)).
		Int("published", published.Delivered).
		Msg("standard pass complete")

	if s.hasConsent {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cfg.Fetch.FetchConsent(ctx)
		s.cfg.Transform.ProcessConsent(ctx)
		consentPub := s.cfg.Publish.PublishConsent(ctx)
		log.Info().Int("published", consentPub.Delivered).Msg("consent pass complete")
	}

	log.Info().Dur("took", time.Since(started)).Msg("cycle complete")
	return ctx.Err()
}

// sleepCtx waits for d unless ctx is cancelled first
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
