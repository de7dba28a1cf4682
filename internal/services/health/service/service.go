// Package service implements the server health gate that runs ahead of
// every pipeline cycle
package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/platform/logger"
	"ehrbridge/internal/services/health/domain"

	perr "ehrbridge/internal/platform/errors"
)

// Config carries the probes and the health check settings
type Config struct {
	Settings *appconfig.Settings
	EHR      domain.Prober
	FHIR     domain.Prober
}

// Service implements domain.CheckerPort
type Service struct {
	cfg Config
	log logger.Logger

	// retryInterval is a seam for tests
	retryInterval time.Duration
}

// New constructs the health service
func New(cfg Config) *Service {
	return &Service{
		cfg:           cfg,
		log:           *logger.Named("health"),
		retryInterval: cfg.Settings.HealthRetryInterval(),
	}
}

// Check probes the openEHR server first, then the FHIR server
func (s *Service) Check(ctx context.Context) error {
	if err := s.cfg.EHR.Heartbeat(ctx); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "openEHR server unhealthy")
	}
	if err := s.cfg.FHIR.Heartbeat(ctx); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "FHIR server unhealthy")
	}
	return nil
}

// WaitHealthy blocks until Check passes. Without a max_retries setting it
// keeps probing until the context is cancelled
func (s *Service) WaitHealthy(ctx context.Context) error {
	if !s.cfg.Settings.ServerHealthCheck.Enabled {
		return nil
	}

	attempt := 0
	op := func() error {
		attempt++
		err := s.Check(ctx)
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("heartbeat failed")
		}
		return err
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(s.retryInterval)
	if max := s.cfg.Settings.ServerHealthCheck.MaxRetries; max > 0 {
		b = backoff.WithMaxRetries(b, uint64(max))
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
