// Package service implements the publish stage: queued FHIR resources are
// upserted against the FHIR server and cleaned out of the queue and the
// staging tables once delivered.
package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ehrbridge/internal/adapters/fhir"
	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/core/consent"
	"ehrbridge/internal/modkit/repokit"
	"ehrbridge/internal/platform/logger"
	"ehrbridge/internal/services/publish/domain"

	perr "ehrbridge/internal/platform/errors"
)

// Config carries the settings slice the publisher acts on
type Config struct {
	Settings  *appconfig.Settings
	Resources []appconfig.Resource
}

// Service implements domain.RunnerPort
type Service struct {
	db   repokit.TxRunner
	repo repokit.Binder[domain.StorageRepo]
	fhir domain.Upserter
	cfg  Config
	log  logger.Logger

	// retryInterval is a seam for tests
	retryInterval time.Duration
}

// New constructs the publish service
func New(db repokit.TxRunner, binder repokit.Binder[domain.StorageRepo], fhirClient domain.Upserter, cfg Config) *Service {
	return &Service{
		db:            db,
		repo:          binder,
		fhir:          fhirClient,
		cfg:           cfg,
		log:           *logger.Named("publish"),
		retryInterval: cfg.Settings.RetryInterval(),
	}
}

// PublishStandard drains the non-consent queue rows
func (s *Service) PublishStandard(ctx context.Context) domain.Report {
	return s.drain(ctx, false)
}

// PublishConsent drains the consent queue rows. Invalid consent resources
// stay queued so no consent decision is silently lost
func (s *Service) PublishConsent(ctx context.Context) domain.Report {
	return s.drain(ctx, true)
}

// Stats reports the unprocessed queue backlog
func (s *Service) Stats(ctx context.Context) (domain.QueueStats, error) {
	return s.repo.Bind(s.db).Stats(ctx)
}

// drain works through the queue in batches until it is empty or a batch
// makes no progress. Retained rows would otherwise be re-read forever
func (s *Service) drain(ctx context.Context, consentRows bool) domain.Report {
	scope := "standard"
	if consentRows {
		scope = "consent"
	}
	log := s.log.With().Str("scope", scope).Logger()
	repo := s.repo.Bind(s.db)
	report := domain.Report{Scope: scope}
	batchSize := s.cfg.Settings.BatchSize()

	for {
		if ctx.Err() != nil {
			return report
		}
		rows, err := repo.ReadBatch(ctx, consentRows, batchSize)
		if err != nil {
			log.Error().Err(err).Msg("queue read failed")
			return report
		}
		if len(rows) == 0 {
			break
		}
		report.Read += len(rows)

		progress := 0
		for _, row := range rows {
			switch s.publishRow(ctx, &log, row, consentRows) {
			case rowDelivered:
				report.Delivered++
				progress++
			case rowDiscarded:
				report.Discarded++
				progress++
			case rowRetained:
				report.Retained++
			}
		}
		if progress == 0 {
			break
		}
		if len(rows) < batchSize {
			break
		}
	}

	log.Info().Int("read", report.Read).Int("delivered", report.Delivered).
		Int("discarded", report.Discarded).Int("retained", report.Retained).
		Msg("publish complete")
	return report
}

type rowResult int

const (
	rowDelivered rowResult = iota
	rowDiscarded
	rowRetained
)

func (s *Service) publishRow(ctx context.Context, log *logger.Logger, row domain.QueueRow, isConsent bool) rowResult {
	var resource map[string]any
	if err := json.Unmarshal(row.Data, &resource); err != nil {
		log.Error().Err(err).Int64("queue_id", row.ID).Str("identifier", row.Identifier).
			Msg("queued payload is not valid JSON")
		return s.settleInvalid(ctx, log, row, isConsent)
	}

	outcome, err := s.upsertWithRetry(ctx, row, resource)
	if err != nil {
		log.Warn().Err(err).Int64("queue_id", row.ID).Str("identifier", row.Identifier).
			Msg("publish attempt exhausted retries")
		return rowRetained
	}

	switch outcome.Disposition {
	case fhir.Delivered:
		if err := s.settleDelivered(ctx, row, isConsent); err != nil {
			log.Error().Err(err).Int64("queue_id", row.ID).Msg("delivered row cleanup failed")
			return rowRetained
		}
		log.Debug().Int64("queue_id", row.ID).Str("identifier", row.Identifier).
			Str("method", outcome.Method).Msg("resource delivered")
		return rowDelivered
	case fhir.Invalid:
		return s.settleInvalid(ctx, log, row, isConsent)
	default:
		return rowRetained
	}
}

// upsertWithRetry retries transient failures at a fixed interval, up to the
// configured count. Invalid and delivered outcomes return immediately
func (s *Service) upsertWithRetry(ctx context.Context, row domain.QueueRow, resource map[string]any) (fhir.Outcome, error) {
	var out fhir.Outcome

	op := func() error {
		var err error
		out, err = s.fhir.Upsert(ctx, row.ResourceType, row.Identifier, resource)
		if err != nil {
			return err
		}
		if out.Disposition == fhir.Transient {
			return perr.Unavailablef("fhir upsert status %d", out.Status)
		}
		return nil
	}

	retries := s.cfg.Settings.RetryCount()
	if retries <= 0 {
		return out, op()
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryInterval), uint64(retries)),
		ctx,
	)
	return out, backoff.Retry(op, b)
}

// settleDelivered removes the queue row together with its staging rows so
// a crash between the two cannot leave either side behind
func (s *Service) settleDelivered(ctx context.Context, row domain.QueueRow, isConsent bool) error {
	return repokit.WithTx(ctx, s.db, func(q repokit.Queryer) error {
		txRepo := s.repo.Bind(q)
		if err := txRepo.DeleteQueueRow(ctx, row.ID); err != nil {
			return err
		}
		if isConsent {
			table, groupCol := s.consentStaging()
			return txRepo.DeleteStagingGroup(ctx, table, groupCol, row.Identifier)
		}
		return txRepo.DeleteStagingRow(ctx, strings.ToLower(row.ResourceType), row.StagingID)
	})
}

// settleInvalid applies the discard policy. Consent rows are always
// retained; discarded rows leave the queue but their staging rows stay
// flagged so the transform stage does not enqueue them again
func (s *Service) settleInvalid(ctx context.Context, log *logger.Logger, row domain.QueueRow, isConsent bool) rowResult {
	if isConsent || !s.cfg.Settings.DiscardInvalid() {
		return rowRetained
	}
	err := repokit.WithTx(ctx, s.db, func(q repokit.Queryer) error {
		txRepo := s.repo.Bind(q)
		if err := txRepo.DeleteQueueRow(ctx, row.ID); err != nil {
			return err
		}
		return txRepo.MarkStagingProcessed(ctx, strings.ToLower(row.ResourceType), row.StagingID)
	})
	if err != nil {
		log.Error().Err(err).Int64("queue_id", row.ID).Msg("discard failed")
		return rowRetained
	}
	log.Warn().Int64("queue_id", row.ID).Str("identifier", row.Identifier).Msg("invalid resource discarded")
	return rowDiscarded
}

// consentStaging resolves the staging table and group column from the
// consent resource configuration
func (s *Service) consentStaging() (table, groupCol string) {
	table = appconfig.ConsentName
	groupCol = consent.DefaultGroupBy
	for _, res := range s.cfg.Resources {
		if res.IsConsent() {
			table = res.Lower()
			if res.GroupBy != "" {
				groupCol = res.GroupBy
			}
			return table, groupCol
		}
	}
	return table, groupCol
}
