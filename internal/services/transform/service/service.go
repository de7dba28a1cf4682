// Package service implements the transform stage: staging rows become FHIR
// resources and land in fhir_queue. Standard resources map row by row;
// consent resources fold groups of rows into one resource each.
package service

import (
	"context"
	"encoding/json"

	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/core/consent"
	"ehrbridge/internal/core/fhirmap"
	"ehrbridge/internal/modkit/repokit"
	"ehrbridge/internal/platform/logger"
	"ehrbridge/internal/services/transform/domain"
)

// Config carries the settings slice the transformer acts on
type Config struct {
	Settings  *appconfig.Settings
	Resources []appconfig.Resource
}

// Service implements domain.RunnerPort
type Service struct {
	db   repokit.TxRunner
	repo repokit.Binder[domain.StorageRepo]
	cfg  Config
	log  logger.Logger
}

// New constructs the transform service
func New(db repokit.TxRunner, binder repokit.Binder[domain.StorageRepo], cfg Config) *Service {
	return &Service{db: db, repo: binder, cfg: cfg, log: *logger.Named("transform")}
}

// Init ensures fhir_queue exists
func (s *Service) Init(ctx context.Context) error {
	return s.repo.Bind(s.db).EnsureQueue(ctx)
}

// ProcessStandard maps every non consent resource
func (s *Service) ProcessStandard(ctx context.Context) []domain.Report {
	var out []domain.Report
	for _, res := range s.cfg.Resources {
		if res.IsConsent() {
			continue
		}
		out = append(out, s.ProcessResource(ctx, res))
	}
	return out
}

// ProcessConsent maps the consent resources
func (s *Service) ProcessConsent(ctx context.Context) []domain.Report {
	var out []domain.Report
	for _, res := range s.cfg.Resources {
		if res.IsConsent() {
			out = append(out, s.ProcessResource(ctx, res))
		}
	}
	return out
}

// ProcessResource runs one resource's staged rows through mapping and
// enqueue. Rows that cannot produce a valid resource are skipped, never
// fatal; they stay in staging for inspection
func (s *Service) ProcessResource(ctx context.Context, res appconfig.Resource) domain.Report {
	name := res.Lower()
	log := logger.C(logger.WithResource(ctx, name))
	repo := s.repo.Bind(s.db)
	report := domain.Report{Resource: name}

	// consent groups must never be split by a batch boundary, so the
	// consent read is group-ordered and unbounded
	var rows []domain.StagingRow
	var err error
	if res.IsConsent() {
		rows, err = repo.ReadUnprocessedGroups(ctx, name, groupColumn(res))
	} else {
		rows, err = repo.ReadUnprocessed(ctx, name, s.cfg.Settings.BatchSize())
	}
	if err != nil {
		log.Error().Err(err).Msg("staging read failed")
		return report
	}
	report.Read = len(rows)
	if len(rows) == 0 {
		return report
	}

	if res.IsConsent() {
		s.processConsent(ctx, log, res, rows, &report)
	} else {
		s.processStandard(ctx, log, repo, res, rows, &report)
	}

	log.Info().Int("read", report.Read).Int("enqueued", report.Enqueued).
		Int("skipped", report.Skipped).Msg("transform complete")
	return report
}

func groupColumn(res appconfig.Resource) string {
	if res.GroupBy != "" {
		return res.GroupBy
	}
	return consent.DefaultGroupBy
}

func (s *Service) processStandard(
	ctx context.Context,
	log *logger.Logger,
	repo domain.StorageRepo,
	res appconfig.Resource,
	rows []domain.StagingRow,
	report *domain.Report,
) {
	mapper := &fhirmap.Mapper{Template: res.Template, Required: res.Required}

	for _, row := range rows {
		if missing := mapper.MissingRequired(row.Data); missing != nil {
			log.Warn().Int64("staging_id", row.ID).Strs("missing", missing).Msg("row missing required fields")
			report.Skipped++
			continue
		}
		resource, err := mapper.MapRow(row.Data)
		if err != nil {
			log.Error().Err(err).Int64("staging_id", row.ID).Msg("mapping failed")
			report.Skipped++
			continue
		}
		identifier := resource.Identifier()
		if identifier == "" {
			log.Warn().Int64("staging_id", row.ID).Msg("mapped resource has no identifier")
			report.Skipped++
			continue
		}
		payload, err := json.Marshal(resource)
		if err != nil {
			log.Error().Err(err).Int64("staging_id", row.ID).Msg("resource marshal failed")
			report.Skipped++
			continue
		}
		inserted, err := repo.EnqueueStaged(ctx, row.ID, res.Name, identifier, payload)
		if err != nil {
			log.Error().Err(err).Int64("staging_id", row.ID).Msg("enqueue failed")
			report.Skipped++
			continue
		}
		if inserted {
			report.Enqueued++
		}
	}
}

func (s *Service) processConsent(
	ctx context.Context,
	log *logger.Logger,
	res appconfig.Resource,
	rows []domain.StagingRow,
	report *domain.Report,
) {
	data := make([]map[string]any, len(rows))
	for i, row := range rows {
		data[i] = row.Data
	}

	mapper := &consent.Mapper{Template: res.Template, Required: res.Required, GroupBy: res.GroupBy}
	resources, skips, err := mapper.MapRows(data)
	if err != nil {
		log.Error().Err(err).Msg("consent mapping failed")
		return
	}
	for _, sk := range skips {
		log.Warn().Str("group", sk.Key).Strs("missing", sk.Missing).Msg("consent group skipped")
		report.Skipped++
	}

	groupCol := groupColumn(res)

	for _, resource := range resources {
		identifier := resource.Identifier()
		if identifier == "" {
			log.Warn().Msg("consent resource has no identifier")
			report.Skipped++
			continue
		}
		payload, err := json.Marshal(resource)
		if err != nil {
			log.Error().Err(err).Str("identifier", identifier).Msg("consent marshal failed")
			report.Skipped++
			continue
		}

		// enqueue and the group flag commit together so a crash between
		// the two cannot strand an enqueued group as unprocessed
		err = repokit.WithTx(ctx, s.db, func(q repokit.Queryer) error {
			txRepo := s.repo.Bind(q)
			inserted, err := txRepo.Enqueue(ctx, res.Name, identifier, payload)
			if err != nil {
				return err
			}
			if inserted {
				report.Enqueued++
			}
			return txRepo.MarkProcessedByGroup(ctx, res.Lower(), groupCol, identifier)
		})
		if err != nil {
			log.Error().Err(err).Str("identifier", identifier).Msg("consent enqueue failed")
			report.Skipped++
		}
	}
}
