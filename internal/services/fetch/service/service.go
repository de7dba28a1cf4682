// Package service implements the fetch stage: per resource window
// resolution, AQL execution, row preprocessing and staging inserts, with
// the fetch cursor advanced only after every insert of the window landed.
package service

import (
	"context"
	"sync"
	"time"

	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/core/aql"
	"ehrbridge/internal/core/pseudonym"
	"ehrbridge/internal/modkit/repokit"
	"ehrbridge/internal/platform/logger"
	ptime "ehrbridge/internal/platform/time"
	"ehrbridge/internal/services/fetch/domain"

	perr "ehrbridge/internal/platform/errors"
)

// Config carries the settings slice the fetcher acts on
type Config struct {
	Settings  *appconfig.Settings
	Resources []appconfig.Resource

	// Transformer is nil when pseudonymisation is disabled
	Transformer *pseudonym.Transformer
}

// Service implements domain.RunnerPort
type Service struct {
	db   repokit.TxRunner
	repo repokit.Binder[domain.StorageRepo]
	ehr  domain.Querier
	cfg  Config
	log  logger.Logger
	now  func() time.Time
}

// New constructs the fetch service
func New(db repokit.TxRunner, binder repokit.Binder[domain.StorageRepo], ehr domain.Querier, cfg Config) *Service {
	return &Service{
		db:   db,
		repo: binder,
		ehr:  ehr,
		cfg:  cfg,
		log:  *logger.Named("fetch"),
		now:  time.Now,
	}
}

// Init ensures the fetch_state table exists
func (s *Service) Init(ctx context.Context) error {
	return s.repo.Bind(s.db).EnsureFetchState(ctx)
}

// FetchStandard runs every non consent resource, at most
// max_parallel_fetches at a time
func (s *Service) FetchStandard(ctx context.Context) []domain.Report {
	var targets []appconfig.Resource
	for _, r := range s.cfg.Resources {
		if !r.IsConsent() {
			targets = append(targets, r)
		}
	}
	return s.fetchMany(ctx, targets, s.cfg.Settings.MaxParallelFetches())
}

// FetchConsent runs the consent resources sequentially
func (s *Service) FetchConsent(ctx context.Context) []domain.Report {
	var targets []appconfig.Resource
	for _, r := range s.cfg.Resources {
		if r.IsConsent() {
			targets = append(targets, r)
		}
	}
	return s.fetchMany(ctx, targets, 1)
}

func (s *Service) fetchMany(ctx context.Context, targets []appconfig.Resource, parallel int) []domain.Report {
	if parallel < 1 {
		parallel = 1
	}
	reports := make([]domain.Report, len(targets))
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup

	for i, res := range targets {
		wg.Add(1)
		go func(i int, res appconfig.Resource) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				reports[i] = domain.Report{Resource: res.Lower(), Skipped: true, Reason: ctx.Err().Error()}
				return
			}
			reports[i] = s.FetchResource(ctx, res)
		}(i, res)
	}
	wg.Wait()
	return reports
}

// FetchResource runs one full window for one resource. Failures are
// reported, not returned; one broken resource never stops the cycle
func (s *Service) FetchResource(ctx context.Context, res appconfig.Resource) domain.Report {
	name := res.Lower()
	log := logger.C(logger.WithResource(ctx, name))
	repo := s.repo.Bind(s.db)
	report := domain.Report{Resource: name}

	if skip, reason := s.priorityGate(ctx, repo, res); skip {
		log.Info().Str("reason", reason).Msg("fetch skipped")
		report.Skipped, report.Reason = true, reason
		return report
	}

	windowing := s.cfg.Settings.FetchByDate.Enabled
	window, params, err := s.resolveWindow(ctx, repo, res)
	if err != nil {
		log.Error().Err(err).Msg("window resolution failed")
		report.Skipped, report.Reason = true, err.Error()
		return report
	}
	if window != nil {
		report.Window = window
		if !window.Start.Before(window.End) {
			report.Skipped, report.Reason = true, "window exhausted"
			return report
		}
	}

	statement, err := aql.Build(res.QueryTemplate, params, windowing)
	if err != nil {
		log.Error().Err(err).Msg("aql build failed")
		report.Skipped, report.Reason = true, err.Error()
		return report
	}

	result, err := s.ehr.Query(ctx, statement)
	if err != nil {
		log.Error().Err(err).Msg("ehr query failed")
		report.Skipped, report.Reason = true, err.Error()
		return report
	}
	if result.NoContent {
		// 204 observes nothing; the cursor must not move
		log.Info().Msg("ehr returned no content")
		report.Reason = "no content"
		return report
	}
	report.Rows = len(result.Rows)

	if err := s.preprocess(ctx, result.Rows); err != nil {
		log.Error().Err(err).Msg("row preprocessing failed")
		report.Skipped, report.Reason = true, err.Error()
		return report
	}

	// staging inserts and the cursor advance commit together: a partial
	// window is never recorded as done
	err = repokit.WithTx(ctx, s.db, func(q repokit.Queryer) error {
		txRepo := s.repo.Bind(q)
		if len(result.Rows) > 0 {
			if err := txRepo.EnsureStaging(ctx, name, columnsOf(result.Rows)); err != nil {
				return err
			}
			n, err := txRepo.InsertStagingRows(ctx, name, result.Rows)
			report.Inserted = n
			if err != nil {
				return err
			}
		}
		last, next := s.advance(window, params)
		return txRepo.UpdateState(ctx, name, last, next)
	})
	if err != nil {
		log.Error().Err(err).Msg("staging write failed")
		report.Skipped, report.Reason = true, err.Error()
		return report
	}

	log.Info().Int("rows", report.Rows).Int("inserted", report.Inserted).Msg("fetch complete")
	return report
}

// priorityGate reports whether the resource ran too recently for its
// priority level
func (s *Service) priorityGate(ctx context.Context, repo domain.StorageRepo, res appconfig.Resource) (bool, string) {
	gap := s.cfg.Settings.PriorityGapMinutes(res.Priority)
	if gap <= 0 {
		return false, ""
	}
	state, err := repo.State(ctx, res.Lower())
	if err != nil || state == nil {
		return false, ""
	}
	elapsed := s.now().Sub(state.LastRun)
	if elapsed < time.Duration(gap)*time.Minute {
		return true, "priority gate"
	}
	return false, ""
}

// resolveWindow computes the query parameters. With windowing enabled the
// cursor's next_run_time is the new window start, clamped at end_date.
// With windowing disabled the resource's default parameters drive the query
// and no window is produced
func (s *Service) resolveWindow(ctx context.Context, repo domain.StorageRepo, res appconfig.Resource) (*domain.Window, aql.Params, error) {
	params := aql.Params{
		"composition_name": res.Parameters["composition_name"],
		"offset":           paramOr(res.Parameters, "offset", "0"),
		"limit":            paramOr(res.Parameters, "limit", "100"),
	}

	fbd := s.cfg.Settings.FetchByDate
	if !fbd.Enabled {
		params["last_run_time"] = paramOr(res.Parameters, "last_run_time", fbd.StartDate)
		params["end_run_time"] = ""
		return nil, params, nil
	}

	state, err := repo.State(ctx, res.Lower())
	if err != nil {
		return nil, nil, err
	}

	var start time.Time
	if state != nil {
		start = state.NextRun
	} else {
		if fbd.StartDate == "" {
			return nil, nil, perr.Configf("fetch_by_date.start_date required for first run of %s", res.Lower())
		}
		start, err = time.Parse(domain.TimeLayout, fbd.StartDate)
		if err != nil {
			return nil, nil, perr.Configf("fetch_by_date.start_date %q: %v", fbd.StartDate, err)
		}
	}

	end := start.Add(s.cfg.Settings.FetchInterval())
	if fbd.EndDate != "" {
		clamp, err := time.Parse(domain.TimeLayout, fbd.EndDate)
		if err != nil {
			return nil, nil, perr.Configf("fetch_by_date.end_date %q: %v", fbd.EndDate, err)
		}
		if end.After(clamp) {
			end = clamp
		}
	}

	params["last_run_time"] = start.Format(domain.TimeLayout)
	params["end_run_time"] = end.Format(domain.TimeLayout)
	return &domain.Window{Start: start, End: end}, params, nil
}

// advance returns the cursor values written after a successful window.
// Windowed mode records the covered window; polling mode stamps the poll
// interval so priority gating has a timestamp to work from
func (s *Service) advance(window *domain.Window, params aql.Params) (last, next string) {
	if window != nil {
		return window.Start.Format(domain.TimeLayout), window.End.Format(domain.TimeLayout)
	}
	start, err := time.Parse(domain.TimeLayout, params["last_run_time"])
	if err != nil {
		start = ptime.TruncSec(s.now())
	}
	return start.Format(domain.TimeLayout), start.Add(s.cfg.Settings.PollInterval()).Format(domain.TimeLayout)
}

// preprocess applies pseudonymisation then sanitisation in place
func (s *Service) preprocess(ctx context.Context, rows []map[string]any) error {
	san := s.cfg.Settings.Sanitize
	for _, row := range rows {
		if err := s.cfg.Transformer.TransformRow(ctx, row); err != nil {
			return err
		}
		if !san.Enabled {
			continue
		}
		for _, field := range san.Elements {
			if s.cfg.Transformer.Enabled(field) {
				// pseudonymised handles are already safe
				continue
			}
			if v, ok := row[field].(string); ok && v != "" {
				row[field] = pseudonym.Sanitize(v)
			}
		}
	}
	return nil
}

// ClearState drops fetch cursors; resource "" clears all
func (s *Service) ClearState(ctx context.Context, resource string) error {
	return s.repo.Bind(s.db).ClearState(ctx, resource)
}

// States lists the persisted cursors
func (s *Service) States(ctx context.Context) ([]domain.FetchState, error) {
	return s.repo.Bind(s.db).States(ctx)
}

func columnsOf(rows []map[string]any) []string {
	seen := map[string]bool{}
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

func paramOr(m map[string]string, key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}
