package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"ehrbridge/internal/adapters/openehr"
	"ehrbridge/internal/appconfig"
	"ehrbridge/internal/modkit/repokit"
	"ehrbridge/internal/services/fetch/domain"
)

// fakeTx satisfies repokit.TxRunner; the fake repo ignores the queryer
type fakeTx struct{}

func (fakeTx) Exec(context.Context, string, ...any) (repokit.CommandTag, error) { return nil, nil }
func (fakeTx) Query(context.Context, string, ...any) (repokit.Rows, error)      { return nil, nil }
func (fakeTx) QueryRow(context.Context, string, ...any) repokit.Row             { return nil }
func (fakeTx) Tx(ctx context.Context, fn func(q repokit.Queryer) error) error   { return fn(fakeTx{}) }

type fakeRepo struct {
	states   map[string]*domain.FetchState
	staged   map[string][]map[string]any
	ensured  map[string][]string
	failNext bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		states:  map[string]*domain.FetchState{},
		staged:  map[string][]map[string]any{},
		ensured: map[string][]string{},
	}
}

func (f *fakeRepo) EnsureFetchState(context.Context) error { return nil }

func (f *fakeRepo) EnsureStaging(_ context.Context, table string, cols []string) error {
	f.ensured[table] = cols
	return nil
}

func (f *fakeRepo) InsertStagingRows(_ context.Context, table string, rows []map[string]any) (int, error) {
	if f.failNext {
		return 0, context.DeadlineExceeded
	}
	f.staged[table] = append(f.staged[table], rows...)
	return len(rows), nil
}

func (f *fakeRepo) State(_ context.Context, resource string) (*domain.FetchState, error) {
	return f.states[resource], nil
}

func (f *fakeRepo) UpdateState(_ context.Context, resource, lastRun, nextRun string) error {
	if f.failNext {
		return context.DeadlineExceeded
	}
	last, _ := time.Parse(domain.TimeLayout, lastRun)
	next, _ := time.Parse(domain.TimeLayout, nextRun)
	f.states[resource] = &domain.FetchState{Resource: resource, LastRun: last, NextRun: next}
	return nil
}

func (f *fakeRepo) ClearState(_ context.Context, resource string) error {
	if resource == "" {
		f.states = map[string]*domain.FetchState{}
	} else {
		delete(f.states, resource)
	}
	return nil
}

func (f *fakeRepo) States(context.Context) ([]domain.FetchState, error) {
	var out []domain.FetchState
	for _, s := range f.states {
		out = append(out, *s)
	}
	return out, nil
}

type fakeEHR struct {
	result openehr.Result
	err    error
	asked  []string
}

func (f *fakeEHR) Query(_ context.Context, aqlStatement string) (openehr.Result, error) {
	f.asked = append(f.asked, aqlStatement)
	return f.result, f.err
}

func windowedSettings() *appconfig.Settings {
	s := &appconfig.Settings{}
	s.FetchByDate.Enabled = true
	s.FetchByDate.StartDate = "2023-01-01T00:00:00"
	s.FetchByDate.FetchIntervalHours = 24
	return s
}

func observationResource() appconfig.Resource {
	return appconfig.Resource{
		Name:     "Observation",
		Priority: 1,
		QueryTemplate: `SELECT c/uid/value AS composition_id FROM EHR e CONTAINS COMPOSITION c
			WHERE c/context/start_time/value >= '{{last_run_time}}'
			AND c/context/start_time/value < '{{end_run_time}}'
			OFFSET {{offset}} LIMIT {{limit}}`,
		Parameters: map[string]string{"limit": "50"},
	}
}

func newService(repo *fakeRepo, ehr *fakeEHR, settings *appconfig.Settings, resources ...appconfig.Resource) *Service {
	return New(
		fakeTx{},
		repokit.BindFunc[domain.StorageRepo](func(repokit.Queryer) domain.StorageRepo { return repo }),
		ehr,
		Config{Settings: settings, Resources: resources},
	)
}

func TestFetchResourceFirstWindow(t *testing.T) {
	repo := newFakeRepo()
	ehr := &fakeEHR{result: openehr.Result{Rows: []map[string]any{{"composition_id": "c-1"}}}}
	svc := newService(repo, ehr, windowedSettings(), observationResource())

	rep := svc.FetchResource(context.Background(), observationResource())
	if rep.Skipped {
		t.Fatalf("skipped: %s", rep.Reason)
	}
	if rep.Rows != 1 || rep.Inserted != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(repo.staged["observation"]) != 1 {
		t.Fatal("row not staged")
	}

	st := repo.states["observation"]
	if st == nil {
		t.Fatal("state not advanced")
	}
	if got := st.LastRun.Format(domain.TimeLayout); got != "2023-01-01T00:00:00" {
		t.Fatalf("last run = %s", got)
	}
	if got := st.NextRun.Format(domain.TimeLayout); got != "2023-01-02T00:00:00" {
		t.Fatalf("next run = %s", got)
	}
	if !strings.Contains(ehr.asked[0], ">= '2023-01-01T00:00:00'") {
		t.Fatalf("aql = %s", ehr.asked[0])
	}
	if !strings.Contains(ehr.asked[0], "LIMIT 50") {
		t.Fatalf("resource parameter ignored: %s", ehr.asked[0])
	}
}

func TestFetchResourceAdvancesFromCursor(t *testing.T) {
	repo := newFakeRepo()
	last, _ := time.Parse(domain.TimeLayout, "2023-01-01T00:00:00")
	next, _ := time.Parse(domain.TimeLayout, "2023-01-02T00:00:00")
	repo.states["observation"] = &domain.FetchState{Resource: "observation", LastRun: last, NextRun: next}

	ehr := &fakeEHR{result: openehr.Result{}}
	svc := newService(repo, ehr, windowedSettings(), observationResource())

	rep := svc.FetchResource(context.Background(), observationResource())
	if rep.Skipped {
		t.Fatalf("skipped: %s", rep.Reason)
	}
	// empty 200 still advances: the window was observed
	st := repo.states["observation"]
	if got := st.LastRun.Format(domain.TimeLayout); got != "2023-01-02T00:00:00" {
		t.Fatalf("last run = %s", got)
	}
	if got := st.NextRun.Format(domain.TimeLayout); got != "2023-01-03T00:00:00" {
		t.Fatalf("next run = %s", got)
	}
}

func TestFetchResourceNoContentDoesNotAdvance(t *testing.T) {
	repo := newFakeRepo()
	ehr := &fakeEHR{result: openehr.Result{NoContent: true}}
	svc := newService(repo, ehr, windowedSettings(), observationResource())

	rep := svc.FetchResource(context.Background(), observationResource())
	if rep.Skipped {
		t.Fatalf("skipped: %s", rep.Reason)
	}
	if repo.states["observation"] != nil {
		t.Fatal("204 must not advance the cursor")
	}
}

func TestFetchResourceClampsAtEndDate(t *testing.T) {
	repo := newFakeRepo()
	ehr := &fakeEHR{result: openehr.Result{}}
	settings := windowedSettings()
	settings.FetchByDate.EndDate = "2023-01-01T12:00:00"
	svc := newService(repo, ehr, settings, observationResource())

	rep := svc.FetchResource(context.Background(), observationResource())
	if rep.Window == nil || rep.Window.End.Format(domain.TimeLayout) != "2023-01-01T12:00:00" {
		t.Fatalf("window = %+v", rep.Window)
	}

	// next window starts at the clamp and is empty
	rep = svc.FetchResource(context.Background(), observationResource())
	if !rep.Skipped || rep.Reason != "window exhausted" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestFetchResourceInsertFailureKeepsCursor(t *testing.T) {
	repo := newFakeRepo()
	repo.failNext = true
	ehr := &fakeEHR{result: openehr.Result{Rows: []map[string]any{{"composition_id": "c-1"}}}}
	svc := newService(repo, ehr, windowedSettings(), observationResource())

	rep := svc.FetchResource(context.Background(), observationResource())
	if !rep.Skipped {
		t.Fatal("expected failure report")
	}
	if repo.states["observation"] != nil {
		t.Fatal("cursor must not advance when inserts fail")
	}
}

func TestFetchResourcePriorityGate(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	repo.states["observation"] = &domain.FetchState{
		Resource: "observation",
		LastRun:  now.Add(-10 * time.Minute),
		NextRun:  now,
	}
	settings := windowedSettings()
	settings.PriorityFetching.Enabled = true
	settings.PriorityFetching.PriorityLevels = map[int]int{1: 60}

	ehr := &fakeEHR{}
	svc := newService(repo, ehr, settings, observationResource())

	rep := svc.FetchResource(context.Background(), observationResource())
	if !rep.Skipped || rep.Reason != "priority gate" {
		t.Fatalf("report = %+v", rep)
	}
	if len(ehr.asked) != 0 {
		t.Fatal("gated resource must not query")
	}
}

func TestFetchStandardSkipsConsent(t *testing.T) {
	repo := newFakeRepo()
	ehr := &fakeEHR{result: openehr.Result{}}
	con := appconfig.Resource{Name: "Consent", QueryTemplate: "SELECT c FROM EHR e"}
	svc := newService(repo, ehr, windowedSettings(), observationResource(), con)

	reports := svc.FetchStandard(context.Background())
	if len(reports) != 1 || reports[0].Resource != "observation" {
		t.Fatalf("reports = %+v", reports)
	}

	reports = svc.FetchConsent(context.Background())
	if len(reports) != 1 || reports[0].Resource != "consent" {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestFetchPollingModeUsesDefaults(t *testing.T) {
	repo := newFakeRepo()
	ehr := &fakeEHR{result: openehr.Result{}}
	settings := &appconfig.Settings{}
	settings.Polling.IntervalSeconds = 300

	res := observationResource()
	res.QueryTemplate = `SELECT c FROM EHR e WHERE t >= '{{last_run_time}}'
		AND c/context/start_time/value < '{{end_run_time}}'
		OFFSET {{offset}} LIMIT {{limit}}`
	res.Parameters["last_run_time"] = "2023-06-01T00:00:00"

	svc := newService(repo, ehr, settings, res)
	rep := svc.FetchResource(context.Background(), res)
	if rep.Skipped {
		t.Fatalf("skipped: %s", rep.Reason)
	}
	if strings.Contains(ehr.asked[0], "end_run_time") {
		t.Fatalf("window clause kept in polling mode: %s", ehr.asked[0])
	}
	st := repo.states["observation"]
	if st == nil || st.NextRun.Sub(st.LastRun) != 5*time.Minute {
		t.Fatalf("state = %+v", st)
	}
}
