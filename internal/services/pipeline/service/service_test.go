package service

import (
	"context"
	"testing"
	"time"

	"ehrbridge/internal/appconfig"
	fetchdom "ehrbridge/internal/services/fetch/domain"
	publishdom "ehrbridge/internal/services/publish/domain"
	transformdom "ehrbridge/internal/services/transform/domain"

	perr "ehrbridge/internal/platform/errors"
)

type recorder struct {
	calls []string
}

func (r *recorder) note(name string) { r.calls = append(r.calls, name) }

type fakeHealth struct {
	rec *recorder
	err error
}

func (f *fakeHealth) Check(context.Context) error { return f.err }
func (f *fakeHealth) WaitHealthy(context.Context) error {
	f.rec.note("health")
	return f.err
}

type fakeFetch struct{ rec *recorder }

func (f *fakeFetch) FetchStandard(context.Context) []fetchdom.Report {
	f.rec.note("fetch-standard")
	return nil
}

func (f *fakeFetch) FetchConsent(context.Context) []fetchdom.Report {
	f.rec.note("fetch-consent")
	return nil
}

func (f *fakeFetch) FetchResource(context.Context, appconfig.Resource) fetchdom.Report {
	return fetchdom.Report{}
}

func (f *fakeFetch) ClearState(context.Context, string) error { return nil }

func (f *fakeFetch) States(context.Context) ([]fetchdom.FetchState, error) { return nil, nil }

type fakeTransform struct{ rec *recorder }

func (f *fakeTransform) ProcessStandard(context.Context) []transformdom.Report {
	f.rec.note("transform-standard")
	return nil
}

func (f *fakeTransform) ProcessConsent(context.Context) []transformdom.Report {
	f.rec.note("transform-consent")
	return nil
}

func (f *fakeTransform) ProcessResource(context.Context, appconfig.Resource) transformdom.Report {
	return transformdom.Report{}
}

type fakePublish struct{ rec *recorder }

func (f *fakePublish) PublishStandard(context.Context) publishdom.Report {
	f.rec.note("publish-standard")
	return publishdom.Report{}
}

func (f *fakePublish) PublishConsent(context.Context) publishdom.Report {
	f.rec.note("publish-consent")
	return publishdom.Report{}
}

func (f *fakePublish) Stats(context.Context) (publishdom.QueueStats, error) {
	return publishdom.QueueStats{}, nil
}

func newService(rec *recorder, polling bool, resources ...appconfig.Resource) *Service {
	s := &appconfig.Settings{}
	s.Polling.Enabled = polling
	s.Polling.IntervalSeconds = 1
	return New(Config{
		Settings:  s,
		Resources: resources,
		Health:    &fakeHealth{rec: rec},
		Fetch:     &fakeFetch{rec: rec},
		Transform: &fakeTransform{rec: rec},
		Publish:   &fakePublish{rec: rec},
	})
}

func TestCycleOrderWithConsent(t *testing.T) {
	rec := &recorder{}
	svc := newService(rec, false, appconfig.Resource{Name: "Observation"}, appconfig.Resource{Name: "Consent"})

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	want := []string{
		"health",
		"fetch-standard", "transform-standard", "publish-standard",
		"fetch-consent", "transform-consent", "publish-consent",
	}
	if len(rec.calls) != len(want) {
		t.Fatalf("calls = %v", rec.calls)
	}
	for i, name := range want {
		if rec.calls[i] != name {
			t.Fatalf("calls[%d] = %s, want %s (all: %v)", i, rec.calls[i], name, rec.calls)
		}
	}
}

func TestCycleSkipsConsentWhenUnconfigured(t *testing.T) {
	rec := &recorder{}
	svc := newService(rec, false, appconfig.Resource{Name: "Observation"})

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	for _, c := range rec.calls {
		if c == "fetch-consent" || c == "transform-consent" || c == "publish-consent" {
			t.Fatalf("consent pass ran without a consent resource: %v", rec.calls)
		}
	}
}

func TestRunSingleCycleWithoutPolling(t *testing.T) {
	rec := &recorder{}
	svc := newService(rec, false, appconfig.Resource{Name: "Observation"})

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	count := 0
	for _, c := range rec.calls {
		if c == "fetch-standard" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("cycles = %d", count)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	rec := &recorder{}
	svc := newService(rec, true, appconfig.Resource{Name: "Observation"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestCycleAbortsWhenUnhealthy(t *testing.T) {
	rec := &recorder{}
	s := &appconfig.Settings{}
	svc := New(Config{
		Settings:  s,
		Resources: []appconfig.Resource{{Name: "Observation"}},
		Health:    &fakeHealth{rec: rec, err: perr.Unavailablef("both servers down")},
		Fetch:     &fakeFetch{rec: rec},
		Transform: &fakeTransform{rec: rec},
		Publish:   &fakePublish{rec: rec},
	})

	if err := svc.RunCycle(context.Background()); err == nil {
		t.Fatal("expected health failure to abort the cycle")
	}
	if len(rec.calls) != 1 || rec.calls[0] != "health" {
		t.Fatalf("calls = %v", rec.calls)
	}
}
