package openehr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	perr "ehrbridge/internal/platform/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL:    srv.URL,
		AuthMethod: AuthBasic,
		Username:   "u",
		Password:   "p",
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
	})
	c.sleep = func(time.Duration) {}
	return c
}

func TestParseAuthMethod(t *testing.T) {
	for _, ok := range []string{"basic", "bearer", "api_key"} {
		if _, err := ParseAuthMethod(ok); err != nil {
			t.Errorf("ParseAuthMethod(%q): %v", ok, err)
		}
	}
	if _, err := ParseAuthMethod("digest"); err == nil {
		t.Fatal("expected error for unsupported method")
	}
}

func TestQueryOK(t *testing.T) {
	var gotBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/query" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "u" || p != "p" {
			t.Error("basic auth missing")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resultSet": []map[string]any{{"composition_id": "c-1"}},
		})
	})

	res, err := c.Query(context.Background(), "SELECT c FROM EHR e")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if gotBody["aql"] != "SELECT c FROM EHR e" {
		t.Fatalf("aql payload = %q", gotBody["aql"])
	}
	if res.NoContent || len(res.Rows) != 1 || res.Rows[0]["composition_id"] != "c-1" {
		t.Fatalf("result = %+v", res)
	}
}

func TestQueryNoContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	res, err := c.Query(context.Background(), "SELECT c FROM EHR e")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !res.NoContent || res.Rows != nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestQueryRetriesTransient(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"resultSet": []map[string]any{}})
	})
	if _, err := c.Query(context.Background(), "q"); err != nil {
		t.Fatalf("query: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestQueryUnexpectedStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad aql", http.StatusBadRequest)
	})
	_, err := c.Query(context.Background(), "q")
	if err == nil {
		t.Fatal("expected error")
	}
	if perr.CodeOf(err) != perr.ErrorCodeProtocol {
		t.Fatalf("code = %v", perr.CodeOf(err))
	}
	if perr.Retryable(err) {
		t.Fatal("4xx must not be retryable")
	}
}

func TestHeartbeat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions || r.URL.Path != "/rest/v1/ehr" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.Heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	down := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	err := down.Heartbeat(context.Background())
	if err == nil || !perr.Retryable(err) {
		t.Fatalf("want retryable error, got %v", err)
	}
}

func TestHeartbeatPathOverride(t *testing.T) {
	var probed string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probed = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Options{BaseURL: srv.URL, HeartbeatPath: "/rest/v1/template"})
	if err := c.Heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if probed != "/rest/v1/template" {
		t.Fatalf("probed %q", probed)
	}
}
