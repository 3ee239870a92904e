package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/healer/internal/core/domain"
)

func newTestServer(t *testing.T, checks map[string]HealthCheck, steps ...step) (*httptest.Server, *harness) {
	t.Helper()
	h := startHarness(t, newFakeExecutor(steps...))
	srv := NewServer(h.loop, NewMonitor(h.loop, checks, 0), 0)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, h
}

func do(t *testing.T, method, url string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestServer_Pipelines(t *testing.T) {
	ts, h := newTestServer(t, nil, succeeded(batchOf(1), nil))

	var list []domain.PipelineStatus
	if code := do(t, "GET", ts.URL+"/pipelines", &list); code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if len(list) != 1 || list[0].PipelineID != "orders" || list[0].State != domain.StateIdle {
		t.Errorf("list = %+v", list)
	}

	var st domain.PipelineStatus
	if code := do(t, "GET", ts.URL+"/pipelines/orders", &st); code != http.StatusOK || st.PipelineID != "orders" {
		t.Errorf("get = %d %+v", code, st)
	}

	if code := do(t, "POST", ts.URL+"/pipelines/orders/trigger", nil); code != http.StatusAccepted {
		t.Errorf("trigger = %d", code)
	}
	h.waitRuns(t, 1, domain.StateIdle)
}

func TestServer_Errors(t *testing.T) {
	ts, _ := newTestServer(t, nil, step{})

	tests := []struct {
		method, path string
		want         int
	}{
		{"GET", "/pipelines/nope", http.StatusNotFound},
		{"POST", "/pipelines/nope/trigger", http.StatusNotFound},
		{"POST", "/pipelines/orders/resume", http.StatusConflict},
		{"GET", "/pipelines/orders/trigger", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		if code := do(t, tt.method, ts.URL+tt.path, nil); code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, code, tt.want)
		}
	}
}

func TestServer_BusyConflict(t *testing.T) {
	ts, h := newTestServer(t, nil, step{})

	if code := do(t, "POST", ts.URL+"/pipelines/orders/trigger", nil); code != http.StatusAccepted {
		t.Fatalf("trigger = %d", code)
	}
	h.waitState(t, domain.StateRunning)

	var body map[string]string
	if code := do(t, "POST", ts.URL+"/pipelines/orders/trigger", &body); code != http.StatusConflict {
		t.Errorf("second trigger = %d", code)
	}
	if body["error"] != ErrBusy.Error() {
		t.Errorf("error = %q", body["error"])
	}
	if code := do(t, "POST", ts.URL+"/pipelines/orders/stop", nil); code != http.StatusAccepted {
		t.Errorf("stop = %d", code)
	}
}

func TestServer_Health(t *testing.T) {
	down := errors.New("connection refused")

	tests := []struct {
		name       string
		checks     map[string]HealthCheck
		wantCode   int
		wantStatus SystemStatus
	}{
		{"no deps", nil, http.StatusOK, StatusHealthy},
		{
			"deps ok",
			map[string]HealthCheck{"postgres": func(context.Context) error { return nil }},
			http.StatusOK, StatusHealthy,
		},
		{
			"dep down",
			map[string]HealthCheck{"redis": func(context.Context) error { return down }},
			http.StatusServiceUnavailable, StatusCritical,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(t, tt.checks, step{})

			var body map[string]string
			if code := do(t, "GET", ts.URL+"/health", &body); code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if body["status"] != string(tt.wantStatus) {
				t.Errorf("status = %q, want %q", body["status"], tt.wantStatus)
			}
		})
	}
}

func TestMonitor_EscalatedIsDegraded(t *testing.T) {
	h := startHarness(t, newFakeExecutor(failed(domain.FailureSignal{Message: "syntax error"})))
	m := NewMonitor(h.loop, nil, 0)

	h.trigger(t)
	h.waitState(t, domain.StateEscalated)

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusDegraded {
		t.Errorf("system status = %s", report.SystemStatus)
	}
	p := report.Pipelines["orders"]
	if p.Status != StatusDegraded || p.Reason != "fatal failure is not retryable" {
		t.Errorf("pipeline health = %+v", p)
	}
}

type staticSource []domain.PipelineStatus

func (s staticSource) Statuses() []domain.PipelineStatus { return s }

func TestMonitor_CachesReport(t *testing.T) {
	calls := 0
	check := func(context.Context) error { calls++; return nil }
	m := NewMonitor(staticSource{{PipelineID: "a", State: domain.StateIdle}}, map[string]HealthCheck{"db": check}, time.Minute)

	m.CheckHealth(context.Background())
	m.CheckHealth(context.Background())
	if calls != 1 {
		t.Errorf("check calls = %d, want 1 (cached)", calls)
	}
}
