package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-binarize/internal/scheduler"
	"github.com/23skdu/longbow-binarize/internal/train"
)

var _ scheduler.Observer = (*HealthMonitor)(nil)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthEndpoints(t *testing.T) {
	hm := NewHealthMonitor()
	h := hm.Handler()

	for _, path := range []string{"/health", "/healthz"} {
		rr := get(t, h, path)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body["status"] != "healthy" {
			t.Errorf("%s: unexpected body %q", path, rr.Body.String())
		}
	}

	rr := get(t, h, "/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Errorf("metrics endpoint not serving prometheus output")
	}
}

func TestStatusTracksRun(t *testing.T) {
	hm := NewHealthMonitor()
	hm.UnitStarted("block0", 0, 2)
	hm.StageEntered("block0", scheduler.StageTrain)
	hm.StepDone(train.Progress{Unit: "block0", Step: 1, Steps: 4, Loss: 2, LR: 1e-4})
	hm.StepDone(train.Progress{Unit: "block0", Step: 2, Steps: 4, Loss: 1.5, LR: 9e-5})
	hm.UnitDone("block0", "/ckpt/per_block/m_o0.0_block0")
	hm.UnitStarted("block1", 1, 2)

	rr := get(t, hm.Handler(), "/status")
	var st HealthStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Run.Unit != "block1" || st.Run.UnitIndex != 1 || st.Run.Units != 2 {
		t.Errorf("unexpected position %+v", st.Run)
	}
	if diff := cmp.Diff([]string{"block0"}, st.Run.Completed); diff != "" {
		t.Errorf("completed (-want +got):\n%s", diff)
	}
	if st.Run.LastCheckpoint != "/ckpt/per_block/m_o0.0_block0" || st.Run.Loss != 1.5 {
		t.Errorf("unexpected run info %+v", st.Run)
	}
	if len(st.Alerts) != 0 {
		t.Errorf("expected no alerts, got %v", st.Alerts)
	}
}

func TestRunFailedRaisesCriticalAlert(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RunFailed("block1", errors.New("out of memory"))

	rr := get(t, hm.Handler(), "/health")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after failure, got %d", rr.Code)
	}
	st := hm.Status()
	if !st.Run.Failed || st.Status != "critical" || len(st.Alerts) != 1 {
		t.Errorf("unexpected status %+v", st)
	}

	hm.ResolveAlert(0)
	if got := hm.Status().Status; got != "healthy" {
		t.Errorf("expected healthy after resolve, got %s", got)
	}
}

func TestLossSpikeWarning(t *testing.T) {
	hm := NewHealthMonitor()
	hm.UnitStarted("block0", 0, 1)
	hm.StepDone(train.Progress{Unit: "block0", Step: 1, Loss: 0.1})
	hm.StepDone(train.Progress{Unit: "block0", Step: 2, Loss: 5})

	st := hm.Status()
	if len(st.Alerts) != 1 || st.Alerts[0].Level != "warning" {
		t.Fatalf("expected one warning, got %v", st.Alerts)
	}
	if st.Status != "healthy" {
		t.Errorf("warnings should not degrade health, got %s", st.Status)
	}
}

func TestClearAlerts(t *testing.T) {
	hm := NewHealthMonitor()
	hm.AddAlert("error", "checkpoint", "disk full")
	h := hm.Handler()

	if rr := get(t, h, "/admin/clear-alerts"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET should be rejected, got %d", rr.Code)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	if rr.Code != http.StatusOK || len(hm.Status().Alerts) != 0 {
		t.Errorf("alerts not cleared: code=%d", rr.Code)
	}
}
