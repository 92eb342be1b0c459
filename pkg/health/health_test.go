package health

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var errBoom = errors.New("boom")

func newTestMonitor(cfg Config) *Monitor {
	return New(cfg, prometheus.NewRegistry())
}

func TestAggregate_AnyCriticalWins(t *testing.T) {
	components := map[string]ComponentHealth{
		"a": {Name: "a", Status: Healthy},
		"b": {Name: "b", Status: Critical},
	}
	if got := aggregate(components); got != Critical {
		t.Errorf("got %v want Critical", got)
	}
}

func TestAggregate_NoComponentsIsUnknown(t *testing.T) {
	if got := aggregate(map[string]ComponentHealth{}); got != Unknown {
		t.Errorf("got %v want Unknown", got)
	}
}

func TestAggregate_AllHealthyIsHealthy(t *testing.T) {
	components := map[string]ComponentHealth{
		"a": {Name: "a", Status: Healthy},
		"b": {Name: "b", Status: Healthy},
	}
	if got := aggregate(components); got != Healthy {
		t.Errorf("got %v want Healthy", got)
	}
}

func TestClassify_DegradesOnResponseTimeOverThreshold(t *testing.T) {
	th := DefaultThresholds()
	status, _ := classify(InstanceMetrics{ResponseTimeMs: th.MaxResponseTimeMs + 1}, th)
	if status != Degraded {
		t.Errorf("got %v want Degraded", status)
	}
}

func TestClassify_CriticalOnResponseTimeFarOverThreshold(t *testing.T) {
	th := DefaultThresholds()
	status, _ := classify(InstanceMetrics{ResponseTimeMs: th.MaxResponseTimeMs*2 + 1}, th)
	if status != Critical {
		t.Errorf("got %v want Critical", status)
	}
}

func TestClassify_HealthyWithinThresholds(t *testing.T) {
	th := DefaultThresholds()
	status, _ := classify(InstanceMetrics{ResponseTimeMs: 1, CPUPercent: 1, Confidence: 1, Accuracy: 1}, th)
	if status != Healthy {
		t.Errorf("got %v want Healthy", status)
	}
}

func TestMonitor_CheckAggregatesRegisteredInstances(t *testing.T) {
	m := newTestMonitor(DefaultConfig())
	m.RegisterInstance("ok", func() (InstanceMetrics, error) { return InstanceMetrics{}, nil })
	m.RegisterInstance("broken", func() (InstanceMetrics, error) { return InstanceMetrics{}, errBoom })

	results := m.Check()
	if len(results) != 2 {
		t.Fatalf("got %d components want 2", len(results))
	}
	if results["ok"].Status != Healthy {
		t.Errorf("ok component: got %v want Healthy", results["ok"].Status)
	}
	if results["broken"].Status != Critical {
		t.Errorf("broken component: got %v want Critical", results["broken"].Status)
	}
	if m.Overall() != Critical {
		t.Errorf("overall: got %v want Critical", m.Overall())
	}
}

func TestMonitor_HealthChangeCallbackFiresOnTransition(t *testing.T) {
	m := newTestMonitor(DefaultConfig())
	var seen []Status
	m.SetHealthChangeCallback(func(overall Status, _ map[string]ComponentHealth) {
		seen = append(seen, overall)
	})

	healthy := true
	m.RegisterInstance("flaky", func() (InstanceMetrics, error) {
		if healthy {
			return InstanceMetrics{}, nil
		}
		return InstanceMetrics{}, errBoom
	})
	m.Check()
	healthy = false
	m.Check()
	healthy = true
	m.Check()

	if len(seen) != 3 {
		t.Fatalf("got %d callback firings want 3 (Unknown->Healthy, Healthy->Critical, Critical->Healthy)", len(seen))
	}
	if seen[0] != Healthy || seen[1] != Critical || seen[2] != Healthy {
		t.Errorf("got %v", seen)
	}
}

func TestMonitor_RecommendPicksLowestLoad(t *testing.T) {
	m := newTestMonitor(DefaultConfig())
	m.RegisterInstance("slow", func() (InstanceMetrics, error) {
		return InstanceMetrics{ResponseTimeMs: 900}, nil
	})
	m.RegisterInstance("fast", func() (InstanceMetrics, error) {
		return InstanceMetrics{ResponseTimeMs: 10}, nil
	})
	m.Check()

	if got := m.Recommend(); got != "fast" {
		t.Errorf("got %q want fast", got)
	}
}

func TestMonitor_CanAcceptFalseWhenCritical(t *testing.T) {
	m := newTestMonitor(DefaultConfig())
	m.RegisterInstance("broken", func() (InstanceMetrics, error) { return InstanceMetrics{}, errBoom })
	m.Check()
	if m.CanAccept() {
		t.Error("expected CanAccept to be false when overall status is critical")
	}
}

func TestMonitor_AlertCooldownSuppressesRepeats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlertCooldown = time.Hour
	m := newTestMonitor(cfg)
	var alerts int
	m.SetAlertCallback(func(Alert) { alerts++ })
	m.RegisterInstance("broken", func() (InstanceMetrics, error) { return InstanceMetrics{}, errBoom })

	m.Check()
	m.Check()
	m.Check()

	if alerts != 1 {
		t.Errorf("got %d alerts want 1 (cooldown should suppress the rest)", alerts)
	}
}

func TestMonitor_AcknowledgeClearsActiveAlert(t *testing.T) {
	m := newTestMonitor(DefaultConfig())
	m.RegisterInstance("broken", func() (InstanceMetrics, error) { return InstanceMetrics{}, errBoom })
	m.Check()

	active := m.ActiveAlerts()
	if len(active) != 1 {
		t.Fatalf("got %d active alerts want 1", len(active))
	}
	if !m.Acknowledge(active[0].ID) {
		t.Fatal("expected acknowledge to succeed for a known alert id")
	}
	m.ClearAcknowledged()
	if len(m.ActiveAlerts()) != 0 {
		t.Error("expected no active alerts after clearing an acknowledged one")
	}
}

func TestMonitor_SetEnabledFalseSkipsChecks(t *testing.T) {
	m := newTestMonitor(DefaultConfig())
	m.RegisterInstance("ok", func() (InstanceMetrics, error) { return InstanceMetrics{}, nil })
	m.SetEnabled(false)
	if results := m.Check(); len(results) != 0 {
		t.Errorf("got %d results want 0 while disabled", len(results))
	}
}
