package engine

import (
	"errors"
	"testing"

	"github.com/speechrnt/sttcore/pkg/confidence"
	"github.com/speechrnt/sttcore/pkg/health"
)

var errForcedFailure = errors.New("forced failure")

func newTestEngine() *Engine {
	return New(DefaultConfig())
}

func TestNew_RegistersBufferAndQueueHealthChecks(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	results := e.Health().Check()
	if _, ok := results["buffers"]; !ok {
		t.Error("expected a \"buffers\" health instance to be registered")
	}
	if _, ok := results["queue"]; !ok {
		t.Error("expected a \"queue\" health instance to be registered")
	}
}

func TestUninitializedEngine_RejectsStreamingAndTranscribe(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	if err := e.StartStreaming(1, nil); err == nil {
		t.Error("expected StartStreaming to fail before Initialize")
	}
	if err := e.Transcribe(make([]float32, 10), nil); err == nil {
		t.Error("expected Transcribe to fail before Initialize")
	}
	if err := e.SetQuantizationLevel(0); err == nil {
		t.Error("expected SetQuantizationLevel to fail before Initialize")
	}
}

func TestSetConfidenceThreshold_ClampsToUnitInterval(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.SetConfidenceThreshold(-1)
	if got := e.currentPolicy().ConfidenceThreshold; got != 0 {
		t.Errorf("got %v want 0", got)
	}
	e.SetConfidenceThreshold(2)
	if got := e.currentPolicy().ConfidenceThreshold; got != 1 {
		t.Errorf("got %v want 1", got)
	}
	e.SetConfidenceThreshold(0.42)
	if got := e.currentPolicy().ConfidenceThreshold; got != 0.42 {
		t.Errorf("got %v want 0.42", got)
	}
}

func TestSetTemperature_ClampsToUnitInterval(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.SetTemperature(-0.5)
	if got := e.currentParams().Temperature; got != 0 {
		t.Errorf("got %v want 0", got)
	}
	e.SetTemperature(1.5)
	if got := e.currentParams().Temperature; got != 1 {
		t.Errorf("got %v want 1", got)
	}
}

func TestSetLanguageDetectionEnabled_DoesNotPanicBeforeInitialize(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	e.SetLanguageDetectionEnabled(false)
	e.SetLanguageDetectionThreshold(0.8)
	e.SetAutoLanguageSwitching(true)
	if e.Pipeline() == nil {
		t.Fatal("expected a non-nil pipeline orchestrator")
	}
}

func TestSegmentWordConfidence_MatchesConfidencePackage(t *testing.T) {
	got := SegmentWordConfidence("the", 0.9, 1)
	if got <= 0 || got > 1 {
		t.Errorf("got %v, expected a probability in (0,1]", got)
	}
	if want := confidence.AdjustWord("the", 0.9, 1); got != want {
		t.Errorf("got %v, want confidence.AdjustWord's %v", got, want)
	}
}

func TestSetOnAlert_ForwardsMonitorAlerts(t *testing.T) {
	e := newTestEngine()
	defer e.Close()

	fired := make(chan health.Alert, 1)
	e.SetOnAlert(func(a health.Alert) { fired <- a })

	e.Health().RegisterInstance("forced-failure", func() (health.InstanceMetrics, error) {
		return health.InstanceMetrics{}, errForcedFailure
	})
	e.Health().Check()

	select {
	case a := <-fired:
		if a.Component != "forced-failure" {
			t.Errorf("got component %q want forced-failure", a.Component)
		}
	default:
		t.Fatal("expected an alert to fire for the forced-failure instance")
	}
}
