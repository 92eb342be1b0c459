package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/speechrnt/sttcore/pkg/external"
	"github.com/speechrnt/sttcore/pkg/model"
	"github.com/speechrnt/sttcore/pkg/queue"
)

type fakeTranslator struct {
	mu     sync.Mutex
	source string
}

func (f *fakeTranslator) Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, float64, error) {
	return "translated:" + text, 0.9, nil
}

func (f *fakeTranslator) SetSourceLanguage(language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = language
	return nil
}

type fakeDetector struct {
	calls  int
	mu     sync.Mutex
	result external.DetectionResult
}

func (f *fakeDetector) Detect(ctx context.Context, text string) (external.DetectionResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result, nil
}

func (f *fakeDetector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func runningPool() (*queue.Queue, *queue.Pool) {
	q := queue.New()
	p := queue.NewPool(2, nil)
	p.Start(q)
	return q, p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestProcessTranscription_FiresTranslationCompleteOnSuccess(t *testing.T) {
	q, pool := runningPool()
	defer pool.Stop(q)

	var gotTranslation string
	var mu sync.Mutex
	translator := &fakeTranslator{}
	detector := &fakeDetector{result: external.DetectionResult{Language: "en", Confidence: 0.9, Reliable: true}}

	o := New(DefaultConfig(), q, translator, detector, Callbacks{
		OnTranslationComplete: func(utteranceID uint32, translation string, confidence float64) {
			mu.Lock()
			gotTranslation = translation
			mu.Unlock()
		},
	})

	err := o.ProcessTranscription(1, "session-a", model.TranscriptionResult{
		Text:                     "hello there, how are you today",
		Confidence:               0.9,
		MeetsConfidenceThreshold: true,
		Quality:                  model.QualityHigh,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotTranslation != ""
	})
	if gotTranslation != "translated:hello there, how are you today" {
		t.Errorf("got %q", gotTranslation)
	}
}

func TestProcessTranscription_RejectsBelowConfidenceGate(t *testing.T) {
	q, pool := runningPool()
	defer pool.Stop(q)

	var called bool
	var mu sync.Mutex
	translator := &fakeTranslator{}
	o := New(DefaultConfig(), q, translator, nil, Callbacks{
		OnTranslationComplete: func(utteranceID uint32, translation string, confidence float64) {
			mu.Lock()
			called = true
			mu.Unlock()
		},
	})

	_ = o.ProcessTranscription(1, "session-a", model.TranscriptionResult{
		Text:       "short",
		Confidence: 0.1,
	}, nil)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if called {
		t.Error("expected low-confidence transcription to be gated out")
	}

	snap := o.Statistics().Snapshot()
	if snap.TranscriptionGateRejections != 1 {
		t.Errorf("got %d gate rejections, want 1", snap.TranscriptionGateRejections)
	}
}

func TestProcessTranscription_UnreliableDetectionIncrementsLanguageGateRejections(t *testing.T) {
	q, pool := runningPool()
	defer pool.Stop(q)

	translator := &fakeTranslator{}
	detector := &fakeDetector{result: external.DetectionResult{Language: "es", Confidence: 0.1, Reliable: false}}

	o := New(DefaultConfig(), q, translator, detector, Callbacks{})

	err := o.ProcessTranscription(1, "session-a", model.TranscriptionResult{
		Text:                     "hello there, how are you today",
		Confidence:               0.9,
		MeetsConfidenceThreshold: true,
		Quality:                  model.QualityHigh,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return detector.callCount() > 0
	})
	time.Sleep(50 * time.Millisecond)

	snap := o.Statistics().Snapshot()
	if snap.LanguageGateRejections != 1 {
		t.Errorf("got %d language gate rejections, want 1", snap.LanguageGateRejections)
	}
}

func TestProcessTranscription_RejectsOverConcurrencyCap(t *testing.T) {
	q := queue.New() // no pool: tasks stay queued, operations stay "active"
	cfg := DefaultConfig()
	cfg.MaxConcurrentTranslations = 1
	o := New(cfg, q, &fakeTranslator{}, nil, Callbacks{})

	if err := o.ProcessTranscription(1, "s", model.TranscriptionResult{Text: "first utterance here"}, nil); err != nil {
		t.Fatalf("unexpected error on first operation: %v", err)
	}
	if err := o.ProcessTranscription(2, "s", model.TranscriptionResult{Text: "second utterance here"}, nil); err != ErrTooManyConcurrentOperations {
		t.Errorf("got %v, want ErrTooManyConcurrentOperations", err)
	}
}

func TestCancel_StopsPipelineBeforeTranslation(t *testing.T) {
	q, pool := runningPool()
	defer pool.Stop(q)

	var called, translated bool
	var mu sync.Mutex
	var o *Orchestrator
	o = New(DefaultConfig(), q, &fakeTranslator{}, nil, Callbacks{
		OnTranscriptionComplete: func(tr model.TranscriptionResult) {
			mu.Lock()
			defer mu.Unlock()
			// Cancel from inside the first callback, simulating a caller
			// reacting to the stream having already stopped.
			o.Cancel(5)
			called = true
		},
		OnTranslationComplete: func(utteranceID uint32, translation string, confidence float64) {
			mu.Lock()
			defer mu.Unlock()
			translated = true
		},
	})

	_ = o.ProcessTranscription(5, "s", model.TranscriptionResult{
		Text:                     "this utterance will be cancelled",
		Confidence:               0.9,
		MeetsConfidenceThreshold: true,
	}, nil)
	o.Cancel(5)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if translated {
		t.Error("expected the cancelled operation to stop before translation")
	}
}

func TestDetectLanguage_CachesWithinTTL(t *testing.T) {
	q, pool := runningPool()
	defer pool.Stop(q)

	detector := &fakeDetector{result: external.DetectionResult{Language: "en", Confidence: 0.9, Reliable: true}}
	cfg := DefaultConfig()
	cfg.DetectionCacheTTL = time.Minute
	o := New(cfg, q, &fakeTranslator{}, detector, Callbacks{})

	ctx := context.Background()
	if _, err := o.detectLanguage(ctx, "session", "the same text every time"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := o.detectLanguage(ctx, "session", "the same text every time"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if detector.callCount() != 1 {
		t.Errorf("got %d detector calls, want 1 (second should hit cache)", detector.callCount())
	}
}
