package streaming

import (
	"testing"
	"time"

	"github.com/speechrnt/sttcore/pkg/model"
)

func TestTextSimilarity_IdenticalStringsAreOne(t *testing.T) {
	if got := textSimilarity("hello world", "hello world"); got != 1 {
		t.Errorf("got %v want 1", got)
	}
}

func TestTextSimilarity_CompletelyDifferentIsLow(t *testing.T) {
	got := textSimilarity("abc", "xyz")
	if got != 0 {
		t.Errorf("got %v want 0", got)
	}
}

func TestTextSimilarity_EmptyBothIsOne(t *testing.T) {
	if got := textSimilarity("", ""); got != 1 {
		t.Errorf("got %v want 1", got)
	}
}

func TestNormalize_AppliesTogglesIndependently(t *testing.T) {
	p := Policy{TrimWhitespace: true, CollapseWhitespace: true}
	if got := normalize("  hello   world  ", p); got != "hello world" {
		t.Errorf("got %q", got)
	}

	p2 := Policy{Lowercase: true}
	if got := normalize("HELLO", p2); got != "hello" {
		t.Errorf("got %q", got)
	}

	p3 := Policy{RemovePunctuation: true}
	if got := normalize("hi, there!", p3); got != "hi there" {
		t.Errorf("got %q", got)
	}
}

func TestNormalize_NoTogglesLeavesTextUnchanged(t *testing.T) {
	if got := normalize("  Hello, World!  ", Policy{}); got != "  Hello, World!  " {
		t.Errorf("got %q", got)
	}
}

func newTestState(policy Policy, callback Callback) *state {
	return &state{
		utteranceID: 1,
		policy:      policy,
		callback:    callback,
		createdAt:   time.Now(),
	}
}

func TestMaybeEmit_FinalResultAlwaysSent(t *testing.T) {
	var got *model.TranscriptionResult
	c := &Coordinator{}
	s := newTestState(DefaultPolicy(), func(tr model.TranscriptionResult) {
		got = &tr
	})

	c.maybeEmit(s, model.TranscriptionResult{Text: "ok", IsPartial: false})
	if got == nil {
		t.Fatal("expected final result to be emitted")
	}
}

func TestMaybeEmit_PartialBelowMinTextLengthSuppressed(t *testing.T) {
	called := false
	c := &Coordinator{}
	s := newTestState(DefaultPolicy(), func(tr model.TranscriptionResult) {
		called = true
	})

	c.maybeEmit(s, model.TranscriptionResult{Text: "hi", IsPartial: true})
	if called {
		t.Error("expected short partial text to be suppressed")
	}
}

func TestMaybeEmit_PartialDisabledWhenIncrementalUpdatesOff(t *testing.T) {
	called := false
	policy := DefaultPolicy()
	policy.IncrementalUpdates = false
	c := &Coordinator{}
	s := newTestState(policy, func(tr model.TranscriptionResult) {
		called = true
	})

	c.maybeEmit(s, model.TranscriptionResult{Text: "hello there", IsPartial: true})
	if called {
		t.Error("expected partial emission to be suppressed when incremental updates are off")
	}
}

func TestMaybeEmit_PartialSuppressedWhenTooSimilarToLastSent(t *testing.T) {
	emitCount := 0
	c := &Coordinator{}
	s := newTestState(DefaultPolicy(), func(tr model.TranscriptionResult) {
		emitCount++
	})
	s.lastSentText = "hello world"
	s.lastSentTime = time.Now().Add(-time.Second)

	c.maybeEmit(s, model.TranscriptionResult{Text: "hello world!", IsPartial: true})
	if emitCount != 0 {
		t.Errorf("expected near-identical partial text to be gated out, got %d emissions", emitCount)
	}
}

func TestMaybeEmit_PartialSuppressedWithinMinUpdateInterval(t *testing.T) {
	emitCount := 0
	c := &Coordinator{}
	s := newTestState(DefaultPolicy(), func(tr model.TranscriptionResult) {
		emitCount++
	})
	s.lastSentText = "completely different"
	s.lastSentTime = time.Now()

	c.maybeEmit(s, model.TranscriptionResult{Text: "brand new text here", IsPartial: true})
	if emitCount != 0 {
		t.Errorf("expected emission within min update interval to be suppressed, got %d", emitCount)
	}
}

func TestMaybeEmit_PartialPassesWhenDistinctAndStale(t *testing.T) {
	emitCount := 0
	c := &Coordinator{}
	s := newTestState(DefaultPolicy(), func(tr model.TranscriptionResult) {
		emitCount++
	})
	s.lastSentText = "an entirely unrelated phrase"
	s.lastSentTime = time.Now().Add(-2 * time.Second)

	c.maybeEmit(s, model.TranscriptionResult{Text: "something new is being said", IsPartial: true})
	if emitCount != 1 {
		t.Errorf("expected exactly one emission, got %d", emitCount)
	}
}
