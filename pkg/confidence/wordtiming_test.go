package confidence

import (
	"testing"

	"github.com/speechrnt/sttcore/pkg/inference"
	"github.com/speechrnt/sttcore/pkg/model"
)

func TestSegmentWords_SplitsOnLeadingWhitespace(t *testing.T) {
	seg := inference.Segment{Tokens: []inference.Token{
		{Text: "hello", Probability: 0.9, TimestampProb: 0.9, StartMs: 0, EndMs: 200},
		{Text: " world", Probability: 0.8, TimestampProb: 0.8, StartMs: 200, EndMs: 400},
	}}
	words := SegmentWords(seg)
	if len(words) != 2 {
		t.Fatalf("expected 2 words, got %d: %+v", len(words), words)
	}
	if words[0].Word != "hello" || words[1].Word != "world" {
		t.Errorf("unexpected words: %q %q", words[0].Word, words[1].Word)
	}
}

func TestSegmentWords_TerminalPunctuationStartsItsOwnWord(t *testing.T) {
	// Terminal punctuation (anything but apostrophe/hyphen) is itself a
	// word boundary, so it is emitted as its own word token rather than
	// attached to the preceding word.
	seg := inference.Segment{Tokens: []inference.Token{
		{Text: "don't", Probability: 0.9, TimestampProb: 0.9, StartMs: 0, EndMs: 200},
		{Text: ".", Probability: 0.9, TimestampProb: 0.9, StartMs: 200, EndMs: 210},
		{Text: " stop", Probability: 0.9, TimestampProb: 0.9, StartMs: 300, EndMs: 500},
	}}
	words := SegmentWords(seg)
	if len(words) != 3 {
		t.Fatalf("expected 3 words (don't / . / stop), got %d: %+v", len(words), words)
	}
	if words[0].Word != "don't" || words[1].Word != "." || words[2].Word != "stop" {
		t.Errorf("unexpected words: %q %q %q", words[0].Word, words[1].Word, words[2].Word)
	}
}

func TestReconcileWordTimings_ClampsToResultBounds(t *testing.T) {
	result := &model.TranscriptionResult{
		StartTimeMs: 1000,
		EndTimeMs:   5000,
		Confidence:  0.8,
		Words: []model.WordTiming{
			{Word: "early", StartMs: 500, EndMs: 900, Confidence: 0.9},
		},
	}
	ReconcileWordTimings(result)
	if result.Words[0].StartMs != 1000 {
		t.Errorf("expected clamp to start bound, got %d", result.Words[0].StartMs)
	}
}

func TestReconcileWordTimings_SplitsOverlap(t *testing.T) {
	result := &model.TranscriptionResult{
		StartTimeMs: 0,
		EndTimeMs:   10000,
		Confidence:  0.8,
		Words: []model.WordTiming{
			{Word: "foo", StartMs: 0, EndMs: 500, Confidence: 0.9},
			{Word: "bar", StartMs: 300, EndMs: 800, Confidence: 0.5},
		},
	}
	ReconcileWordTimings(result)
	if result.Words[0].EndMs != result.Words[1].StartMs {
		t.Errorf("expected overlap resolved at shared boundary, got end=%d start=%d",
			result.Words[0].EndMs, result.Words[1].StartMs)
	}
}

func TestReconcileWordTimings_ShrinksLargeGap(t *testing.T) {
	result := &model.TranscriptionResult{
		StartTimeMs: 0,
		EndTimeMs:   20000,
		Confidence:  0.8,
		Words: []model.WordTiming{
			{Word: "foo", StartMs: 0, EndMs: 500, Confidence: 0.9},
			{Word: "bar", StartMs: 3000, EndMs: 3500, Confidence: 0.9},
		},
	}
	ReconcileWordTimings(result)
	gap := result.Words[1].StartMs - result.Words[0].EndMs
	if gap > 1000 {
		t.Errorf("expected gap shrunk to <= 1000ms, got %d", gap)
	}
}

func TestReconcileWordTimings_BlendsOverallConfidence(t *testing.T) {
	result := &model.TranscriptionResult{
		StartTimeMs: 0,
		EndTimeMs:   10000,
		Confidence:  1.0,
		Words: []model.WordTiming{
			{Word: "foo", StartMs: 0, EndMs: 500, Confidence: 0.0},
		},
	}
	ReconcileWordTimings(result)
	want := 1.0*0.7 + 0.0*0.3
	if result.Confidence != want {
		t.Errorf("got %v want %v", result.Confidence, want)
	}
}
