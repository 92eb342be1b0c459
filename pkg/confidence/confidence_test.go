package confidence

import (
	"math"
	"testing"

	"github.com/speechrnt/sttcore/pkg/inference"
	"github.com/speechrnt/sttcore/pkg/model"
)

func TestSegmentConfidence_FallsBackToNoSpeechProb_WhenNoValidTokens(t *testing.T) {
	seg := inference.Segment{NoSpeechProb: 0.3}
	got := SegmentConfidence(seg)
	want := 0.7
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v want %v", got, want)
	}
}

func TestSegmentConfidence_AveragesValidTokensWithLengthBoost(t *testing.T) {
	seg := inference.Segment{Tokens: []inference.Token{
		{Probability: 0.8}, {Probability: 0.6},
	}}
	got := SegmentConfidence(seg)
	// avg = 0.7, boost = min(1, 2/10)*0.1 = 0.02
	want := 0.72
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v want %v", got, want)
	}
}

func TestResultConfidence_ScalesDownOnHighVariance(t *testing.T) {
	segs := []inference.Segment{
		{Tokens: []inference.Token{{Probability: 0.95}}},
		{Tokens: []inference.Token{{Probability: 0.1}}},
	}
	got := ResultConfidence(segs)
	if got <= 0 || got >= 1 {
		t.Fatalf("expected confidence in (0,1), got %v", got)
	}
	// Each segment is its token probability plus a 0.01 length boost; the
	// unscaled mean is (0.96+0.11)/2.
	if unscaled := (0.96 + 0.11) / 2; got >= unscaled {
		t.Errorf("got %v, expected high variance to scale below the mean %v", got, unscaled)
	}
}

func TestAdjustWord_CommonWordGetsBoost(t *testing.T) {
	base := 0.5
	boosted := AdjustWord("the", base, 1)
	unboosted := AdjustWord("xyz", base, 1)
	if boosted <= unboosted {
		t.Errorf("expected common word to score higher: boosted=%v unboosted=%v", boosted, unboosted)
	}
}

func TestAdjustWord_ClampedToBandAroundBase(t *testing.T) {
	base := 0.5
	got := AdjustWord("a", base, 1)
	if got < base-0.3 || got > base+0.3 {
		t.Errorf("expected result within +/-0.3 of base, got %v", got)
	}
}

func TestQualityLevel_HighConfidenceGoodSignal(t *testing.T) {
	qm := qualityMetricsFixture(25, 0.9, false, 200)
	level, rejected := QualityLevel(0.85, qm, false, 0.85)
	if rejected {
		t.Fatal("did not expect rejection")
	}
	if level != "high" {
		t.Errorf("expected high quality, got %v", level)
	}
}

func TestQualityLevel_RejectsBelowHalfThreshold(t *testing.T) {
	qm := qualityMetricsFixture(5, 0.1, true, 2000)
	level, rejected := QualityLevel(0.1, qm, true, 0.85)
	if !rejected {
		t.Fatal("expected rejection")
	}
	if level != "rejected" {
		t.Errorf("expected rejected label, got %v", level)
	}
}

func qualityMetricsFixture(snr, clarity float64, noise bool, latency int64) model.QualityMetrics {
	return model.QualityMetrics{
		SNRdb:               snr,
		Clarity:             clarity,
		BackgroundNoise:     noise,
		ProcessingLatencyMs: latency,
	}
}
