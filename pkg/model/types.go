// Package model holds the data types shared across the streaming
// transcription core: transcription results, word timings, and the
// quality/error metadata attached to them. Components own their own
// bookkeeping structs (StreamingState, ErrorContext, PipelineOperation);
// this package is only the cross-cutting vocabulary they exchange.
package model

import "fmt"

// UtteranceState is the lifecycle of an utterance as tracked by the
// streaming coordinator. Closed is observable only via absence from the
// coordinator's and buffer manager's maps.
type UtteranceState string

const (
	UtteranceCreated    UtteranceState = "created"
	UtteranceActive     UtteranceState = "active"
	UtteranceFinalizing UtteranceState = "finalizing"
	UtteranceClosed     UtteranceState = "closed"
)

// QualityLevel buckets an overall confidence score into a human-facing label.
type QualityLevel string

const (
	QualityHigh     QualityLevel = "high"
	QualityMedium   QualityLevel = "medium"
	QualityLow      QualityLevel = "low"
	QualityRejected QualityLevel = "rejected"
	QualityFailed   QualityLevel = "failed"
)

// WordTiming is a single word with its timing and confidence. Consecutive
// timings within a TranscriptionResult.Words are expected to be
// non-overlapping and monotonic in StartMs once passed through
// confidence.ReconcileWordTimings.
type WordTiming struct {
	Word       string
	StartMs    int64
	EndMs      int64
	Confidence float64
}

// DurationMs returns EndMs - StartMs.
func (w WordTiming) DurationMs() int64 {
	return w.EndMs - w.StartMs
}

// QualityMetrics are the acoustic/perf signals behind a quality label.
type QualityMetrics struct {
	SNRdb               float64
	Clarity             float64
	BackgroundNoise     bool
	ProcessingLatencyMs int64
	AvgTokenProbability float64
	NoSpeechProbability float64
}

// TranscriptionResult is the unit handed from the streaming coordinator to
// callers and, for final results, to the pipeline orchestrator.
type TranscriptionResult struct {
	UtteranceID uint32

	Text       string
	Confidence float64
	IsPartial  bool

	StartTimeMs int64
	EndTimeMs   int64

	Language           string
	LanguageConfidence float64
	LanguageChanged    bool

	Words []WordTiming

	Quality                  QualityLevel
	MeetsConfidenceThreshold bool
	Metrics                  QualityMetrics
}

// String renders a short debug line; used by the ambient debug-level log
// line required for every emitted result (empty text is shown explicitly so
// rejected/failed results are distinguishable from healthy-but-quiet ones).
func (r TranscriptionResult) String() string {
	text := r.Text
	if text == "" {
		text = "<empty>"
	}
	return fmt.Sprintf("utterance=%d partial=%t confidence=%.3f quality=%s words=%d text=%q",
		r.UtteranceID, r.IsPartial, r.Confidence, r.Quality, len(r.Words), text)
}

// Candidate pairs an alternate transcription with a translation outcome, used
// by the pipeline's multi-candidate mode.
type Candidate struct {
	Result      TranscriptionResult
	Translation string
	Confidence  float64
}
