// Package pipeline runs a final transcription result through optional
// language detection, a confidence gate, and optional multi-candidate
// translation, publishing an event at each stage.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/speechrnt/sttcore/pkg/external"
	"github.com/speechrnt/sttcore/pkg/model"
	"github.com/speechrnt/sttcore/pkg/queue"

	"golang.org/x/sync/singleflight"
)

// Config controls the gates and limits in §4.8's flow.
type Config struct {
	MinTranscriptionConfidence          float64
	LanguageDetectionEnabled            bool
	MinTextLengthForDetection           int
	LanguageDetectionConfidenceThreshold float64
	AutoLanguageSwitching               bool
	MultiCandidateMode                  bool
	CandidateConfidenceThreshold        float64
	MaxTranscriptionCandidates          int
	MaxConcurrentTranslations           int
	DetectionCacheTTL                   time.Duration
}

// DefaultConfig mirrors §4.8's documented defaults.
func DefaultConfig() Config {
	return Config{
		MinTranscriptionConfidence:          0.5,
		LanguageDetectionEnabled:             true,
		MinTextLengthForDetection:            10,
		LanguageDetectionConfidenceThreshold: 0.6,
		AutoLanguageSwitching:                true,
		CandidateConfidenceThreshold:         0.5,
		MaxTranscriptionCandidates:           3,
		MaxConcurrentTranslations:            8,
		DetectionCacheTTL:                    30 * time.Second,
	}
}

// Stage labels a pipeline failure for on_pipeline_error.
type Stage string

const (
	StageLanguageDetection Stage = "language_detection"
	StageTranslation       Stage = "translation"
)

// Operation is one utterance's pipeline run.
type Operation struct {
	mu sync.Mutex

	UtteranceID uint32
	SessionID   string
	Result      model.TranscriptionResult
	Candidates  []model.Candidate
	Active      bool
}

func (op *Operation) isActive() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.Active
}

// Callbacks are the observer hooks fired at each pipeline stage. Any may be
// nil.
type Callbacks struct {
	OnTranscriptionComplete    func(model.TranscriptionResult)
	OnLanguageDetectionComplete func(utteranceID uint32, result external.DetectionResult)
	OnLanguageChange           func(sessionID, oldLanguage, newLanguage string)
	OnTranslationComplete      func(utteranceID uint32, translation string, confidence float64)
	OnPipelineError            func(utteranceID uint32, stage Stage, err error)

	// ConfidenceGate, if set, has final say on whether a transcription
	// proceeds to translation; it runs after the built-in gate passes.
	ConfidenceGate func(model.TranscriptionResult) bool
}

type cacheEntry struct {
	result  external.DetectionResult
	expires time.Time
}

// Statistics tracks running counts plus a rolling window of recent
// translation and language-detection latencies (N=100).
type Statistics struct {
	mu sync.Mutex

	Transcriptions         int
	Detections             int
	LanguageChanges        int
	CacheHits              int
	TranslationsTriggered  int
	TranscriptionGateRejections int
	LanguageGateRejections int
	TranslationsSucceeded  int
	TranslationsFailed     int

	translationLatencies []time.Duration
	detectionLatencies   []time.Duration
}

const latencyWindow = 100

func (s *Statistics) recordTranslationLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translationLatencies = append(s.translationLatencies, d)
	if len(s.translationLatencies) > latencyWindow {
		s.translationLatencies = s.translationLatencies[len(s.translationLatencies)-latencyWindow:]
	}
}

func (s *Statistics) recordDetectionLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detectionLatencies = append(s.detectionLatencies, d)
	if len(s.detectionLatencies) > latencyWindow {
		s.detectionLatencies = s.detectionLatencies[len(s.detectionLatencies)-latencyWindow:]
	}
}

// AvgTranslationLatency returns the mean of the recorded translation-latency
// window, or 0 if empty.
func (s *Statistics) AvgTranslationLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return avgDuration(s.translationLatencies)
}

// AvgDetectionLatency returns the mean of the recorded detection-latency
// window, or 0 if empty.
func (s *Statistics) AvgDetectionLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return avgDuration(s.detectionLatencies)
}

func avgDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

// Snapshot is a point-in-time copy of the running counters (excludes the
// latency windows, which have their own accessors).
type Snapshot struct {
	Transcriptions               int
	Detections                   int
	LanguageChanges              int
	CacheHits                    int
	TranslationsTriggered        int
	TranscriptionGateRejections  int
	LanguageGateRejections       int
	TranslationsSucceeded        int
	TranslationsFailed           int
}

// Snapshot returns a copy of the running counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Transcriptions:              s.Transcriptions,
		Detections:                  s.Detections,
		LanguageChanges:             s.LanguageChanges,
		CacheHits:                   s.CacheHits,
		TranslationsTriggered:       s.TranslationsTriggered,
		TranscriptionGateRejections: s.TranscriptionGateRejections,
		LanguageGateRejections:      s.LanguageGateRejections,
		TranslationsSucceeded:       s.TranslationsSucceeded,
		TranslationsFailed:          s.TranslationsFailed,
	}
}

// ErrTooManyConcurrentOperations is returned by ProcessTranscription when
// the concurrency cap is already at max_concurrent_translations.
var ErrTooManyConcurrentOperations = fmt.Errorf("pipeline: active_operations at max_concurrent_translations")

// Orchestrator is the public PipelineOrchestrator.
type Orchestrator struct {
	cfgMu     sync.RWMutex
	cfg       Config
	pool      *queue.Queue
	translator external.Translator
	detector  external.LanguageDetector
	callbacks Callbacks
	stats     Statistics

	mu               sync.Mutex
	operations       map[uint32]*Operation
	sessionLanguages map[string]string
	cache            map[string]cacheEntry
	group            singleflight.Group
}

// New constructs an Orchestrator. translator/detector may be nil — with a
// nil detector, language detection is always skipped regardless of
// cfg.LanguageDetectionEnabled; with a nil translator, ProcessTranscription
// reports a translation-stage error for every operation that passes the
// translation gate.
func New(cfg Config, pool *queue.Queue, translator external.Translator, detector external.LanguageDetector, callbacks Callbacks) *Orchestrator {
	return &Orchestrator{
		cfg:              cfg,
		pool:             pool,
		translator:       translator,
		detector:         detector,
		callbacks:        callbacks,
		operations:       make(map[uint32]*Operation),
		sessionLanguages: make(map[string]string),
		cache:            make(map[string]cacheEntry),
	}
}

// config returns a snapshot of the current gate configuration. Reads are
// lock-free after construction in the common case (no live setter calls),
// but SetLanguageDetectionEnabled/SetLanguageDetectionThreshold/
// SetAutoLanguageSwitching let the engine façade adjust gates at runtime
// (§6's set_language_detection_enabled et al.), so every read goes through
// this snapshot rather than the bare field.
func (o *Orchestrator) config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// SetLanguageDetectionEnabled toggles step 2's language-detection stage.
func (o *Orchestrator) SetLanguageDetectionEnabled(enabled bool) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	o.cfg.LanguageDetectionEnabled = enabled
}

// SetLanguageDetectionThreshold sets the confidence floor a detection must
// clear before it's treated as reliable enough to act on (step 4), clamped
// to [0,1].
func (o *Orchestrator) SetLanguageDetectionThreshold(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	o.cfg.LanguageDetectionConfidenceThreshold = v
}

// SetAutoLanguageSwitching toggles whether a confident, changed detection
// updates the session's source language (step 5).
func (o *Orchestrator) SetAutoLanguageSwitching(enabled bool) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	o.cfg.AutoLanguageSwitching = enabled
}

// ProcessTranscription implements step 1 of §4.8's flow: create or reuse a
// PipelineOperation and enqueue a High-priority task to run the rest of the
// pipeline. Returns ErrTooManyConcurrentOperations if the cap is already hit.
func (o *Orchestrator) ProcessTranscription(utteranceID uint32, sessionID string, result model.TranscriptionResult, candidates []model.Candidate) error {
	o.mu.Lock()
	op, exists := o.operations[utteranceID]
	if !exists {
		if o.config().MaxConcurrentTranslations > 0 && len(o.operations) >= o.config().MaxConcurrentTranslations {
			o.mu.Unlock()
			return ErrTooManyConcurrentOperations
		}
		op = &Operation{UtteranceID: utteranceID, SessionID: sessionID, Active: true}
		o.operations[utteranceID] = op
	}
	o.mu.Unlock()

	op.mu.Lock()
	op.Result = result
	op.Candidates = candidates
	op.Active = true
	op.mu.Unlock()

	o.stats.mu.Lock()
	o.stats.Transcriptions++
	o.stats.mu.Unlock()

	o.pool.EnqueueFunc(queue.High, func() error {
		o.runPipeline(context.Background(), op)
		return nil
	})
	return nil
}

// Cancel marks an operation inactive and removes it; in-flight stages check
// activity before proceeding to the next one.
func (o *Orchestrator) Cancel(utteranceID uint32) {
	o.mu.Lock()
	op, ok := o.operations[utteranceID]
	delete(o.operations, utteranceID)
	o.mu.Unlock()
	if ok {
		op.mu.Lock()
		op.Active = false
		op.mu.Unlock()
	}
}

// Statistics returns the orchestrator's running counters.
func (o *Orchestrator) Statistics() *Statistics {
	return &o.stats
}

func (o *Orchestrator) runPipeline(ctx context.Context, op *Operation) {
	defer func() {
		o.mu.Lock()
		delete(o.operations, op.UtteranceID)
		o.mu.Unlock()
	}()

	op.mu.Lock()
	result := op.Result
	candidates := op.Candidates
	sessionID := op.SessionID
	op.mu.Unlock()

	if o.callbacks.OnTranscriptionComplete != nil {
		o.callbacks.OnTranscriptionComplete(result)
	}

	if !op.isActive() {
		return
	}

	shouldDetect := o.config().LanguageDetectionEnabled && o.detector != nil &&
		len([]rune(result.Text)) >= o.config().MinTextLengthForDetection &&
		result.Confidence >= o.config().MinTranscriptionConfidence
	if shouldDetect {
		detection, err := o.detectLanguage(ctx, sessionID, result.Text)
		if err != nil {
			o.fireError(op.UtteranceID, StageLanguageDetection, err)
			return
		}
		if o.callbacks.OnLanguageDetectionComplete != nil {
			o.callbacks.OnLanguageDetectionComplete(op.UtteranceID, detection)
		}
		result.Language = detection.Language
		result.LanguageConfidence = detection.Confidence

		if !op.isActive() {
			return
		}

		if detection.Confidence >= o.config().LanguageDetectionConfidenceThreshold && detection.Reliable {
			if o.config().AutoLanguageSwitching {
				o.mu.Lock()
				oldLang := o.sessionLanguages[sessionID]
				changed := oldLang != "" && oldLang != detection.Language
				o.sessionLanguages[sessionID] = detection.Language
				o.mu.Unlock()

				if changed {
					result.LanguageChanged = true
					if o.translator != nil {
						_ = o.translator.SetSourceLanguage(detection.Language)
					}
					o.stats.mu.Lock()
					o.stats.LanguageChanges++
					o.stats.mu.Unlock()
					if o.callbacks.OnLanguageChange != nil {
						o.callbacks.OnLanguageChange(sessionID, oldLang, detection.Language)
					}
				}
			}
		} else {
			o.stats.mu.Lock()
			o.stats.LanguageGateRejections++
			o.stats.mu.Unlock()
		}
	}

	if !op.isActive() {
		return
	}

	if !o.passesTranslationGate(result) {
		o.stats.mu.Lock()
		o.stats.TranscriptionGateRejections++
		o.stats.mu.Unlock()
		return
	}

	if o.translator == nil {
		o.fireError(op.UtteranceID, StageTranslation, fmt.Errorf("pipeline: no translator configured"))
		return
	}

	targetLanguage := result.Language
	start := time.Now()
	o.stats.mu.Lock()
	o.stats.TranslationsTriggered++
	o.stats.mu.Unlock()

	var translation string
	var confidence float64
	var err error
	if o.config().MultiCandidateMode && len(candidates) > 0 {
		translation, confidence, err = o.translateCandidates(ctx, candidates, targetLanguage)
	} else {
		translation, confidence, err = o.translator.Translate(ctx, result.Text, "", targetLanguage)
	}
	o.stats.recordTranslationLatency(time.Since(start))

	if err != nil {
		o.stats.mu.Lock()
		o.stats.TranslationsFailed++
		o.stats.mu.Unlock()
		o.fireError(op.UtteranceID, StageTranslation, err)
		return
	}

	o.stats.mu.Lock()
	o.stats.TranslationsSucceeded++
	o.stats.mu.Unlock()
	if o.callbacks.OnTranslationComplete != nil {
		o.callbacks.OnTranslationComplete(op.UtteranceID, translation, confidence)
	}
}

// passesTranslationGate implements step 6: confidence, quality, minimum
// text length, and (if present) language confidence, plus an optional
// user-installed final decision.
func (o *Orchestrator) passesTranslationGate(result model.TranscriptionResult) bool {
	if result.Confidence < o.config().MinTranscriptionConfidence {
		return false
	}
	if !result.MeetsConfidenceThreshold && result.Quality != "" && result.Quality != model.QualityHigh && result.Quality != model.QualityMedium {
		return false
	}
	if len([]rune(result.Text)) < 3 {
		return false
	}
	if result.Language != "" && result.LanguageConfidence < 0.5 {
		return false
	}
	if o.callbacks.ConfidenceGate != nil {
		return o.callbacks.ConfidenceGate(result)
	}
	return true
}

// translateCandidates implements step 7: filter by confidence, sort
// descending, truncate to the candidate cap, translate each, and keep the
// highest-confidence translation.
func (o *Orchestrator) translateCandidates(ctx context.Context, candidates []model.Candidate, targetLanguage string) (string, float64, error) {
	filtered := make([]model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Result.Confidence >= o.config().CandidateConfidenceThreshold {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return "", 0, fmt.Errorf("pipeline: no candidate met candidate_confidence_threshold")
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Result.Confidence > filtered[j].Result.Confidence
	})
	if o.config().MaxTranscriptionCandidates > 0 && len(filtered) > o.config().MaxTranscriptionCandidates {
		filtered = filtered[:o.config().MaxTranscriptionCandidates]
	}

	var best string
	var bestConf float64
	found := false
	for _, c := range filtered {
		translation, confidence, err := o.translator.Translate(ctx, c.Result.Text, "", targetLanguage)
		if err != nil {
			continue
		}
		if !found || confidence > bestConf {
			best, bestConf, found = translation, confidence, true
		}
	}
	if !found {
		return "", 0, fmt.Errorf("pipeline: every candidate translation failed")
	}
	return best, bestConf, nil
}

// detectLanguage implements step 3: a per-session, TTL-cached lookup
// deduplicated across concurrent callers for the same session+text via
// singleflight, falling through to the external detector on a cache miss.
func (o *Orchestrator) detectLanguage(ctx context.Context, sessionID, text string) (external.DetectionResult, error) {
	key := sessionID + ":" + hashText(text)

	o.mu.Lock()
	entry, ok := o.cache[key]
	o.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		o.stats.mu.Lock()
		o.stats.CacheHits++
		o.stats.mu.Unlock()
		return entry.result, nil
	}

	start := time.Now()
	v, err, _ := o.group.Do(key, func() (interface{}, error) {
		return o.detector.Detect(ctx, text)
	})
	o.stats.recordDetectionLatency(time.Since(start))
	if err != nil {
		return external.DetectionResult{}, err
	}
	result := v.(external.DetectionResult)

	o.mu.Lock()
	o.cache[key] = cacheEntry{result: result, expires: time.Now().Add(o.config().DetectionCacheTTL)}
	o.mu.Unlock()

	o.stats.mu.Lock()
	o.stats.Detections++
	o.stats.mu.Unlock()
	return result, nil
}

func (o *Orchestrator) fireError(utteranceID uint32, stage Stage, err error) {
	if stage == StageLanguageDetection {
		o.stats.mu.Lock()
		o.stats.LanguageGateRejections++
		o.stats.mu.Unlock()
	}
	if o.callbacks.OnPipelineError != nil {
		o.callbacks.OnPipelineError(utteranceID, stage, err)
	}
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}
