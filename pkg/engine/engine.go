// Package engine is the top-level façade that wires buffering, inference,
// streaming, recovery, the pipeline orchestrator, the worker pool, and
// health monitoring into a single handle, the only thing a driver program
// needs to construct.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/speechrnt/sttcore/pkg/buffer"
	"github.com/speechrnt/sttcore/pkg/confidence"
	"github.com/speechrnt/sttcore/pkg/external"
	"github.com/speechrnt/sttcore/pkg/health"
	"github.com/speechrnt/sttcore/pkg/inference"
	"github.com/speechrnt/sttcore/pkg/model"
	"github.com/speechrnt/sttcore/pkg/pipeline"
	"github.com/speechrnt/sttcore/pkg/quantization"
	"github.com/speechrnt/sttcore/pkg/queue"
	"github.com/speechrnt/sttcore/pkg/recovery"
	"github.com/speechrnt/sttcore/pkg/streaming"
)

// Config aggregates every component's tunables into one struct handed to a
// single constructor.
type Config struct {
	Buffer   buffer.Config
	Policy   streaming.Policy
	Recovery recovery.Config
	Pipeline pipeline.Config
	Health   health.Config

	// Workers sizes the shared worker pool (C7); 0 means hardware
	// concurrency, per §4.7.
	Workers int

	// Translator/Detector are the external collaborators consumed by the
	// pipeline orchestrator (§4.8). Either may be nil; see pipeline.New.
	Translator external.Translator
	Detector   external.LanguageDetector

	Logger            *slog.Logger
	MetricsRegisterer prometheus.Registerer
}

// DefaultConfig returns the documented defaults for every sub-component.
func DefaultConfig() Config {
	return Config{
		Buffer:   buffer.DefaultConfig(),
		Policy:   streaming.DefaultPolicy(),
		Recovery: recovery.DefaultConfig(),
		Pipeline: pipeline.DefaultConfig(),
		Health:   health.DefaultConfig(),
	}
}

// Engine is the Control API façade. One Engine owns the buffer manager, the
// inference backend, the shared worker queue, the streaming coordinator,
// error recovery, the pipeline orchestrator, and the health monitor for one
// process.
type Engine struct {
	logger *slog.Logger

	buffers     *buffer.Manager
	backend     *inference.Backend
	q           *queue.Queue
	pool        *queue.Pool
	coordinator *streaming.Coordinator
	recov       *recovery.Recovery
	pipe        *pipeline.Orchestrator
	healthMon   *health.Monitor

	mu          sync.Mutex
	policy      streaming.Policy
	pipelineCfg pipeline.Config
	params      inference.Params
	level       quantization.Level
	useGPU      bool
	gpuID       int
	modelPath   string
	threads     int
	handle      inference.Handle
	loaded      bool

	obsMu             sync.Mutex
	onLanguageChange  func(sessionID, oldLanguage, newLanguage string)
	onHealthChange    health.HealthChangeCallback
	onAlert           health.AlertCallback
	onPipelineError   func(utteranceID uint32, stage pipeline.Stage, err error)
	onTranslationDone func(utteranceID uint32, translation string, confidence float64)

	nextOneShotID uint32
}

// New constructs an Engine. Callers must still call one of the Initialize*
// methods before streaming or transcribing.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		logger:      logger,
		buffers:     buffer.New(cfg.Buffer),
		backend:     inference.New(),
		q:           queue.New(),
		recov:       recovery.New(cfg.Recovery),
		policy:      cfg.Policy,
		pipelineCfg: cfg.Pipeline,
		params:      inference.DefaultParams(),
		level:       quantization.Full32,
	}
	e.pool = queue.NewPool(cfg.Workers, logger)
	e.coordinator = streaming.New(e.buffers, e.backend, e.q, logger)
	e.pool.Start(e.q)

	e.pipe = pipeline.New(cfg.Pipeline, e.q, cfg.Translator, cfg.Detector, pipeline.Callbacks{
		OnLanguageChange: func(sessionID, oldLanguage, newLanguage string) {
			e.obsMu.Lock()
			cb := e.onLanguageChange
			e.obsMu.Unlock()
			if cb != nil {
				cb(sessionID, oldLanguage, newLanguage)
			}
		},
		OnPipelineError: func(utteranceID uint32, stage pipeline.Stage, err error) {
			e.obsMu.Lock()
			cb := e.onPipelineError
			e.obsMu.Unlock()
			if cb != nil {
				cb(utteranceID, stage, err)
			}
			e.recov.HandleError(recovery.NewErrorContext(err, utteranceID, ""))
		},
		OnTranslationComplete: func(utteranceID uint32, translation string, confidence float64) {
			e.obsMu.Lock()
			cb := e.onTranslationDone
			e.obsMu.Unlock()
			if cb != nil {
				cb(utteranceID, translation, confidence)
			}
		},
	})

	e.healthMon = health.New(cfg.Health, cfg.MetricsRegisterer)
	e.healthMon.RegisterInstance("buffers", e.bufferHealthCheck)
	e.healthMon.RegisterInstance("queue", e.queueHealthCheck)
	e.healthMon.SetHealthChangeCallback(func(overall health.Status, components map[string]health.ComponentHealth) {
		e.obsMu.Lock()
		cb := e.onHealthChange
		e.obsMu.Unlock()
		if cb != nil {
			cb(overall, components)
		}
	})
	e.healthMon.SetAlertCallback(func(a health.Alert) {
		e.obsMu.Lock()
		cb := e.onAlert
		e.obsMu.Unlock()
		if cb != nil {
			cb(a)
		}
	})

	e.registerRecoveryCallbacks()
	return e
}

func (e *Engine) bufferHealthCheck() (health.InstanceMetrics, error) {
	stats := e.buffers.Stats()
	return health.InstanceMetrics{
		BufferMB:                 stats.CurrentMemoryMB,
		ConcurrentTranscriptions: stats.ActiveCount,
	}, nil
}

func (e *Engine) queueHealthCheck() (health.InstanceMetrics, error) {
	return health.InstanceMetrics{QueueSize: e.q.Size()}, nil
}

// registerRecoveryCallbacks installs the per-kind side effects §4.6 describes
// ("swap to a lower quantization model", GPU-to-CPU fallback) so HandleError
// can actually recover a failed Initialize instead of only classifying it.
func (e *Engine) registerRecoveryCallbacks() {
	e.recov.RegisterCallback(recovery.GpuMemoryError, func(ctx recovery.Context) bool {
		e.mu.Lock()
		path, threads, level := e.modelPath, e.threads, e.level
		e.mu.Unlock()
		handle, err := e.backend.Load(path, level, false, 0)
		if err != nil {
			return false
		}
		e.commitLoad(handle, level, false, 0, path, threads)
		return true
	})
	e.recov.RegisterCallback(recovery.ModelLoadFailure, func(ctx recovery.Context) bool {
		e.mu.Lock()
		path, threads, useGPU, gpuID, avail := e.modelPath, e.threads, e.useGPU, e.gpuID, 0
		e.mu.Unlock()
		for _, next := range quantization.PreferenceOrder(avail) {
			if next == ctx.Quantization {
				continue
			}
			handle, err := e.backend.Load(path, next, useGPU, gpuID)
			if err != nil {
				continue
			}
			e.commitLoad(handle, next, useGPU, gpuID, path, threads)
			return true
		}
		return false
	})
}

func (e *Engine) commitLoad(handle inference.Handle, level quantization.Level, useGPU bool, gpuID int, path string, threads int) {
	e.mu.Lock()
	if e.loaded {
		_ = e.backend.Unload(e.handle)
	}
	e.handle, e.level, e.useGPU, e.gpuID, e.modelPath, e.threads, e.loaded = handle, level, useGPU, gpuID, path, threads, true
	params := e.params
	params.NThreads = threads
	e.mu.Unlock()
	_ = e.backend.SetParams(handle, params)
}

// load attempts Backend.Load and, on failure, runs the error through
// recovery at most four times, stopping early once recovery answers
// NotifyClient (which it does once the attempt number passes the recovery
// config's MaxRetryAttempts or the kind's table runs out), mutating
// e's model state via the registered GPU/quantization fallback callbacks.
func (e *Engine) load(path string, level quantization.Level, useGPU bool, gpuID, threads int) error {
	e.mu.Lock()
	e.modelPath, e.threads, e.level, e.useGPU, e.gpuID = path, threads, level, useGPU, gpuID
	e.mu.Unlock()

	handle, err := e.backend.Load(path, level, useGPU, gpuID)
	if err == nil {
		e.commitLoad(handle, level, useGPU, gpuID, path, threads)
		return nil
	}

	kind := recovery.ClassifyError(err)
	ctx := recovery.Context{
		Kind: kind, Message: err.Error(), ModelPath: path, Quantization: level,
		WasUsingGPU: useGPU, GPUDeviceID: gpuID, Recoverable: kind.IsTransient(),
	}
	for attempt := 0; attempt < 4; attempt++ {
		ctx.RetryCount = attempt
		result := e.recov.HandleError(ctx)
		e.logger.Info("model load recovery attempt", "kind", kind, "strategy", result.StrategyUsed, "attempt", attempt+1, "success", result.Success)
		if result.Success {
			return nil
		}
		if result.StrategyUsed == recovery.StrategyNotifyClient {
			break
		}
	}
	return fmt.Errorf("engine: initialize %q: %w", path, err)
}

// Initialize loads a model at Full32 precision on CPU.
func (e *Engine) Initialize(modelPath string, threads int) error {
	return e.load(modelPath, quantization.Full32, false, 0, threads)
}

// InitializeWithGPU loads a model at Full32 precision on the given GPU
// device.
func (e *Engine) InitializeWithGPU(modelPath string, gpuID, threads int) error {
	return e.load(modelPath, quantization.Full32, true, gpuID, threads)
}

// InitializeWithQuantization loads a model at the given quantization level
// on CPU.
func (e *Engine) InitializeWithQuantization(modelPath string, level quantization.Level, threads int) error {
	return e.load(modelPath, level, false, 0, threads)
}

// InitializeWithQuantizationGPU loads a model at the given quantization
// level on the given GPU device.
func (e *Engine) InitializeWithQuantizationGPU(modelPath string, level quantization.Level, gpuID, threads int) error {
	return e.load(modelPath, level, true, gpuID, threads)
}

var errNotInitialized = errors.New("engine: not initialized")

func (e *Engine) currentHandle() (inference.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return 0, errNotInitialized
	}
	return e.handle, nil
}

// sessionFor derives a stable pipeline session id for an utterance that has
// none of its own; the control API's streaming surface is utterance-scoped,
// not session-scoped, so this is the seam between the two.
func sessionFor(utteranceID uint32) string {
	return fmt.Sprintf("utterance-%d", utteranceID)
}

// StartStreaming begins accepting audio for utteranceID. callback receives
// every emitted partial and final result. policy overrides the engine's
// configured default for this utterance only.
func (e *Engine) StartStreaming(utteranceID uint32, callback streaming.Callback, policy ...streaming.Policy) error {
	handle, err := e.currentHandle()
	if err != nil {
		return err
	}
	p := e.currentPolicy()
	if len(policy) > 0 {
		p = policy[0]
	}
	sessionID := sessionFor(utteranceID)
	e.coordinator.Start(utteranceID, handle, e.wrapCallback(sessionID, callback), p)
	return nil
}

// wrapCallback fans every emitted result out to the caller's callback and,
// for final results, into the pipeline orchestrator (§4.8 step 1).
func (e *Engine) wrapCallback(sessionID string, callback streaming.Callback) streaming.Callback {
	return func(result model.TranscriptionResult) {
		e.logger.Debug("emitted result", "result", result.String())
		if callback != nil {
			callback(result)
		}
		if !result.IsPartial {
			if err := e.pipe.ProcessTranscription(result.UtteranceID, sessionID, result, nil); err != nil {
				e.logger.Warn("pipeline rejected transcription", "utterance", result.UtteranceID, "error", err)
			}
		}
	}
}

// AddAudioChunk appends samples to utteranceID's buffer, possibly triggering
// a partial inference. Never blocks on inference.
func (e *Engine) AddAudioChunk(utteranceID uint32, samples []float32) {
	e.coordinator.AddChunk(utteranceID, samples)
}

// FinalizeStreaming triggers a final inference over the whole buffer and
// tears down utteranceID's streaming state.
func (e *Engine) FinalizeStreaming(utteranceID uint32) {
	e.coordinator.Finalize(utteranceID)
}

// StopStreaming aborts utteranceID without emitting a final result.
func (e *Engine) StopStreaming(utteranceID uint32) {
	e.coordinator.Stop(utteranceID)
	e.pipe.Cancel(utteranceID)
}

// StopAll aborts every active utterance.
func (e *Engine) StopAll() {
	e.coordinator.StopAll()
}

// Transcribe runs one full (non-streaming, non-partial) inference over
// audio and reports the result to callback. audio is capped at 30s per the
// adapter contract.
func (e *Engine) Transcribe(audio []float32, callback streaming.Callback) error {
	return e.oneShot(audio, callback, false)
}

// TranscribeLive runs a single partial inference over audio (capped at
// 10s) and reports the result to callback.
func (e *Engine) TranscribeLive(audio []float32, callback streaming.Callback) error {
	return e.oneShot(audio, callback, true)
}

func (e *Engine) oneShot(audio []float32, callback streaming.Callback, partial bool) error {
	handle, err := e.currentHandle()
	if err != nil {
		return err
	}
	utteranceID := atomic.AddUint32(&e.nextOneShotID, 1) | 0x80000000 // high bit: one-shot namespace, never collides with caller-assigned ids from start_streaming
	createdAt := time.Now()

	params := e.currentParams()
	params.PartialMode = partial
	infResult, err := e.backend.Infer(handle, audio, params)
	if err != nil {
		e.recov.HandleError(recovery.NewErrorContext(err, utteranceID, sessionFor(utteranceID)))
		return fmt.Errorf("engine: transcribe: %w", err)
	}

	result := streaming.BuildResult(utteranceID, createdAt, int64(len(audio)), infResult, audio, partial, e.currentPolicy())
	e.logger.Debug("emitted result", "result", result.String())
	if callback != nil {
		callback(result)
	}
	if !result.IsPartial {
		if err := e.pipe.ProcessTranscription(utteranceID, sessionFor(utteranceID), result, nil); err != nil {
			e.logger.Warn("pipeline rejected transcription", "utterance", utteranceID, "error", err)
		}
	}
	return nil
}

func (e *Engine) currentPolicy() streaming.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

func (e *Engine) currentParams() inference.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// SetLanguage pins decoding to a language code, or "auto" to detect. Like
// the other decoding setters below, it applies to Transcribe and
// TranscribeLive; streaming inference runs with inference.DefaultParams and
// does not use it.
func (e *Engine) SetLanguage(language string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params.Language = language
}

// SetTranslateToEnglish toggles whisper's own source->English translation
// mode (distinct from the pipeline orchestrator's MT stage).
func (e *Engine) SetTranslateToEnglish(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params.TranslateToEnglish = enabled
}

// SetTemperature sets decoding temperature, clamped to [0,1].
func (e *Engine) SetTemperature(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params.Temperature = v
}

// SetMaxTokens sets Params.MaxTokens. The whisper engine does not read it,
// so decoding length is not bounded by it.
func (e *Engine) SetMaxTokens(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params.MaxTokens = n
}

// SetConfidenceThreshold sets the overall confidence threshold used for
// meets_confidence_threshold and (if enabled) rejection, clamped to [0,1].
func (e *Engine) SetConfidenceThreshold(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.ConfidenceThreshold = v
}

// SetWordLevelConfidenceEnabled toggles per-word timing/confidence output.
func (e *Engine) SetWordLevelConfidenceEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.WordLevelConfidenceEnabled = enabled
}

// SetQualityIndicatorsEnabled toggles whether QualityMetrics is attached to
// emitted results.
func (e *Engine) SetQualityIndicatorsEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.QualityIndicatorsEnabled = enabled
}

// SetConfidenceFilteringEnabled toggles §4.4's low-confidence rejection
// (blank text, quality "rejected").
func (e *Engine) SetConfidenceFilteringEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.ConfidenceFilteringEnabled = enabled
}

// SetLanguageDetectionEnabled toggles the pipeline's language-detection
// stage (§4.8 step 2).
func (e *Engine) SetLanguageDetectionEnabled(enabled bool) {
	e.pipe.SetLanguageDetectionEnabled(enabled)
}

// SetLanguageDetectionThreshold sets the confidence floor a detection must
// clear before auto-switching (§4.8 step 4), clamped to [0,1].
func (e *Engine) SetLanguageDetectionThreshold(v float64) {
	e.pipe.SetLanguageDetectionThreshold(v)
}

// SetAutoLanguageSwitching toggles whether a confident language change
// updates the session's source language (§4.8 step 5).
func (e *Engine) SetAutoLanguageSwitching(enabled bool) {
	e.pipe.SetAutoLanguageSwitching(enabled)
}

// SetQuantizationLevel reloads the current model at a new quantization
// level, keeping the current GPU/device placement and thread count.
func (e *Engine) SetQuantizationLevel(level quantization.Level) error {
	e.mu.Lock()
	path, useGPU, gpuID, threads := e.modelPath, e.useGPU, e.gpuID, e.threads
	e.mu.Unlock()
	if path == "" {
		return errNotInitialized
	}
	return e.load(path, level, useGPU, gpuID, threads)
}

// SetOnLanguageChange installs the observer fired when the pipeline switches
// a session's source language.
func (e *Engine) SetOnLanguageChange(cb func(sessionID, oldLanguage, newLanguage string)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.onLanguageChange = cb
}

// SetOnPipelineError installs the observer fired for any pipeline-stage
// failure (§4.8 step 9).
func (e *Engine) SetOnPipelineError(cb func(utteranceID uint32, stage pipeline.Stage, err error)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.onPipelineError = cb
}

// SetOnTranslationComplete installs the observer fired when a translation
// succeeds.
func (e *Engine) SetOnTranslationComplete(cb func(utteranceID uint32, translation string, confidence float64)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.onTranslationDone = cb
}

// SetOnHealthChange installs the observer fired whenever the aggregate
// health status changes.
func (e *Engine) SetOnHealthChange(cb health.HealthChangeCallback) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.onHealthChange = cb
}

// SetOnAlert installs the observer fired for every alert past cooldown.
func (e *Engine) SetOnAlert(cb health.AlertCallback) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.onAlert = cb
}

// Health returns the underlying HealthMonitor, for HTTP handlers and
// background check loops.
func (e *Engine) Health() *health.Monitor { return e.healthMon }

// Recovery returns the underlying error-recovery coordinator.
func (e *Engine) Recovery() *recovery.Recovery { return e.recov }

// Pipeline returns the underlying pipeline orchestrator.
func (e *Engine) Pipeline() *pipeline.Orchestrator { return e.pipe }

// Buffers returns the underlying audio buffer manager.
func (e *Engine) Buffers() *buffer.Manager { return e.buffers }

// Queue returns the shared worker queue.
func (e *Engine) Queue() *queue.Queue { return e.q }

// ValidateAccuracy runs §4.2's accuracy validation against the currently
// loaded model.
func (e *Engine) ValidateAccuracy(policy *quantization.Policy, audioFiles, expectedTexts []string) (quantization.AccuracyReport, error) {
	handle, err := e.currentHandle()
	if err != nil {
		return quantization.AccuracyReport{}, err
	}
	e.backend.SetValidationHandle(handle)
	return policy.ValidateAccuracy(e.backend, audioFiles, expectedTexts)
}

// SegmentWordConfidence re-exposes confidence.AdjustWord for callers that
// need the same per-word adjustment the streaming path applies internally,
// without duplicating it.
func SegmentWordConfidence(word string, base float64, tokenCount int) float64 {
	return confidence.AdjustWord(word, base, tokenCount)
}

// Close stops the worker pool and background health loops. Streaming
// utterances are aborted; in-flight tasks are allowed to drain first.
func (e *Engine) Close() {
	e.coordinator.StopAll()
	e.pool.Stop(e.q)
	e.healthMon.Close()
}
