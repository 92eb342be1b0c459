// Package inference implements C3: the adapter around the external Whisper
// library. It owns one native context per quantization level, converts
// between the library's 10-ms timestamp units and the millisecond units
// used everywhere else in this module, and exposes a narrow, mockable
// interface so the confidence engine and streaming coordinator never touch
// the CGO-backed library directly. Grounded on
// MrWong99-glyphoxa/pkg/provider/stt/whisper/native.go.
package inference

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/speechrnt/sttcore/pkg/audio"
	"github.com/speechrnt/sttcore/pkg/quantization"
)

const minVocabSize = 1000

var (
	ErrModelUnreadable  = errors.New("inference: model file missing or unreadable")
	ErrVocabTooSmall    = errors.New("inference: vocab size below sanity floor")
	ErrInvalidAudioCtx  = errors.New("inference: invalid audio-context size")
	ErrGPUContextFailed = errors.New("inference: GPU context creation failed")
	ErrHandleNotFound   = errors.New("inference: unknown handle")
	ErrInputTooLong     = errors.New("inference: input exceeds per-call duration cap")
	ErrNonZeroStatus    = errors.New("inference: engine returned non-zero status")
)

// maxPartialSeconds / maxFullSeconds bound a single infer() call's audio
// length, per the adapter contract (nominally 30s full / 10s partial).
const (
	maxFullSeconds    = 30
	maxPartialSeconds = 10
	sampleRateHz      = 16000
)

// Token is one decoded token with its acoustic and timestamp probabilities.
// StartMs/EndMs are milliseconds; the whisper engine adapter converts the
// library's timings before a Result leaves ctxHandle.infer.
type Token struct {
	Text          string
	Probability   float64
	TimestampProb float64
	StartMs       int64
	EndMs         int64
}

// Segment is one decoded span of speech.
type Segment struct {
	Text          string
	StartMs       int64
	EndMs         int64
	Tokens        []Token
	NoSpeechProb  float64
}

// Result is the adapter's full output for one infer() call.
type Result struct {
	Segments             []Segment
	DetectedLanguage      string
	DetectedLanguageProbs map[string]float64
}

// Params configures one inference call. Strategy selects among the
// candidate-generation modes the original engine supported (greedy,
// beam search, high-temperature resampling). The whisper engine does not
// read Strategy, and nothing in the module calls Infer once per strategy:
// PipelineOrchestrator's multi-candidate path translates whatever
// candidates its caller passes to ProcessTranscription.
type Params struct {
	NThreads          int
	TranslateToEnglish bool
	Temperature       float64 // [0,1]
	MaxTokens         int
	Language          string // "" or "auto" means auto-detect
	PartialMode       bool
	Strategy          Strategy
}

// Strategy is a candidate-generation mode, grounded on
// generateTranscriptionCandidates in the original engine (greedy / beam
// search with beam_size=3 / high-temperature resampling with +0.3 offset).
type Strategy string

const (
	StrategyGreedy          Strategy = "greedy"
	StrategyBeamSearch      Strategy = "beam_search"
	StrategyHighTemperature Strategy = "high_temperature"
)

// DefaultParams returns sane single-shot greedy parameters.
func DefaultParams() Params {
	return Params{
		NThreads:    4,
		Temperature: 0.0,
		MaxTokens:   0,
		Language:    "auto",
		Strategy:    StrategyGreedy,
	}
}

// ModelInfo is returned by Validate.
type ModelInfo struct {
	ModelType        string
	VocabSize        int
	AudioContextFrames int
}

// Handle identifies a loaded context. Zero value is never valid.
type Handle uint64

// engine is the minimal capability this package needs from the external
// Whisper library. whisperEngine below is the production implementation;
// tests substitute a fake so the rest of this package, and everything built
// on top of it, never needs the real CGO library to run.
type engine interface {
	load(path string, useGPU bool, gpuID int) (ctxHandle, error)
}

// ctxHandle is one loaded native context.
type ctxHandle interface {
	infer(pcm []float32, params Params) (Result, error)
	setParams(params Params) error
	validate() (ModelInfo, error)
	unload() error
}

// Backend is the public adapter. One Backend typically lives for the
// process lifetime; it may hold one context per quantization level
// simultaneously (§4.3: "multiple contexts may be used in parallel").
type Backend struct {
	eng engine

	mu            sync.Mutex
	handles       map[Handle]ctxHandle
	nextID        Handle
	validationHandle Handle
}

// New constructs a Backend backed by the real whisper.cpp bindings.
func New() *Backend {
	return &Backend{eng: whisperEngine{}, handles: make(map[Handle]ctxHandle)}
}

// newWithEngine is used by tests to inject a fake engine.
func newWithEngine(e engine) *Backend {
	return &Backend{eng: e, handles: make(map[Handle]ctxHandle)}
}

// Load loads a model file at the given quantization level and returns a
// handle. useGPU/gpuID select device placement; on GPU failure the caller
// decides whether to retry as CPU (this adapter never silently falls back).
func (b *Backend) Load(path string, level quantization.Level, useGPU bool, gpuID int) (Handle, error) {
	resolved := quantization.PathFor(path, level)
	ctx, err := b.eng.load(resolved, useGPU, gpuID)
	if err != nil {
		return 0, err
	}
	info, err := ctx.validate()
	if err != nil {
		_ = ctx.unload()
		return 0, fmt.Errorf("inference: validate loaded model: %w", err)
	}
	if info.VocabSize < minVocabSize {
		_ = ctx.unload()
		return 0, fmt.Errorf("%w: got %d", ErrVocabTooSmall, info.VocabSize)
	}
	if info.AudioContextFrames <= 0 {
		_ = ctx.unload()
		return 0, ErrInvalidAudioCtx
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	h := b.nextID
	b.handles[h] = ctx
	return h, nil
}

// Infer runs inference on pcm (16kHz mono float32 samples, range [-1,1])
// using the context identified by handle. Timings in the returned Result
// are already converted to milliseconds.
func (b *Backend) Infer(handle Handle, pcm []float32, params Params) (Result, error) {
	ctx, err := b.get(handle)
	if err != nil {
		return Result{}, err
	}

	capSeconds := maxFullSeconds
	if params.PartialMode {
		capSeconds = maxPartialSeconds
	}
	if len(pcm) > capSeconds*sampleRateHz {
		return Result{}, fmt.Errorf("%w: %d samples over %ds cap", ErrInputTooLong, len(pcm), capSeconds)
	}

	if params.PartialMode {
		// Partial mode sets MaxTokens to 1, which the whisper engine does not
		// read. Every whisper call already starts from a fresh context with
		// no offset; single-segment decoding is not requested.
		params.MaxTokens = 1
	}

	return ctx.infer(pcm, params)
}

// SetParams updates decoding parameters for an existing context.
func (b *Backend) SetParams(handle Handle, params Params) error {
	ctx, err := b.get(handle)
	if err != nil {
		return err
	}
	return ctx.setParams(params)
}

// Validate returns model metadata for a loaded context.
func (b *Backend) Validate(handle Handle) (ModelInfo, error) {
	ctx, err := b.get(handle)
	if err != nil {
		return ModelInfo{}, err
	}
	return ctx.validate()
}

// Unload releases a context's native resources and forgets the handle.
func (b *Backend) Unload(handle Handle) error {
	b.mu.Lock()
	ctx, ok := b.handles[handle]
	if ok {
		delete(b.handles, handle)
	}
	b.mu.Unlock()
	if !ok {
		return ErrHandleNotFound
	}
	return ctx.unload()
}

func (b *Backend) get(handle Handle) (ctxHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, ok := b.handles[handle]
	if !ok {
		return nil, ErrHandleNotFound
	}
	return ctx, nil
}

// SetValidationHandle designates the context that TranscribeFile uses.
// cmd/sttd's validate-accuracy subcommand loads the candidate quantization
// level once and points this at it before calling quantization.ValidateAccuracy.
func (b *Backend) SetValidationHandle(handle Handle) {
	b.validationHandle = handle
}

// TranscribeFile satisfies quantization.Transcriber for accuracy
// validation: decodes the WAV at path, runs one full (non-partial)
// inference against the validation handle, and returns the joined segment
// text plus the mean no-speech-adjusted segment probability as a crude
// "engine confidence" proxy. The real calibrated confidence lives in
// pkg/confidence; this is only what quantization needs to rank candidate
// models.
func (b *Backend) TranscribeFile(path string) (string, float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("inference: read %q: %w", path, err)
	}
	decoded, err := audio.Decode(raw)
	if err != nil {
		return "", 0, fmt.Errorf("inference: decode %q: %w", path, err)
	}
	samples := audio.ToFloat32Mono(decoded.PCM, decoded.Channels)

	result, err := b.Infer(b.validationHandle, samples, Params{Strategy: StrategyGreedy, Language: "auto"})
	if err != nil {
		return "", 0, err
	}

	var parts []string
	var confSum float64
	for _, seg := range result.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
		confSum += 1 - seg.NoSpeechProb
	}
	meanConf := 0.0
	if len(result.Segments) > 0 {
		meanConf = confSum / float64(len(result.Segments))
	}
	return strings.Join(parts, " "), meanConf, nil
}
