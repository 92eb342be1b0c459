package inference

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// whisperVocabSize and whisperAudioContextFrames are whisper's fixed
// architecture constants (51865-token multilingual vocabulary, 1500 audio
// context frames for a 30s window at 10ms/frame). The Go bindings don't
// expose these through the Model/Context interfaces, so validate() reports
// the known constants rather than querying for something that isn't there.
const (
	whisperVocabSize          = 51865
	whisperAudioContextFrames = 1500
)

// whisperEngine is the production engine backed by the real CGO bindings.
// Grounded on MrWong99-glyphoxa/pkg/provider/stt/whisper/native.go: one
// shared Model, one Context per concurrent inference (contexts are not
// thread-safe, the model is).
type whisperEngine struct{}

func (whisperEngine) load(path string, useGPU bool, gpuID int) (ctxHandle, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnreadable, err)
	}
	model, err := whisperlib.New(path)
	if err != nil {
		if useGPU {
			return nil, fmt.Errorf("%w: %v", ErrGPUContextFailed, err)
		}
		return nil, fmt.Errorf("inference: load model %q: %w", path, err)
	}
	return &whisperCtx{model: model}, nil
}

// whisperCtx wraps a whisperlib.Model. A fresh whisperlib.Context is
// created per infer call, since contexts are not safe to reuse across
// concurrent calls; the coordinator serializes calls per handle, but a new
// Context also resets prior-segment state between partial and full runs.
type whisperCtx struct {
	mu     sync.Mutex
	model  whisperlib.Model
	params Params
}

func (c *whisperCtx) setParams(params Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = params
	return nil
}

func (c *whisperCtx) validate() (ModelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model == nil {
		return ModelInfo{}, errors.New("inference: context already unloaded")
	}
	modelType := "whisper-base"
	if c.model.IsMultilingual() {
		modelType = "whisper-multilingual"
	}
	return ModelInfo{
		ModelType:          modelType,
		VocabSize:          whisperVocabSize,
		AudioContextFrames: whisperAudioContextFrames,
	}, nil
}

func (c *whisperCtx) infer(pcm []float32, params Params) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.model == nil {
		return Result{}, errors.New("inference: context already unloaded")
	}

	wctx, err := c.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("inference: create context: %w", err)
	}

	lang := params.Language
	if lang != "" && lang != "auto" {
		if err := wctx.SetLanguage(lang); err != nil {
			return Result{}, fmt.Errorf("inference: set language %q: %w", lang, err)
		}
	}
	if params.NThreads > 0 {
		wctx.SetThreads(uint(params.NThreads))
	}
	wctx.SetTranslate(params.TranslateToEnglish)
	wctx.SetTemperature(float32(params.Temperature))
	wctx.SetTokenTimestamps(true)

	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrNonZeroStatus, err)
	}

	var result Result
	result.DetectedLanguage = wctx.DetectedLanguage()
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("inference: read segment: %w", err)
		}

		s := Segment{
			Text:    strings.TrimSpace(seg.Text),
			StartMs: seg.Start.Milliseconds(),
			EndMs:   seg.End.Milliseconds(),
		}
		// The bindings expose per-token acoustic probability (P) but not a
		// separate timestamp probability, so TimestampProb mirrors P; the
		// confidence engine's 0.8/0.2 blend degrades gracefully to P alone
		// when the two inputs are identical.
		for _, tok := range seg.Tokens {
			s.Tokens = append(s.Tokens, Token{
				Text:          tok.Text,
				Probability:   float64(tok.P),
				TimestampProb: float64(tok.P),
				StartMs:       tok.Start.Milliseconds(),
				EndMs:         tok.End.Milliseconds(),
			})
		}
		result.Segments = append(result.Segments, s)
	}
	return result, nil
}

func (c *whisperCtx) unload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model == nil {
		return nil
	}
	err := c.model.Close()
	c.model = nil
	return err
}
