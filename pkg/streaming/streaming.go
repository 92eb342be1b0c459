// Package streaming owns a per-utterance streaming state, decides when to
// fire partial and final inferences off the ingest goroutine, and gates
// outbound results on update-rate and text similarity. Per-session locking
// and a generation counter discard results from stopped utterances.
// Callbacks run synchronously on the worker goroutine that produced the
// result, with the utterance's state lock held.
package streaming

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/speechrnt/sttcore/pkg/buffer"
	"github.com/speechrnt/sttcore/pkg/confidence"
	"github.com/speechrnt/sttcore/pkg/inference"
	"github.com/speechrnt/sttcore/pkg/model"
	"github.com/speechrnt/sttcore/pkg/queue"
)

// Policy configures trigger and emission-gating behavior. Defaults match
// §4.5.
type Policy struct {
	TranscriptionIntervalMs int64
	MinSamples              int
	MinChunkMs              int64
	PartialWindowSamples    int

	MinTextLength        int
	SimilarityThreshold   float64
	MinUpdateIntervalMs  int64
	MaxUpdateFrequencyHz float64
	IncrementalUpdates    bool

	TrimWhitespace    bool
	CollapseWhitespace bool
	Lowercase         bool
	RemovePunctuation bool

	ConfidenceThreshold        float64
	ConfidenceFilteringEnabled bool
	WordLevelConfidenceEnabled bool
	QualityIndicatorsEnabled   bool
}

// DefaultPolicy returns §4.5's documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		TranscriptionIntervalMs: 1000,
		MinSamples:              16000,
		MinChunkMs:              1000,
		PartialWindowSamples:    32000,
		MinTextLength:           3,
		SimilarityThreshold:     0.8,
		MinUpdateIntervalMs:     100,
		MaxUpdateFrequencyHz:    10,
		IncrementalUpdates:      true,
		TrimWhitespace:          true,
		CollapseWhitespace:      true,
		ConfidenceThreshold:        0.5,
		ConfidenceFilteringEnabled: true,
		WordLevelConfidenceEnabled: true,
		QualityIndicatorsEnabled:   true,
	}
}

// Callback receives emitted results for one utterance.
type Callback func(model.TranscriptionResult)

// state is the per-utterance StreamingState.
type state struct {
	mu sync.Mutex

	utteranceID uint32
	callback    Callback
	policy      Policy
	handle      inference.Handle

	createdAt        time.Time
	lastPartialAt    time.Time
	lastSentText     string
	lastSentTime     time.Time
	processedSamples int64
	generation       int // bumped on Stop; in-flight callbacks from a stale generation are discarded
}

// Coordinator is the public StreamingCoordinator.
type Coordinator struct {
	buffers *buffer.Manager
	backend *inference.Backend
	pool    *queue.Queue
	logger  *slog.Logger

	mapMu   sync.Mutex
	streams map[uint32]*state
}

// New constructs a Coordinator. pool is the shared worker queue (C7) that
// partial/final inference tasks are submitted to so add_chunk never blocks
// on inference.
func New(buffers *buffer.Manager, backend *inference.Backend, pool *queue.Queue, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		buffers: buffers,
		backend: backend,
		pool:    pool,
		logger:  logger,
		streams: make(map[uint32]*state),
	}
}

// Start allocates streaming state for a new utterance and creates its
// buffer.
func (c *Coordinator) Start(utteranceID uint32, handle inference.Handle, callback Callback, policy Policy) {
	s := &state{
		utteranceID: utteranceID,
		callback:    callback,
		policy:      policy,
		handle:      handle,
		createdAt:   time.Now(),
	}

	c.mapMu.Lock()
	c.streams[utteranceID] = s
	c.mapMu.Unlock()

	c.buffers.Create(utteranceID, 0)
	c.buffers.SetActive(utteranceID, true)
}

// AddChunk appends samples and, if the trigger policy fires, submits a
// partial-inference task to the worker queue. Never blocks on inference.
func (c *Coordinator) AddChunk(utteranceID uint32, samples []float32) {
	s := c.get(utteranceID)
	if s == nil {
		return
	}

	c.buffers.Add(utteranceID, samples)

	stored := len(c.buffers.ReadAll(utteranceID))

	s.mu.Lock()
	s.processedSamples += int64(len(samples))
	elapsed := time.Since(s.lastPartialAt).Milliseconds()
	enoughTime := s.lastPartialAt.IsZero() || elapsed >= s.policy.TranscriptionIntervalMs
	enoughSamples := stored >= s.policy.MinSamples && stored >= int(16000*s.policy.MinChunkMs/1000)
	generation := s.generation
	s.mu.Unlock()

	if !enoughTime || !enoughSamples {
		return
	}

	s.mu.Lock()
	s.lastPartialAt = time.Now()
	s.mu.Unlock()

	c.submitPartial(s, generation)
}

func (c *Coordinator) submitPartial(s *state, generation int) {
	c.pool.EnqueueFunc(queue.High, func() error {
		window := c.buffers.ReadRecent(s.utteranceID, s.policy.PartialWindowSamples)
		if len(window) == 0 {
			return nil
		}

		params := inference.DefaultParams()
		params.PartialMode = true
		result, err := c.backend.Infer(s.handle, window, params)
		if err != nil {
			c.logger.Warn("partial inference failed", "utterance", s.utteranceID, "error", err)
			return err
		}

		s.mu.Lock()
		stale := s.generation != generation
		s.mu.Unlock()
		if stale {
			return nil
		}

		tr := buildResult(s, result, window, true)
		c.maybeEmit(s, tr)
		return nil
	})
}

// Finalize submits a full inference over the whole buffer to the worker
// queue; that task tears down the utterance's streaming state. Never blocks
// on inference.
func (c *Coordinator) Finalize(utteranceID uint32) {
	s := c.get(utteranceID)
	if s == nil {
		return
	}

	s.mu.Lock()
	generation := s.generation
	s.mu.Unlock()

	c.pool.EnqueueFunc(queue.High, func() error {
		c.runFinal(s, utteranceID, generation)
		return nil
	})
}

// runFinal is Finalize's worker-side half.
func (c *Coordinator) runFinal(s *state, utteranceID uint32, generation int) {
	whole := c.buffers.ReadAll(utteranceID)
	params := inference.DefaultParams()
	params.PartialMode = false
	result, err := c.backend.Infer(s.handle, whole, params)

	c.mapMu.Lock()
	delete(c.streams, utteranceID)
	c.mapMu.Unlock()
	c.buffers.Remove(utteranceID)

	if err != nil {
		c.logger.Warn("final inference failed", "utterance", utteranceID, "error", err)
		return
	}

	s.mu.Lock()
	stale := s.generation != generation
	s.mu.Unlock()
	if stale {
		return
	}

	tr := buildResult(s, result, whole, false)
	c.maybeEmit(s, tr)
}

// Stop aborts an utterance's streaming state without emitting a final
// result.
func (c *Coordinator) Stop(utteranceID uint32) {
	s := c.get(utteranceID)
	if s == nil {
		return
	}

	s.mu.Lock()
	s.generation++ // invalidate in-flight callbacks
	s.mu.Unlock()

	c.mapMu.Lock()
	delete(c.streams, utteranceID)
	c.mapMu.Unlock()
	c.buffers.Remove(utteranceID)
}

// StopAll aborts every active utterance.
func (c *Coordinator) StopAll() {
	c.mapMu.Lock()
	ids := make([]uint32, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	c.mapMu.Unlock()

	for _, id := range ids {
		c.Stop(id)
	}
}

func (c *Coordinator) get(utteranceID uint32) *state {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	return c.streams[utteranceID]
}

// buildResult assembles a TranscriptionResult from an inference.Result,
// running the confidence engine and word-timing fusion over it.
func buildResult(s *state, infResult inference.Result, pcm []float32, partial bool) model.TranscriptionResult {
	s.mu.Lock()
	policy := s.policy
	processed := s.processedSamples
	createdAt := s.createdAt
	s.mu.Unlock()

	return BuildResult(s.utteranceID, createdAt, processed, infResult, pcm, partial, policy)
}

// BuildResult assembles a TranscriptionResult from one inference.Result,
// running the confidence engine, quality bucketing, and word-timing fusion
// over it per §4.4. Exported so one-shot (non-streaming) callers — e.g. the
// engine façade's Transcribe/TranscribeLive — can produce the same shape of
// result without going through a Coordinator's per-utterance state.
func BuildResult(utteranceID uint32, createdAt time.Time, processedSamples int64, infResult inference.Result, pcm []float32, partial bool, policy Policy) model.TranscriptionResult {
	overall := confidence.ResultConfidence(infResult.Segments)

	var words []model.WordTiming
	if policy.WordLevelConfidenceEnabled {
		for _, seg := range infResult.Segments {
			words = append(words, confidence.SegmentWords(seg)...)
		}
	}

	now := time.Now()
	tr := model.TranscriptionResult{
		UtteranceID: utteranceID,
		Confidence:  overall,
		IsPartial:   partial,
		StartTimeMs: createdAt.UnixMilli(),
		EndTimeMs:   now.UnixMilli(),
		Words:       words,
		Metrics:     confidence.QualityMetrics(infResult.Segments, pcm, 0),
	}
	for _, seg := range infResult.Segments {
		if tr.Text != "" {
			tr.Text += " "
		}
		tr.Text += seg.Text
	}

	quality, rejected := confidence.QualityLevel(overall, tr.Metrics, policy.ConfidenceFilteringEnabled, policy.ConfidenceThreshold)
	if rejected {
		tr.Text = ""
	}
	tr.Quality = quality
	tr.MeetsConfidenceThreshold = overall >= policy.ConfidenceThreshold
	if !policy.QualityIndicatorsEnabled {
		tr.Metrics = model.QualityMetrics{}
	}

	confidence.FuseStreaming(&tr, now.UnixMilli(), createdAt.UnixMilli(), processedSamples)
	return tr
}

// maybeEmit applies §4.5's emission gate and calls the callback if it
// passes.
func (c *Coordinator) maybeEmit(s *state, tr model.TranscriptionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !tr.IsPartial {
		s.lastSentText = normalize(tr.Text, s.policy)
		s.lastSentTime = time.Now()
		s.callback(tr)
		return
	}

	if !s.policy.IncrementalUpdates {
		return
	}

	normalized := normalize(tr.Text, s.policy)
	if len([]rune(normalized)) < s.policy.MinTextLength {
		return
	}
	if normalized == s.lastSentText {
		return
	}
	if textSimilarity(normalized, s.lastSentText) >= s.policy.SimilarityThreshold {
		return
	}
	if !s.lastSentTime.IsZero() {
		sinceMs := time.Since(s.lastSentTime).Milliseconds()
		if sinceMs < s.policy.MinUpdateIntervalMs {
			return
		}
		if s.policy.MaxUpdateFrequencyHz > 0 && sinceMs < int64(1000/s.policy.MaxUpdateFrequencyHz) {
			return
		}
	}

	s.lastSentText = normalized
	s.lastSentTime = time.Now()
	s.callback(tr)
}

// normalize applies the independently-toggled text normalization steps
// from §4.5.
func normalize(text string, p Policy) string {
	if p.TrimWhitespace {
		text = strings.TrimSpace(text)
	}
	if p.CollapseWhitespace {
		text = strings.Join(strings.Fields(text), " ")
	}
	if p.Lowercase {
		text = strings.ToLower(text)
	}
	if p.RemovePunctuation {
		var b strings.Builder
		for _, r := range text {
			if unicode.IsPunct(r) {
				continue
			}
			b.WriteRune(r)
		}
		text = b.String()
	}
	return text
}

// textSimilarity is 1 - levenshtein(a,b)/max(|a|,|b|).
func textSimilarity(a, b string) float64 {
	ar, br := []rune(a), []rune(b)
	denom := len(ar)
	if len(br) > denom {
		denom = len(br)
	}
	if denom == 0 {
		return 1
	}
	return 1 - float64(runeLevenshtein(ar, br))/float64(denom)
}

func runeLevenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = minInt(del, minInt(ins, sub))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
