package confidence

import (
	"sort"
	"strings"

	"github.com/speechrnt/sttcore/pkg/inference"
	"github.com/speechrnt/sttcore/pkg/model"
)

// SegmentWords splits a segment's tokens into words, combining token
// probability and timestamp probability (0.8/0.2 weight) before running
// AdjustWord. Word boundaries are: leading whitespace, terminal punctuation
// (excluding apostrophe and hyphen), or the look-ahead boundary detected
// from the next token. Grounded on extractWordTimings in whisper_stt.cpp.
func SegmentWords(seg inference.Segment) []model.WordTiming {
	var words []model.WordTiming
	var current strings.Builder
	var startMs, endMs int64
	var confSum, tsConfSum float64
	var tokenCount int
	started := false

	flush := func() {
		if !started || current.Len() == 0 {
			return
		}
		avgConf := 0.0
		avgTsConf := 0.0
		if tokenCount > 0 {
			avgConf = confSum / float64(tokenCount)
			avgTsConf = tsConfSum / float64(tokenCount)
		}
		if avgTsConf > 0 {
			avgConf = avgConf*0.8 + avgTsConf*0.2
		}
		word := current.String()
		adjusted := AdjustWord(word, avgConf, tokenCount)
		words = append(words, model.WordTiming{Word: word, StartMs: startMs, EndMs: endMs, Confidence: adjusted})

		current.Reset()
		confSum, tsConfSum = 0, 0
		tokenCount = 0
		started = false
	}

	for i, tok := range seg.Tokens {
		text := tok.Text
		if text == "" {
			continue
		}

		isNewWord := false
		switch {
		case i == 0:
			isNewWord = true
		case text[0] == ' ' || text[0] == '\t':
			isNewWord = true
		case current.Len() == 0:
			isNewWord = true
		case isBoundaryPunct(rune(text[0])):
			isNewWord = true
		}

		isWordEnd := i == len(seg.Tokens)-1
		if !isWordEnd && i+1 < len(seg.Tokens) {
			next := seg.Tokens[i+1].Text
			if next != "" && (next[0] == ' ' || next[0] == '\t' || isBoundaryPunct(rune(next[0]))) {
				isWordEnd = true
			}
		}

		if isNewWord && started {
			flush()
		}
		if isNewWord {
			startMs = tok.StartMs
			started = true
			text = strings.TrimLeft(text, " \t")
		}
		if text != "" {
			current.WriteString(text)
			confSum += tok.Probability
			tsConfSum += tok.TimestampProb
			tokenCount++
			endMs = tok.EndMs
		}
		if isWordEnd {
			flush()
		}
	}
	flush()
	return words
}

func isBoundaryPunct(r rune) bool {
	if r == '\'' || r == '-' {
		return false
	}
	return strings.ContainsRune("!\"#$%&()*+,./:;<=>?@[\\]^_`{|}~", r)
}

// ReconcileWordTimings runs the three-phase consistency pass from §4.4:
// clamp to the result's [start,end] bounds and [50ms,5000ms] duration,
// split overlaps proportionally by confidence*length, shrink gaps over 2s
// down to 1s, then recompute overall confidence as a 0.7/0.3 blend with the
// mean word confidence.
func ReconcileWordTimings(result *model.TranscriptionResult) {
	if len(result.Words) == 0 {
		return
	}
	words := result.Words

	for i := range words {
		if words[i].StartMs < result.StartTimeMs {
			words[i].StartMs = result.StartTimeMs
		}
		if result.EndTimeMs > 0 && words[i].EndMs > result.EndTimeMs {
			words[i].EndMs = result.EndTimeMs
		}
		d := words[i].DurationMs()
		if d < 50 {
			words[i].EndMs = words[i].StartMs + 50
		} else if d > 5000 {
			words[i].EndMs = words[i].StartMs + 5000
		}
		if words[i].Confidence < 0 {
			words[i].Confidence = 0
		} else if words[i].Confidence > 1 {
			words[i].Confidence = 1
		}
	}

	for i := 1; i < len(words); i++ {
		prev := &words[i-1]
		cur := &words[i]

		if cur.StartMs < prev.EndMs {
			totalDuration := cur.EndMs - prev.StartMs
			prevWeight := prev.Confidence * float64(len(prev.Word))
			curWeight := cur.Confidence * float64(len(cur.Word))
			totalWeight := prevWeight + curWeight

			var split int64
			if totalWeight > 0 {
				split = prev.StartMs + int64(float64(totalDuration)*prevWeight/totalWeight)
				if split < prev.StartMs+50 {
					split = prev.StartMs + 50
				}
				if split > cur.EndMs-50 {
					split = cur.EndMs - 50
				}
			} else {
				split = (prev.EndMs + cur.StartMs) / 2
			}
			prev.EndMs = split
			cur.StartMs = split
		}

		gap := cur.StartMs - prev.EndMs
		if gap > 2000 {
			adjustment := (gap - 1000) / 2
			prev.EndMs += adjustment
			cur.StartMs -= adjustment
		}
	}

	var confSum float64
	for _, w := range words {
		confSum += w.Confidence
	}
	avgWordConf := confSum / float64(len(words))
	if result.Confidence > 0 {
		blended := result.Confidence*0.7 + avgWordConf*0.3
		result.Confidence = clamp01(blended)
	}
	result.Words = words
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FuseStreaming shifts word timestamps produced mid-stream by the
// coordinator's own clock (§4.4 streaming word-timing fusion): partial
// results use now-start-duration, final results use processed-sample
// count/16kHz; both are clamped non-negative with a 50ms floor, and
// per-word confidence is blended with the overall result confidence
// (weight 0.6 partial, 0.4 final). Words are sorted by start time and then
// run through ReconcileWordTimings.
func FuseStreaming(result *model.TranscriptionResult, nowMs, utteranceStartMs int64, processedSamples int64) {
	blendWeight := 0.4
	if result.IsPartial {
		blendWeight = 0.6
	}

	for i := range result.Words {
		w := &result.Words[i]
		var shift int64
		if result.IsPartial {
			shift = nowMs - utteranceStartMs - w.DurationMs()
		} else {
			shift = processedSamples * 1000 / 16000
		}
		if shift < 0 {
			shift = 0
		}
		w.StartMs += shift
		w.EndMs += shift
		if w.DurationMs() < 50 {
			w.EndMs = w.StartMs + 50
		}
		w.Confidence = w.Confidence*blendWeight + result.Confidence*(1-blendWeight)
	}

	sort.SliceStable(result.Words, func(i, j int) bool {
		return result.Words[i].StartMs < result.Words[j].StartMs
	})

	ReconcileWordTimings(result)
}
