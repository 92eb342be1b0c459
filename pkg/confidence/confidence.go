// Package confidence implements C4: turning raw inference.Result output
// into calibrated confidence numbers, word-level timings, and an overall
// quality label. Grounded on the confidence/word-timing sections of
// backend/src/stt/whisper_stt.cpp.
package confidence

import (
	"math"
	"strings"
	"unicode"

	"github.com/speechrnt/sttcore/pkg/inference"
	"github.com/speechrnt/sttcore/pkg/model"
)

// commonWords is the closed set of high-frequency English function and
// common words that receive a confidence boost. English-centric by design;
// the original engine this was ported from has the same bias and no
// multi-language variant, so it is kept rather than guessed at.
var commonWords = map[string]bool{}

func init() {
	for _, w := range []string{
		"the", "and", "or", "but", "in", "on", "at", "to", "for", "of", "with", "by",
		"a", "an", "is", "are", "was", "were", "be", "been", "have", "has", "had",
		"do", "does", "did", "will", "would", "could", "should", "can", "may", "might",
		"this", "that", "these", "those", "here", "there", "where", "when", "why", "how",
		"what", "who", "which", "whose", "i", "you", "he", "she", "it", "we", "they",
		"me", "him", "her", "us", "them", "my", "your", "his", "its", "our", "their",
		"not", "no", "yes", "now", "then", "just", "only", "also", "very", "well", "good",
		"new", "first", "last", "long", "great", "little", "own", "other", "old", "right",
		"big", "high", "different", "small", "large", "next", "early", "young", "important",
		"few", "public", "bad", "same", "able", "get", "make", "go", "see", "know", "take",
		"come", "think", "look", "want", "give", "use", "find", "tell", "ask", "work",
		"seem", "feel", "try", "leave", "call", "keep", "let", "begin", "help", "show",
	} {
		commonWords[w] = true
	}
}

// SegmentConfidence implements §4.4's segment confidence calculation:
// average valid token probability plus a length boost, falling back to
// 1-no_speech_prob when no token probability is usable.
func SegmentConfidence(seg inference.Segment) float64 {
	var sum float64
	valid := 0
	for _, tok := range seg.Tokens {
		if tok.Probability > 0 {
			sum += tok.Probability
			valid++
		}
	}
	if valid == 0 {
		return math.Max(0, 1-seg.NoSpeechProb)
	}
	avg := sum / float64(valid)
	lengthBoost := math.Min(1, float64(valid)/10) * 0.1
	return math.Min(1, avg+lengthBoost)
}

// ResultConfidence averages segment confidences and scales down the mean
// when segments disagree (variance > 0.1 scales by up to 0.2).
func ResultConfidence(segs []inference.Segment) float64 {
	if len(segs) == 0 {
		return 0
	}
	confs := make([]float64, len(segs))
	var sum float64
	for i, s := range segs {
		confs[i] = SegmentConfidence(s)
		sum += confs[i]
	}
	avg := sum / float64(len(confs))

	if len(confs) > 1 {
		var variance float64
		for _, c := range confs {
			variance += (c - avg) * (c - avg)
		}
		variance /= float64(len(confs))
		if variance > 0.1 {
			avg *= 1 - math.Min(0.2, variance)
		}
	}
	return avg
}

// AdjustWord applies the length/casing/phonetic multipliers from §4.4 to a
// base per-word confidence, clamping the final value both to [0,1] and to a
// ±0.3 band around base.
func AdjustWord(word string, base float64, tokenCount int) float64 {
	adjusted := base

	if len(word) < 2 {
		adjusted *= 0.9
	} else if len(word) > 10 {
		adjusted *= 0.95
	}

	if tokenCount == 1 {
		adjusted *= 1.05
	} else if tokenCount > 3 {
		adjusted *= 0.9
	}

	hasDigit := strings.ContainsAny(word, "0123456789")
	hasSpecial := strings.ContainsAny(word, "!@#$%^&*()_+-=[]{}|;:,.<>?")
	isAllCaps := len(word) > 1 && allCaps(word)

	if hasDigit {
		adjusted *= 0.92
	}
	if hasSpecial {
		adjusted *= 0.85
	}
	if isAllCaps {
		adjusted *= 0.95
	}

	lower := strings.ToLower(word)
	if commonWords[lower] {
		adjusted *= 1.08
	}

	consonantClusters, vowelClusters := clusterCounts(lower)
	if consonantClusters > vowelClusters+2 {
		adjusted *= 0.95
	}
	if vowelClusters > consonantClusters+1 {
		adjusted *= 0.97
	}

	if len(word) >= 3 && len(word) <= 6 {
		adjusted *= 1.02
	}

	const maxDeviation = 0.3
	minConf := math.Max(0, base-maxDeviation)
	maxConf := math.Min(1, base+maxDeviation)
	adjusted = math.Max(minConf, math.Min(maxConf, adjusted))
	return math.Max(0, math.Min(1, adjusted))
}

func allCaps(word string) bool {
	for _, r := range word {
		if unicode.IsLetter(r) && !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

func clusterCounts(lower string) (consonants, vowels int) {
	inConsonant, inVowel := false, false
	for _, c := range lower {
		isVowel := c == 'a' || c == 'e' || c == 'i' || c == 'o' || c == 'u' || c == 'y'
		switch {
		case isVowel:
			if !inVowel {
				vowels++
				inVowel = true
				inConsonant = false
			}
		case unicode.IsLetter(c):
			if !inConsonant {
				consonants++
				inConsonant = true
				inVowel = false
			}
		}
	}
	return consonants, vowels
}

// QualityMetrics computes the acoustic/perf signals behind a quality label
// from the decoded segments and the raw PCM that produced them.
func QualityMetrics(segs []inference.Segment, pcm []float32, processingLatencyMs int64) model.QualityMetrics {
	var tokenProbSum, noSpeechSum float64
	var tokenCount, segCount int
	for _, s := range segs {
		for _, t := range s.Tokens {
			tokenProbSum += t.Probability
			tokenCount++
		}
		noSpeechSum += s.NoSpeechProb
		segCount++
	}

	m := model.QualityMetrics{ProcessingLatencyMs: processingLatencyMs}
	if tokenCount > 0 {
		m.AvgTokenProbability = tokenProbSum / float64(tokenCount)
	}
	if segCount > 0 {
		m.NoSpeechProbability = noSpeechSum / float64(segCount)
	}

	if len(pcm) > 0 {
		var sumSq, sum float64
		for _, s := range pcm {
			sumSq += float64(s) * float64(s)
			sum += float64(s)
		}
		rms := math.Sqrt(sumSq / float64(len(pcm)))
		const noiseFloor = 0.01
		if rms > noiseFloor {
			m.SNRdb = 20 * math.Log10(rms/noiseFloor)
		}
		m.Clarity = math.Min(1, rms*10)

		mean := sum / float64(len(pcm))
		var variance float64
		for _, s := range pcm {
			d := float64(s) - mean
			variance += d * d
		}
		variance /= float64(len(pcm))
		m.BackgroundNoise = variance > 0.05
	}
	return m
}

// QualityLevel buckets an overall confidence adjusted by quality metrics
// into a label, per §4.4. If confidenceFilteringEnabled and the adjusted
// confidence is below threshold/2, returns QualityRejected and signals the
// caller to blank the text.
func QualityLevel(confidence float64, qm model.QualityMetrics, confidenceFilteringEnabled bool, threshold float64) (level model.QualityLevel, rejected bool) {
	score := confidence

	switch {
	case qm.SNRdb > 20:
		score += 0.1
	case qm.SNRdb < 10:
		score -= 0.1
	}
	switch {
	case qm.Clarity > 0.8:
		score += 0.05
	case qm.Clarity < 0.3:
		score -= 0.1
	}
	if qm.BackgroundNoise {
		score -= 0.05
	}
	if qm.ProcessingLatencyMs > 1000 {
		score -= 0.05
	}

	if confidenceFilteringEnabled && score < threshold/2 {
		return model.QualityRejected, true
	}

	switch {
	case score >= 0.8:
		return model.QualityHigh, false
	case score >= 0.6:
		return model.QualityMedium, false
	default:
		return model.QualityLow, false
	}
}
