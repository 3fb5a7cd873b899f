// Package analysis classifies lesson segments into teaching patterns
// from their speech/silence timing. Classification is pure and
// stateless: results are recomputed from raw timing data on demand,
// never persisted mutably.
package analysis

import (
	"github.com/lessonforge/transcriber/internal/types"
)

// Teaching pattern labels.
const (
	PatternDemonstration = "demonstration"
	PatternInstructional = "instructional"
	PatternOverview      = "overview"
	PatternPerformance   = "performance"
)

// Threshold table. Rules are evaluated in order: performance, overview,
// instructional, with demonstration as the remaining band. Boundaries
// are deliberate and tested: a speech ratio of exactly 0.60 classifies
// as demonstration, exactly 0.40 as instructional.
const (
	performanceMaxSpeech = 0.20 // at least 80% non-speech
	overviewMinSpeech    = 0.50
	instructionalMin     = 0.40 // inclusive
	instructionalMax     = 0.60 // exclusive; 0.60 itself is demonstration
	frontBackMassMin     = 0.65 // share of speech in first+last quartiles
	alternationMinBlocks = 8    // speech blocks suggesting talk/play alternation
)

// PatternResult is the classification outcome for one recording.
type PatternResult struct {
	PatternType     string             `json:"pattern_type"`
	Confidence      float64            `json:"confidence"`
	Evidence        map[string]float64 `json:"evidence"`
	Recommendations []string           `json:"recommendations"`
}

// Classify labels a recording's teaching pattern from its transcript
// segments and total recording length. Deterministic: identical inputs
// always yield an identical result.
func Classify(segments []types.Segment, totalDuration float64) PatternResult {
	if totalDuration <= 0 || len(segments) == 0 {
		return PatternResult{
			PatternType: PatternPerformance,
			Confidence:  0.5,
			Evidence: map[string]float64{
				"speech_ratio":   0,
				"speech_seconds": 0,
				"total_seconds":  totalDuration,
				"segment_count":  float64(len(segments)),
			},
			Recommendations: recommendations(PatternPerformance),
		}
	}

	var speech float64
	for _, seg := range segments {
		if d := seg.End - seg.Start; d > 0 {
			speech += d
		}
	}
	ratio := speech / totalDuration
	frontBack := frontBackMass(segments, totalDuration)

	evidence := map[string]float64{
		"speech_ratio":    ratio,
		"speech_seconds":  speech,
		"total_seconds":   totalDuration,
		"segment_count":   float64(len(segments)),
		"front_back_mass": frontBack,
	}

	var pattern string
	var confidence float64

	switch {
	case ratio <= performanceMaxSpeech:
		pattern = PatternPerformance
		// More silence than required → stronger signal.
		confidence = clamp01(0.75 + (performanceMaxSpeech-ratio)*2)
	case ratio >= overviewMinSpeech && frontBack >= frontBackMassMin:
		pattern = PatternOverview
		confidence = clamp01(0.6 + (frontBack-frontBackMassMin)*1.5)
	case ratio >= instructionalMin && ratio < instructionalMax:
		pattern = PatternInstructional
		confidence = 0.7
		if len(segments) >= alternationMinBlocks {
			// Many distinct speech blocks: the alternating
			// explain-then-play signature.
			confidence += 0.15
		}
		confidence = clamp01(confidence + centrality(ratio, instructionalMin, instructionalMax)*0.1)
	default:
		pattern = PatternDemonstration
		confidence = 0.7
		if ratio < instructionalMin {
			confidence = clamp01(0.7 + (instructionalMin-ratio)*0.5)
		}
	}

	return PatternResult{
		PatternType:     pattern,
		Confidence:      confidence,
		Evidence:        evidence,
		Recommendations: recommendations(pattern),
	}
}

// frontBackMass returns the fraction of speech time falling in the
// first and last quartiles of the timeline. Overview lessons introduce
// and recap verbally around a played middle.
func frontBackMass(segments []types.Segment, totalDuration float64) float64 {
	q1 := totalDuration * 0.25
	q4 := totalDuration * 0.75

	var total, edges float64
	for _, seg := range segments {
		d := seg.End - seg.Start
		if d <= 0 {
			continue
		}
		total += d
		edges += overlap(seg.Start, seg.End, 0, q1)
		edges += overlap(seg.Start, seg.End, q4, totalDuration)
	}
	if total == 0 {
		return 0
	}
	return edges / total
}

// overlap returns the length of the intersection of [a1,a2] and [b1,b2].
func overlap(a1, a2, b1, b2 float64) float64 {
	lo := a1
	if b1 > lo {
		lo = b1
	}
	hi := a2
	if b2 < hi {
		hi = b2
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// centrality is 1 at the middle of [lo,hi) and 0 at its edges.
func centrality(x, lo, hi float64) float64 {
	mid := (lo + hi) / 2
	half := (hi - lo) / 2
	d := x - mid
	if d < 0 {
		d = -d
	}
	return clamp01(1 - d/half)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// recommendations returns the ordered guidance text for a pattern.
func recommendations(pattern string) []string {
	switch pattern {
	case PatternPerformance:
		return []string{
			"Add a short spoken introduction so students know what to listen for.",
			"Consider a follow-up segment breaking the performance into teachable parts.",
		}
	case PatternDemonstration:
		return []string{
			"Narrate key moments during demonstrations to anchor what students see.",
			"Pair this segment with a practice exercise covering the demonstrated technique.",
		}
	case PatternInstructional:
		return []string{
			"Keep spoken explanations under two minutes before returning to playing.",
			"Summarize the main teaching points at the end of the segment.",
		}
	case PatternOverview:
		return []string{
			"Link the overview to the detailed segments it introduces.",
			"Keep the recap aligned with the points raised in the introduction.",
		}
	default:
		return nil
	}
}
