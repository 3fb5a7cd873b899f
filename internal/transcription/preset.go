package transcription

import (
	"errors"
	"fmt"
)

// ErrInvalidPreset is returned for preset names outside the closed set.
// Submissions are rejected at the boundary, before any oracle call.
var ErrInvalidPreset = errors.New("invalid preset")

// Preset names accepted at the submission boundary.
const (
	PresetFast     = "fast"
	PresetBalanced = "balanced"
	PresetHigh     = "high"
	PresetPremium  = "premium"
)

// TimestampGranularity selects the finest timestamp level the oracle
// emits.
type TimestampGranularity string

const (
	GranularitySegment TimestampGranularity = "segment"
	GranularityWord    TimestampGranularity = "word"
)

// PresetConfig is an immutable bundle of transcription quality
// parameters. Resolved once per request, never mutated afterwards.
type PresetConfig struct {
	Name          string
	Model         string
	Temperature   float64
	Granularity   TimestampGranularity
	InitialPrompt string
}

var presets = map[string]PresetConfig{
	PresetFast: {
		Name:        PresetFast,
		Model:       "tiny",
		Temperature: 0.0,
		Granularity: GranularitySegment,
	},
	PresetBalanced: {
		Name:        PresetBalanced,
		Model:       "small",
		Temperature: 0.0,
		Granularity: GranularitySegment,
	},
	PresetHigh: {
		Name:          PresetHigh,
		Model:         "medium",
		Temperature:   0.2,
		Granularity:   GranularityWord,
		InitialPrompt: "This is a recorded music lesson.",
	},
	PresetPremium: {
		Name:          PresetPremium,
		Model:         "large",
		Temperature:   0.2,
		Granularity:   GranularityWord,
		InitialPrompt: "This is a recorded music lesson with technical terminology.",
	},
}

// ResolvePreset maps a preset name to its configuration. Unknown names
// fail with ErrInvalidPreset rather than silently defaulting.
func ResolvePreset(name string) (PresetConfig, error) {
	cfg, ok := presets[name]
	if !ok {
		return PresetConfig{}, fmt.Errorf("%w: %q", ErrInvalidPreset, name)
	}
	return cfg, nil
}

// PresetNames lists the accepted preset names.
func PresetNames() []string {
	return []string{PresetFast, PresetBalanced, PresetHigh, PresetPremium}
}
