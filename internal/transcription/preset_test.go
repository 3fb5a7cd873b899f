package transcription

import (
	"errors"
	"testing"
)

// TestResolvePresetKnown verifies every advertised preset resolves to
// a configuration with a model.
func TestResolvePresetKnown(t *testing.T) {
	for _, name := range PresetNames() {
		cfg, err := ResolvePreset(name)
		if err != nil {
			t.Errorf("resolve %q: %v", name, err)
			continue
		}
		if cfg.Name != name {
			t.Errorf("resolve %q: name = %q", name, cfg.Name)
		}
		if cfg.Model == "" {
			t.Errorf("resolve %q: empty model", name)
		}
	}
}

// TestResolvePresetUnknown verifies unknown names are rejected rather
// than silently defaulted.
func TestResolvePresetUnknown(t *testing.T) {
	for _, name := range []string{"", "ultra", "Fast", "BALANCED"} {
		if _, err := ResolvePreset(name); !errors.Is(err, ErrInvalidPreset) {
			t.Errorf("resolve %q: error = %v, want ErrInvalidPreset", name, err)
		}
	}
}

// TestPresetQualityOrdering sanity-checks that word timestamps come
// with the higher-quality presets.
func TestPresetQualityOrdering(t *testing.T) {
	high, _ := ResolvePreset(PresetHigh)
	premium, _ := ResolvePreset(PresetPremium)
	fast, _ := ResolvePreset(PresetFast)

	if high.Granularity != GranularityWord || premium.Granularity != GranularityWord {
		t.Error("high/premium presets should emit word timestamps")
	}
	if fast.Granularity != GranularitySegment {
		t.Error("fast preset should emit segment timestamps only")
	}
}
