package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lessonforge/transcriber/internal/types"
)

// ErrOracleTimeout marks a transcription that exceeded its deadline.
// Treated as transient: the same call may succeed on retry.
var ErrOracleTimeout = errors.New("oracle timeout")

// ErrMalformedOutput marks oracle output that could not be parsed.
// Not retried: the model produced it deterministically.
var ErrMalformedOutput = errors.New("malformed oracle output")

// Oracle is the external black-box transcription engine. The audio path
// is passed read-only; the oracle must not be assumed to retain or copy
// it beyond the call's lifetime.
type Oracle interface {
	Transcribe(ctx context.Context, audioPath string, preset PresetConfig) (*types.TranscriptionResult, error)
}

// WhisperOracle invokes Python's OpenAI Whisper as a subprocess.
type WhisperOracle struct {
	pythonCmd string
	tempDir   string
}

// NewWhisperOracle creates an oracle calling python -m whisper, writing
// its working output under tempDir.
func NewWhisperOracle(pythonCmd, tempDir string) *WhisperOracle {
	if pythonCmd == "" {
		pythonCmd = "python"
	}
	return &WhisperOracle{
		pythonCmd: pythonCmd,
		tempDir:   tempDir,
	}
}

// Transcribe runs Whisper on one audio file with the given preset. The
// context deadline bounds the call; overruns surface as ErrOracleTimeout.
func (wo *WhisperOracle) Transcribe(ctx context.Context, audioPath string, preset PresetConfig) (*types.TranscriptionResult, error) {
	outDir, err := os.MkdirTemp(wo.tempDir, "whisper_")
	if err != nil {
		return nil, fmt.Errorf("failed to create whisper output dir: %v", err)
	}
	defer os.RemoveAll(outDir)

	absAudioPath, err := filepath.Abs(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %v", err)
	}

	args := []string{
		"-m", "whisper",
		absAudioPath,
		"--model", preset.Model,
		"--temperature", strconv.FormatFloat(preset.Temperature, 'f', -1, 64),
		"--output_dir", outDir,
		"--output_format", "json",
		"--fp16", "False",
	}
	if preset.Granularity == GranularityWord {
		args = append(args, "--word_timestamps", "True")
	}
	if preset.InitialPrompt != "" {
		args = append(args, "--initial_prompt", preset.InitialPrompt)
	}

	cmd := exec.CommandContext(ctx, wo.pythonCmd, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: whisper exceeded deadline", ErrOracleTimeout)
		}
		return nil, fmt.Errorf("whisper failed: %v\nOutput: %s", err, tailLines(string(output), 5))
	}

	baseName := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	jsonPath := filepath.Join(outDir, baseName+".json")

	jsonData, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("%w: missing output file: %v", ErrMalformedOutput, err)
	}

	result, err := ParseWhisperOutput(jsonData)
	if err != nil {
		return nil, err
	}

	log.Printf("Transcription completed: %d segments, %.2fs duration (model=%s)",
		len(result.Segments), result.Duration, preset.Model)
	return result, nil
}

// whisperOutput matches Python Whisper's JSON output format.
type whisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	ID          int           `json:"id"`
	Start       float64       `json:"start"`
	End         float64       `json:"end"`
	Text        string        `json:"text"`
	AvgLogprob  float64       `json:"avg_logprob"`
	NoSpeechPct float64       `json:"no_speech_prob"`
	Words       []whisperWord `json:"words"`
}

type whisperWord struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// ParseWhisperOutput converts Whisper's JSON into a TranscriptionResult.
func ParseWhisperOutput(jsonData []byte) (*types.TranscriptionResult, error) {
	var out whisperOutput
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	segments := make([]types.Segment, len(out.Segments))
	var confidenceSum float64
	for i, seg := range out.Segments {
		words := make([]types.Word, len(seg.Words))
		for j, w := range seg.Words {
			words[j] = types.Word{
				Word:        strings.TrimSpace(w.Word),
				Start:       w.Start,
				End:         w.End,
				Probability: w.Probability,
			}
		}
		segments[i] = types.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
			Words: words,
		}
		confidenceSum += segmentConfidence(seg.AvgLogprob)
	}

	var duration float64
	if len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	var confidence float64
	if len(segments) > 0 {
		confidence = confidenceSum / float64(len(segments))
	}

	text := strings.TrimSpace(out.Text)
	return &types.TranscriptionResult{
		Text:       text,
		Language:   out.Language,
		Duration:   duration,
		Confidence: confidence,
		Segments:   segments,
		WordCount:  len(strings.Fields(text)),
	}, nil
}

// segmentConfidence maps whisper's average log probability onto (0, 1].
func segmentConfidence(avgLogprob float64) float64 {
	if avgLogprob >= 0 {
		return 1.0
	}
	conf := 1.0 + avgLogprob
	if conf < 0 {
		return 0
	}
	return conf
}
