package transcription

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrBadMedia marks input the decoder rejected. Not retried: the file
// will not get better.
var ErrBadMedia = errors.New("bad media input")

// ExtractAudio pulls the audio track out of a video file as 16kHz mono
// 16-bit PCM WAV, written to audioPath. The output path is overwritten
// if present, so re-running the stage for a segment is safe.
func ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	if _, err := os.Stat(videoPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: source video missing: %s", ErrBadMedia, videoPath)
		}
		return err
	}

	if err := os.MkdirAll(filepath.Dir(audioPath), 0755); err != nil {
		return fmt.Errorf("failed to create audio directory: %v", err)
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-vn",          // Drop video stream
		"-ar", "16000", // 16kHz sample rate
		"-ac", "1", // Mono
		"-c:a", "pcm_s16le", // 16-bit PCM
		"-y", // Overwrite output
		audioPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
		}
		if isDecodeFailure(string(output)) {
			return fmt.Errorf("%w: ffmpeg rejected %s: %s", ErrBadMedia, videoPath, tailLines(string(output), 3))
		}
		return fmt.Errorf("ffmpeg failed: %v\nOutput: %s", err, tailLines(string(output), 5))
	}

	return nil
}

// isDecodeFailure recognizes ffmpeg output for unreadable input, as
// opposed to environment problems worth retrying.
func isDecodeFailure(output string) bool {
	markers := []string{
		"Invalid data found when processing input",
		"moov atom not found",
		"could not find codec parameters",
		"Output file does not contain any stream",
	}
	for _, m := range markers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

// tailLines returns the last n non-empty lines of command output.
func tailLines(output string, n int) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// ValidAudioExtension reports whether the media container is accepted
// for upload.
func ValidAudioExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	supported := []string{".mp4", ".mov", ".mkv", ".webm", ".avi", ".mp3", ".wav", ".m4a"}

	for _, format := range supported {
		if ext == format {
			return true
		}
	}
	return false
}
