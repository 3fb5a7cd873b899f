package types

import "time"

// Stage is one step of the processing pipeline.
type Stage string

// Pipeline stages, in execution order.
const (
	StageExtractAudio Stage = "extract-audio"
	StageTranscribe   Stage = "transcribe"
	StagePostprocess  Stage = "postprocess"
)

// StageOrder is the fixed execution order of pipeline stages.
var StageOrder = []Stage{StageExtractAudio, StageTranscribe, StagePostprocess}

// Prior returns the stage that must succeed before s may run.
// The first stage has no predecessor and returns ("", false).
func (s Stage) Prior() (Stage, bool) {
	for i, stage := range StageOrder {
		if stage == s {
			if i == 0 {
				return "", false
			}
			return StageOrder[i-1], true
		}
	}
	return "", false
}

// Valid reports whether s is a known pipeline stage.
func (s Stage) Valid() bool {
	for _, stage := range StageOrder {
		if stage == s {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a job.
type Status string

// Job status constants
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusRetrying  Status = "RETRYING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// FailureKind classifies why a job failed.
type FailureKind string

// Failure kinds surfaced in job status.
const (
	FailureNone      FailureKind = ""
	FailureTransient FailureKind = "TRANSIENT"
	FailureTerminal  FailureKind = "TERMINAL"
	FailureCancelled FailureKind = "CANCELLED"
)

// ArtifactKind identifies one derived file of a segment.
type ArtifactKind string

// Artifact kinds
const (
	ArtifactVideo          ArtifactKind = "video"
	ArtifactAudio          ArtifactKind = "audio"
	ArtifactTranscriptText ArtifactKind = "transcript-text"
	ArtifactTranscriptSRT  ArtifactKind = "transcript-srt"
	ArtifactTranscriptJSON ArtifactKind = "transcript-json"
)

// AllArtifactKinds lists every artifact slot a segment may own.
var AllArtifactKinds = []ArtifactKind{
	ArtifactVideo,
	ArtifactAudio,
	ArtifactTranscriptText,
	ArtifactTranscriptSRT,
	ArtifactTranscriptJSON,
}

// DerivedArtifactKinds lists the kinds produced by the pipeline, i.e.
// everything except the uploaded source video.
var DerivedArtifactKinds = []ArtifactKind{
	ArtifactAudio,
	ArtifactTranscriptText,
	ArtifactTranscriptSRT,
	ArtifactTranscriptJSON,
}

// SegmentRef is the immutable identity from which all artifact paths
// derive. It is globally unique per course.
type SegmentRef struct {
	CourseID  int64 `json:"course_id"`
	SegmentID int64 `json:"segment_id"`
}

// Job is a durable record of one pipeline run for a segment.
type Job struct {
	ID           string      `json:"job_id"`
	Segment      SegmentRef  `json:"segment"`
	Preset       string      `json:"preset"`
	Stage        Stage       `json:"stage"`
	Status       Status      `json:"status"`
	AttemptCount int         `json:"attempt_count"`
	FailureKind  FailureKind `json:"failure_kind,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Word is one word-level timestamp from the oracle.
type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// Segment is a timestamped span of speech in a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

// TranscriptionResult is the oracle's output for one audio file.
type TranscriptionResult struct {
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	Duration   float64   `json:"duration"`
	Confidence float64   `json:"confidence"`
	Segments   []Segment `json:"segments"`
	WordCount  int       `json:"word_count"`
}
