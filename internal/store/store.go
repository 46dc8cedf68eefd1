// Package store provides persistent patient and session records for the
// clinical session service.
//
// Two backends implement SessionStore: DynamoStore (single-table design,
// partition keys PATIENT#{id} and SESSION#{id}, sort key META) for deployed
// environments, and SQLiteStore for local development and tests.
//
// Writes issued by the session processor touch one field at a time
// (status, transcript, report, event lists) so that a concurrent stop
// request from the HTTP API never clobbers pipeline output.
package store

import (
	"context"
	"errors"
	"time"
)

// Session status values.
const (
	StatusStarted    = "STARTED"
	StatusProcessing = "PROCESSING"
	StatusStopped    = "STOPPED"
	StatusCompleted  = "COMPLETED"
	StatusError      = "ERROR"
)

// Event channels.
const (
	ChannelAudio = "audio"
	ChannelVideo = "video"
)

// ErrSessionNotFound is returned by field-level updates when the session
// record does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidChannel is returned by AppendEvent for an unknown channel.
var ErrInvalidChannel = errors.New("invalid event channel")

// SessionStore defines the persistence interface for patients and sessions.
// Each method is safe for concurrent use.
//
// Get methods return (nil, nil) when the record does not exist.
type SessionStore interface {
	PutPatient(ctx context.Context, patient *Patient) error
	GetPatient(ctx context.Context, patientID string) (*Patient, error)

	// PutSession creates or replaces a whole session record.
	PutSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// UpdateSessionStatus sets the status field only.
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error

	// StopSession sets status STOPPED and stoppedAt, but only while the
	// session is STARTED or PROCESSING. It reports whether the transition
	// happened.
	StopSession(ctx context.Context, sessionID string, at time.Time) (bool, error)

	PutTranscript(ctx context.Context, sessionID, transcript string) error
	PutInsightReport(ctx context.Context, sessionID string, report *InsightReport) error

	// AppendEvent appends to the audio or video event list.
	AppendEvent(ctx context.Context, sessionID, channel string, event Event) error
}

// Patient is the clinical subject a session belongs to.
type Patient struct {
	ID        string    `json:"id" dynamodbav:"-"`
	Name      string    `json:"name" dynamodbav:"name"`
	DOB       string    `json:"dob,omitempty" dynamodbav:"dob,omitempty"`
	Address   string    `json:"address,omitempty" dynamodbav:"address,omitempty"`
	Diagnosis string    `json:"diagnosis,omitempty" dynamodbav:"diagnosis,omitempty"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt"`
}

// Session is one recorded clinical interaction.
type Session struct {
	ID              string         `json:"id" dynamodbav:"-"`
	PatientID       string         `json:"patientId" dynamodbav:"patientId"`
	Status          string         `json:"status" dynamodbav:"status"`
	StartedAt       time.Time      `json:"startedAt" dynamodbav:"startedAt"`
	StoppedAt       *time.Time     `json:"stoppedAt,omitempty" dynamodbav:"stoppedAt,omitempty"`
	FinalTranscript string         `json:"finalTranscript,omitempty" dynamodbav:"finalTranscript,omitempty"`
	AudioEvents     []Event        `json:"audioEvents" dynamodbav:"audioEvents"`
	VideoEvents     []Event        `json:"videoEvents" dynamodbav:"videoEvents"`
	InsightReport   *InsightReport `json:"insightReport,omitempty" dynamodbav:"insightReport,omitempty"`
}

// IsOpen reports whether the session still accepts input.
func (s *Session) IsOpen() bool {
	return s.Status == StatusStarted || s.Status == StatusProcessing
}

// Event is a side-channel behavioral observation (audio tone or video
// expression) recorded at a time offset from session start.
type Event struct {
	Event     string   `json:"event" dynamodbav:"event"`
	Timestamp float64  `json:"timestamp" dynamodbav:"timestamp"`
	DurationS *float64 `json:"duration_s,omitempty" dynamodbav:"duration_s,omitempty"`
}

// InsightReport is the final structured output of the insight pipeline.
type InsightReport struct {
	ClinicalSummary  string         `json:"clinical_summary" dynamodbav:"clinical_summary"`
	KeyEntities      KeyEntities    `json:"key_entities" dynamodbav:"key_entities"`
	HiddenCues       []HiddenCue    `json:"hidden_cues" dynamodbav:"hidden_cues"`
	AnalysisMetadata map[string]any `json:"analysis_metadata" dynamodbav:"analysis_metadata"`
}

// KeyEntities groups the entities extracted from the transcript.
type KeyEntities struct {
	Symptoms    []string `json:"symptoms" dynamodbav:"symptoms"`
	Medications []string `json:"medications" dynamodbav:"medications"`
	Concerns    []string `json:"concerns" dynamodbav:"concerns"`
}

// Confidence levels for hidden cues.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// HiddenCue is a derived observation the clinician may want to follow up on.
type HiddenCue struct {
	Cue        string            `json:"cue" dynamodbav:"cue"`
	Evidence   map[string]string `json:"evidence" dynamodbav:"evidence"`
	Confidence string            `json:"confidence" dynamodbav:"confidence"`
}
