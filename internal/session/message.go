package session

import (
	"time"

	"github.com/fpang/clinical-session-insights/internal/store"
)

// Outbound message types.
const (
	TypePartialTranscript = "partial_transcript"
	TypeFinalTranscript   = "final_transcript"
	TypeStatusUpdate      = "status_update"
	TypeInsightReport     = "insight_report"
	TypeWarning           = "warning"
	TypeError             = "error"
)

// Client-visible texts.
const (
	TextProcessingAudio    = "Processing audio..."
	TextGeneratingInsights = "Generating clinical insights..."
	TextBufferNearCapacity = "Audio buffer near capacity, may drop data"
)

// Message is one structured notification pushed to the client.
type Message struct {
	Type      string               `json:"type"`
	Text      string               `json:"text,omitempty"`
	Status    string               `json:"status,omitempty"`
	Message   string               `json:"message,omitempty"`
	Report    *store.InsightReport `json:"report,omitempty"`
	Timestamp string               `json:"timestamp,omitempty"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// PartialTranscript is a progress notification.
func PartialTranscript(text string) Message {
	return Message{Type: TypePartialTranscript, Text: text, Timestamp: now()}
}

// FinalTranscript carries the complete transcript.
func FinalTranscript(text string) Message {
	return Message{Type: TypeFinalTranscript, Text: text, Timestamp: now()}
}

// StatusUpdate announces a status transition.
func StatusUpdate(status, message string) Message {
	return Message{Type: TypeStatusUpdate, Status: status, Message: message}
}

// InsightReport delivers the generated report.
func InsightReport(report *store.InsightReport) Message {
	return Message{Type: TypeInsightReport, Report: report, Timestamp: now()}
}

// Warning is a non-fatal notice.
func Warning(message string) Message {
	return Message{Type: TypeWarning, Message: message, Timestamp: now()}
}

// Error reports a failure to the client.
func Error(message string) Message {
	return Message{Type: TypeError, Message: message, Timestamp: now()}
}
