package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_PatientRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetPatient(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("GetPatient(missing) = %v, %v; want nil, nil", got, err)
	}

	p := &Patient{ID: "p1", Name: "Asha", Diagnosis: "Generalized anxiety disorder", DOB: "1990-04-02"}
	if err := s.PutPatient(ctx, p); err != nil {
		t.Fatalf("PutPatient: %v", err)
	}
	got, err = s.GetPatient(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	if got.Name != "Asha" || got.Diagnosis != "Generalized anxiety disorder" || got.DOB != "1990-04-02" {
		t.Errorf("GetPatient = %+v", got)
	}
}

func TestSQLiteStore_SessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{ID: "s1", PatientID: "p1", Status: StatusStarted}
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	dur := 3.5
	if err := s.AppendEvent(ctx, "s1", ChannelAudio, Event{Event: "long_pause", Timestamp: 10, DurationS: &dur}); err != nil {
		t.Fatalf("AppendEvent audio: %v", err)
	}
	if err := s.AppendEvent(ctx, "s1", ChannelAudio, Event{Event: "elevated_intensity", Timestamp: 12}); err != nil {
		t.Fatalf("AppendEvent audio: %v", err)
	}
	if err := s.AppendEvent(ctx, "s1", ChannelVideo, Event{Event: "smile", Timestamp: 11}); err != nil {
		t.Fatalf("AppendEvent video: %v", err)
	}
	if err := s.AppendEvent(ctx, "s1", "haptic", Event{Event: "x"}); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("AppendEvent(haptic) err = %v, want ErrInvalidChannel", err)
	}

	stopped, err := s.StopSession(ctx, "s1", time.Now())
	if err != nil || !stopped {
		t.Fatalf("StopSession = %v, %v; want true, nil", stopped, err)
	}
	stopped, err = s.StopSession(ctx, "s1", time.Now())
	if err != nil || stopped {
		t.Errorf("second StopSession = %v, %v; want false, nil", stopped, err)
	}

	if err := s.PutTranscript(ctx, "s1", "I feel fine"); err != nil {
		t.Fatalf("PutTranscript: %v", err)
	}
	report := &InsightReport{
		ClinicalSummary:  "Patient (Unknown diagnosis) reports general stability.",
		KeyEntities:      KeyEntities{Symptoms: []string{"sleep"}, Medications: []string{}, Concerns: []string{}},
		HiddenCues:       []HiddenCue{{Cue: "c", Evidence: map[string]string{"k": "v"}, Confidence: ConfidenceLow}},
		AnalysisMetadata: map[string]any{"engagement": "medium"},
	}
	if err := s.PutInsightReport(ctx, "s1", report); err != nil {
		t.Fatalf("PutInsightReport: %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, "s1", StatusCompleted); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if got.StoppedAt == nil {
		t.Error("stoppedAt not set")
	}
	if got.FinalTranscript != "I feel fine" {
		t.Errorf("transcript = %q", got.FinalTranscript)
	}
	if len(got.AudioEvents) != 2 || got.AudioEvents[0].Event != "long_pause" || got.AudioEvents[1].Event != "elevated_intensity" {
		t.Errorf("audio events = %+v", got.AudioEvents)
	}
	if got.AudioEvents[0].DurationS == nil || *got.AudioEvents[0].DurationS != 3.5 {
		t.Errorf("duration_s not preserved: %+v", got.AudioEvents[0])
	}
	if len(got.VideoEvents) != 1 || got.VideoEvents[0].Event != "smile" {
		t.Errorf("video events = %+v", got.VideoEvents)
	}
	if got.InsightReport == nil || got.InsightReport.HiddenCues[0].Evidence["k"] != "v" {
		t.Errorf("insight report = %+v", got.InsightReport)
	}
}

func TestSQLiteStore_UpdateMissingSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpdateSessionStatus(ctx, "nope", StatusError); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("UpdateSessionStatus err = %v, want ErrSessionNotFound", err)
	}
	if err := s.PutTranscript(ctx, "nope", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("PutTranscript err = %v, want ErrSessionNotFound", err)
	}
	got, err := s.GetSession(ctx, "nope")
	if err != nil || got != nil {
		t.Errorf("GetSession(nope) = %v, %v", got, err)
	}
}
