package insight

import (
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"testing"

	"github.com/fpang/clinical-session-insights/internal/inference"
	"github.com/fpang/clinical-session-insights/internal/metrics"
	"github.com/fpang/clinical-session-insights/internal/outcome"
	"github.com/fpang/clinical-session-insights/internal/signals"
	"github.com/fpang/clinical-session-insights/internal/store"
)

func TestMain(m *testing.M) {
	metrics.Configure(io.Discard, "", false)
	os.Exit(m.Run())
}

type fakeAnalyzer struct {
	meaning  outcome.Result[inference.TextMeaning]
	composed outcome.Result[inference.ComposedReport]
	panicMsg string
}

func (f *fakeAnalyzer) ExtractTextMeaning(context.Context, string, inference.PatientContext) outcome.Result[inference.TextMeaning] {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.meaning
}

func (f *fakeAnalyzer) ComposeReport(context.Context, string) outcome.Result[inference.ComposedReport] {
	return f.composed
}

func unavailableAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		meaning:  outcome.Unavailable[inference.TextMeaning](outcome.ReasonQuotaExceeded, errors.New("429")),
		composed: outcome.Unavailable[inference.ComposedReport](outcome.ReasonQuotaExceeded, errors.New("429")),
	}
}

func eventsOf(tags ...string) []store.Event {
	out := make([]store.Event, len(tags))
	for i, tag := range tags {
		out[i] = store.Event{Event: tag, Timestamp: float64(i * 10)}
	}
	return out
}

const referenceTranscript = "Patient reports anxiety and trouble sleeping. Taking 50mg medication daily."

func TestGenerate_NoAIConfigured(t *testing.T) {
	p := New(inference.NewWithModels(nil, inference.Config{}))
	res := p.Generate(context.Background(), SessionContext{SessionID: "s1", Transcript: referenceTranscript})

	report, ok := res.Get()
	if !ok {
		t.Fatalf("Generate = %v", res)
	}
	for _, want := range []string{"anxiety", "sleep"} {
		if !slices.Contains(report.KeyEntities.Symptoms, want) {
			t.Errorf("symptoms %v missing %q", report.KeyEntities.Symptoms, want)
		}
	}
	if !slices.Contains(report.KeyEntities.Medications, "50mg") {
		t.Errorf("medications %v missing 50mg", report.KeyEntities.Medications)
	}
	if report.AnalysisMetadata["sentiment"] != "neutral" {
		t.Errorf("sentiment = %v", report.AnalysisMetadata["sentiment"])
	}
	if topics, _ := report.AnalysisMetadata["key_topics"].([]string); topics == nil || len(topics) != 0 {
		t.Errorf("key_topics = %#v, want empty", report.AnalysisMetadata["key_topics"])
	}
	if report.AnalysisMetadata["engagement_level"] != signals.EngagementMedium {
		t.Errorf("engagement = %v", report.AnalysisMetadata["engagement_level"])
	}
	want := "Patient (Unknown diagnosis) reports symptoms including anxiety, sleep. Currently taking 50mg, medication."
	if report.ClinicalSummary != want {
		t.Errorf("summary = %q\nwant     %q", report.ClinicalSummary, want)
	}
}

func TestGenerate_UnavailableMatchesUnconfigured(t *testing.T) {
	ctx := context.Background()
	sc := SessionContext{Transcript: referenceTranscript}

	a, _ := New(nil).Generate(ctx, sc).Get()
	b, _ := New(unavailableAnalyzer()).Generate(ctx, sc).Get()
	if a.ClinicalSummary != b.ClinicalSummary || !slices.Equal(a.KeyEntities.Symptoms, b.KeyEntities.Symptoms) {
		t.Errorf("quota-limited run differs from unconfigured run:\n%+v\n%+v", a, b)
	}
}

func TestGenerate_AIUnion(t *testing.T) {
	ai := &fakeAnalyzer{
		meaning: outcome.OK(inference.TextMeaning{
			Symptoms:    []string{"insomnia", "anxiety"},
			Medications: []string{"Sertraline"},
			Concerns:    []string{"medication"},
			KeyTopics:   []string{"sleep", "work"},
			Sentiment:   "negative",
		}),
		composed: outcome.Unavailable[inference.ComposedReport](outcome.ReasonMalformedOutput, nil),
	}
	res := New(ai).Generate(context.Background(), SessionContext{
		Transcript: referenceTranscript,
		Patient:    inference.PatientContext{Name: "Asha", Diagnosis: "GAD"},
	})
	report, ok := res.Get()
	if !ok {
		t.Fatalf("Generate = %v", res)
	}
	if !slices.Equal(report.KeyEntities.Symptoms, []string{"anxiety", "insomnia", "sleep"}) {
		t.Errorf("symptoms = %v", report.KeyEntities.Symptoms)
	}
	if !slices.Contains(report.KeyEntities.Medications, "Sertraline") || !slices.Contains(report.KeyEntities.Medications, "50mg") {
		t.Errorf("medications = %v", report.KeyEntities.Medications)
	}
	if report.AnalysisMetadata["sentiment"] != "negative" {
		t.Errorf("sentiment = %v", report.AnalysisMetadata["sentiment"])
	}
	want := "Asha (GAD) reports symptoms including anxiety, insomnia, sleep. Currently taking 50mg, Sertraline. Shows signs of emotional distress."
	if report.ClinicalSummary != want {
		t.Errorf("summary = %q\nwant     %q", report.ClinicalSummary, want)
	}
	if len(report.HiddenCues) != 1 || report.HiddenCues[0].Cue != CueMedicationConcerns || report.HiddenCues[0].Confidence != "high" {
		t.Errorf("cues = %+v", report.HiddenCues)
	}
}

func TestGenerate_ComposeEnrichment(t *testing.T) {
	ai := unavailableAnalyzer()
	ai.composed = outcome.OK(inference.ComposedReport{
		ClinicalSummary: "Model summary.",
		HiddenCues:      []store.HiddenCue{{Cue: "Avoids family topics", Evidence: map[string]string{"transcript": "..."}, Confidence: "low"}},
	})
	report, _ := New(ai).Generate(context.Background(), SessionContext{
		Transcript:  "I'm fine, really.",
		AudioEvents: eventsOf("long_pause", "long_pause", "long_pause", "long_pause"),
	}).Get()

	if report.AnalysisMetadata["ai_clinical_summary"] != "Model summary." {
		t.Errorf("ai_clinical_summary = %v", report.AnalysisMetadata["ai_clinical_summary"])
	}
	var cues []string
	for _, c := range report.HiddenCues {
		cues = append(cues, c.Cue)
	}
	want := []string{CueVerbalMismatch, CueLowEngagement, "Avoids family topics"}
	if !slices.Equal(cues, want) {
		t.Errorf("cues = %v, want %v", cues, want)
	}
}

func TestGenerate_FallbackOnStagePanic(t *testing.T) {
	res := New(&fakeAnalyzer{panicMsg: "nil map"}).Generate(context.Background(), SessionContext{Transcript: referenceTranscript})
	if res.Kind != outcome.KindFailed {
		t.Fatalf("kind = %s, want failed", res.Kind)
	}
	report := res.Value
	if report == nil {
		t.Fatal("fallback report missing")
	}
	if report.AnalysisMetadata["error"] != "fallback_report_generated" {
		t.Errorf("metadata = %v", report.AnalysisMetadata)
	}
	if len(report.KeyEntities.Symptoms)+len(report.KeyEntities.Medications)+len(report.KeyEntities.Concerns) != 0 {
		t.Errorf("entities should be empty: %+v", report.KeyEntities)
	}
	if len(report.HiddenCues) != 1 || report.HiddenCues[0].Cue != CueAnalysisIncomplete {
		t.Errorf("cues = %+v", report.HiddenCues)
	}
	if report.ClinicalSummary != FallbackSummary {
		t.Errorf("summary = %q", report.ClinicalSummary)
	}
}

func TestGenerate_DegradedOnMarker(t *testing.T) {
	ai := &fakeAnalyzer{panicMsg: "must not be called"}
	report, ok := New(ai).Generate(context.Background(), SessionContext{Transcript: inference.MarkerNoAudio}).Get()
	if !ok {
		t.Fatal("degraded report should be Ok")
	}
	if report.ClinicalSummary != inference.MarkerNoAudio {
		t.Errorf("summary = %q", report.ClinicalSummary)
	}
	if report.AnalysisMetadata["degraded"] != true || report.AnalysisMetadata["reason"] != "transcript_unavailable" {
		t.Errorf("metadata = %v", report.AnalysisMetadata)
	}
	if len(report.HiddenCues) != 0 {
		t.Errorf("cues = %+v", report.HiddenCues)
	}
}

func TestGenerate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := New(nil).Generate(ctx, SessionContext{Transcript: referenceTranscript})
	if res.Kind != outcome.KindUnavailable || res.Reason != outcome.ReasonCancelled {
		t.Errorf("Generate(cancelled) = %v", res)
	}
}

func TestHiddenCues(t *testing.T) {
	hesitant := signals.Analyze(eventsOf("long_pause", "long_pause", "long_pause"), nil)

	cues := HiddenCues("I am okay", TextAnalysis{}, hesitant)
	if len(cues) != 1 || cues[0].Cue != CueVerbalMismatch || cues[0].Confidence != "medium" {
		t.Errorf("mismatch cues = %+v", cues)
	}

	if cues := HiddenCues("I am great", TextAnalysis{}, hesitant); len(cues) != 0 {
		t.Errorf("no fine/okay should give no cues, got %+v", cues)
	}

	low := signals.Analyze(eventsOf("long_pause", "long_pause", "long_pause", "long_pause"), nil)
	cues = HiddenCues("", TextAnalysis{}, low)
	if len(cues) != 1 || cues[0].Cue != CueLowEngagement {
		t.Fatalf("low engagement cues = %+v", cues)
	}
	if cues[0].Evidence["audio"] != "Detected 4 audio events including long_pause" || cues[0].Evidence["video"] != "No video events detected" {
		t.Errorf("evidence = %v", cues[0].Evidence)
	}
}

func TestClinicalSummary(t *testing.T) {
	tests := []struct {
		name       string
		text       TextAnalysis
		engagement string
		want       string
	}{
		{"stable", TextAnalysis{Sentiment: "neutral"}, signals.EngagementMedium,
			"Patient (Unknown diagnosis) reports general stability."},
		{"positive high", TextAnalysis{Sentiment: "positive"}, signals.EngagementHigh,
			"Patient (Unknown diagnosis) reports general stability. Appears in good spirits. Good engagement throughout session."},
		{"truncated", TextAnalysis{
			Symptoms:    []string{"a", "b", "c", "d"},
			Medications: []string{"x", "y", "z"},
			Sentiment:   "mixed",
		}, signals.EngagementLow,
			"Patient (Unknown diagnosis) reports symptoms including a, b, c. Currently taking x, y. Limited engagement observed during session."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClinicalSummary(inference.PatientContext{}, tt.text, tt.engagement); got != tt.want {
				t.Errorf("got  %q\nwant %q", got, tt.want)
			}
		})
	}
}
