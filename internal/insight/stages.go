package insight

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/clinical-session-insights/internal/entities"
	"github.com/fpang/clinical-session-insights/internal/inference"
	"github.com/fpang/clinical-session-insights/internal/outcome"
	"github.com/fpang/clinical-session-insights/internal/signals"
	"github.com/fpang/clinical-session-insights/internal/store"
)

// Defaults used in the clinical summary when patient details are missing.
const (
	DefaultPatientName = "Patient"
	DefaultDiagnosis   = "Unknown diagnosis"
)

// Hidden cue texts.
const (
	CueVerbalMismatch     = `Verbal-nonverbal mismatch: Patient says "fine" but shows hesitation`
	CueMedicationConcerns = "Potential medication adherence concerns"
	CueLowEngagement      = "Low engagement may indicate unaddressed concerns"
	CueAnalysisIncomplete = "Analysis incomplete"
)

// FallbackSummary is the clinical summary of the fallback report.
const FallbackSummary = "Analysis completed with limited data. Please review transcript manually."

// TextAnalysis is the text-meaning stage output.
type TextAnalysis struct {
	Symptoms    []string
	Medications []string
	Concerns    []string
	KeyTopics   []string
	Sentiment   string
	// AIAssisted reports whether the model's reading was merged in.
	AIAssisted bool
}

// textMeaning unions the rule-based entities with the model's reading.
// Topics and sentiment come only from the model.
func (p *Pipeline) textMeaning(ctx context.Context, sc SessionContext) outcome.Result[TextAnalysis] {
	rules := entities.Extract(sc.Transcript)
	ta := TextAnalysis{
		Symptoms:    rules.Symptoms,
		Medications: rules.Medications,
		Concerns:    rules.Concerns,
		KeyTopics:   []string{},
		Sentiment:   inference.SentimentNeutral,
	}
	if p.ai == nil {
		return outcome.OK(ta)
	}

	res := p.ai.ExtractTextMeaning(ctx, sc.Transcript, sc.Patient)
	ai, ok := res.Get()
	if !ok {
		log.Debug().Str("sessionId", sc.SessionID).Str("result", res.String()).Msg("Text meaning from rules only")
		return outcome.OK(ta)
	}

	ta.Symptoms = entities.Union(ta.Symptoms, ai.Symptoms)
	ta.Medications = entities.Union(ta.Medications, ai.Medications)
	ta.Concerns = entities.Union(ta.Concerns, ai.Concerns)
	if ai.KeyTopics != nil {
		ta.KeyTopics = ai.KeyTopics
	}
	ta.Sentiment = inference.NormalizeSentiment(ai.Sentiment)
	ta.AIAssisted = true
	return outcome.OK(ta)
}

// compose builds the report from the two analysis stages. When the model
// composes a report of its own, its summary is kept in the metadata and its
// cues follow the heuristic ones.
func (p *Pipeline) compose(ctx context.Context, sc SessionContext, text TextAnalysis, sig signals.Analysis) outcome.Result[*store.InsightReport] {
	report := &store.InsightReport{
		ClinicalSummary: ClinicalSummary(sc.Patient, text, sig.Engagement),
		KeyEntities: store.KeyEntities{
			Symptoms:    nonNil(text.Symptoms),
			Medications: nonNil(text.Medications),
			Concerns:    nonNil(text.Concerns),
		},
		HiddenCues: HiddenCues(sc.Transcript, text, sig),
		AnalysisMetadata: map[string]any{
			"sentiment":           text.Sentiment,
			"engagement_level":    sig.Engagement,
			"signal_correlations": len(sig.Correlations),
			"key_topics":          text.KeyTopics,
			"ai_assisted":         text.AIAssisted,
		},
	}

	if p.ai == nil {
		return outcome.OK(report)
	}
	composed, ok := p.ai.ComposeReport(ctx, sc.Transcript).Get()
	if !ok {
		return outcome.OK(report)
	}
	report.AnalysisMetadata["ai_clinical_summary"] = composed.ClinicalSummary
	report.HiddenCues = append(report.HiddenCues, composed.HiddenCues...)
	return outcome.OK(report)
}

// ClinicalSummary renders the template summary: patient and diagnosis, up to
// three symptoms, up to two medications, then sentiment and engagement
// clauses.
func ClinicalSummary(patient inference.PatientContext, text TextAnalysis, engagement string) string {
	name := strings.TrimSpace(patient.Name)
	if name == "" {
		name = DefaultPatientName
	}
	diagnosis := strings.TrimSpace(patient.Diagnosis)
	if diagnosis == "" {
		diagnosis = DefaultDiagnosis
	}

	var b strings.Builder
	b.WriteString(name + " (" + diagnosis + ") ")
	if len(text.Symptoms) > 0 {
		b.WriteString("reports symptoms including " + strings.Join(firstN(text.Symptoms, 3), ", ") + ". ")
	} else {
		b.WriteString("reports general stability. ")
	}
	if len(text.Medications) > 0 {
		b.WriteString("Currently taking " + strings.Join(firstN(text.Medications, 2), ", ") + ". ")
	}
	switch text.Sentiment {
	case inference.SentimentNegative:
		b.WriteString("Shows signs of emotional distress. ")
	case inference.SentimentPositive:
		b.WriteString("Appears in good spirits. ")
	}
	switch engagement {
	case signals.EngagementLow:
		b.WriteString("Limited engagement observed during session.")
	case signals.EngagementHigh:
		b.WriteString("Good engagement throughout session.")
	}
	return strings.TrimSpace(b.String())
}

// HiddenCues applies the three cue heuristics. Each adds at most one cue.
func HiddenCues(transcript string, text TextAnalysis, sig signals.Analysis) []store.HiddenCue {
	cues := []store.HiddenCue{}

	lower := strings.ToLower(transcript)
	if strings.Contains(lower, "fine") || strings.Contains(lower, "okay") {
		for _, insight := range sig.Audio.Insights {
			li := strings.ToLower(insight)
			if strings.Contains(li, "hesitation") || strings.Contains(li, "pause") {
				cues = append(cues, store.HiddenCue{
					Cue: CueVerbalMismatch,
					Evidence: map[string]string{
						"transcript": `Patient uses words like "fine" or "okay"`,
						"audio":      "Long pauses detected during positive statements",
					},
					Confidence: store.ConfidenceMedium,
				})
				break
			}
		}
	}

	for _, c := range text.Concerns {
		if strings.EqualFold(strings.TrimSpace(c), "medication") {
			cues = append(cues, store.HiddenCue{
				Cue: CueMedicationConcerns,
				Evidence: map[string]string{
					"transcript": "Patient expresses concerns about medication",
					"topics":     "Medication discussed with uncertainty",
				},
				Confidence: store.ConfidenceHigh,
			})
			break
		}
	}

	if sig.Engagement == signals.EngagementLow {
		cues = append(cues, store.HiddenCue{
			Cue: CueLowEngagement,
			Evidence: map[string]string{
				"audio": sig.Audio.Summary,
				"video": sig.Video.Summary,
			},
			Confidence: store.ConfidenceMedium,
		})
	}
	return cues
}

// FallbackReport is the fixed report returned when any stage fails. It never
// depends on the partial state that caused the failure.
func FallbackReport() *store.InsightReport {
	return &store.InsightReport{
		ClinicalSummary: FallbackSummary,
		KeyEntities: store.KeyEntities{
			Symptoms:    []string{},
			Medications: []string{},
			Concerns:    []string{},
		},
		HiddenCues: []store.HiddenCue{{
			Cue:        CueAnalysisIncomplete,
			Evidence:   map[string]string{"error": "Analysis workflow encountered an error"},
			Confidence: store.ConfidenceLow,
		}},
		AnalysisMetadata: map[string]any{
			"error": "fallback_report_generated",
		},
	}
}

// DegradedReport echoes a marker transcript as the summary when there is no
// speech to analyze.
func DegradedReport(marker string) *store.InsightReport {
	summary := strings.TrimSpace(marker)
	if summary == "" {
		summary = inference.MarkerEmpty
	}
	return &store.InsightReport{
		ClinicalSummary: summary,
		KeyEntities: store.KeyEntities{
			Symptoms:    []string{},
			Medications: []string{},
			Concerns:    []string{},
		},
		HiddenCues: []store.HiddenCue{},
		AnalysisMetadata: map[string]any{
			"degraded": true,
			"reason":   "transcript_unavailable",
		},
	}
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
