package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/clinical-session-insights/internal/assets"
	"github.com/fpang/clinical-session-insights/internal/jsonutil"
	"github.com/fpang/clinical-session-insights/internal/outcome"
	"github.com/fpang/clinical-session-insights/internal/store"
)

// Sentiment values.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentMixed    = "mixed"
)

// PatientContext is the patient information shared with the model.
type PatientContext struct {
	Name      string
	Diagnosis string
}

// TextMeaning is the model's structured reading of a transcript.
type TextMeaning struct {
	Symptoms    []string `json:"symptoms"`
	Medications []string `json:"medications"`
	Concerns    []string `json:"concerns"`
	KeyTopics   []string `json:"key_topics"`
	Sentiment   string   `json:"sentiment"`
}

// ComposedReport is a report written end-to-end by the model.
type ComposedReport struct {
	ClinicalSummary string
	KeyEntities     store.KeyEntities
	HiddenCues      []store.HiddenCue
}

type composedPayload struct {
	ClinicalSummary string            `json:"clinical_summary"`
	KeyEntities     store.KeyEntities `json:"key_entities"`
	HiddenCues      []struct {
		Cue        string         `json:"cue"`
		Evidence   map[string]any `json:"evidence"`
		Confidence string         `json:"confidence"`
	} `json:"hidden_cues"`
}

// NormalizeSentiment lowercases s and maps anything outside the four known
// values to neutral.
func NormalizeSentiment(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case SentimentPositive, SentimentNegative, SentimentNeutral, SentimentMixed:
		return v
	default:
		return SentimentNeutral
	}
}

func normalizeConfidence(c string) string {
	switch v := strings.ToLower(strings.TrimSpace(c)); v {
	case store.ConfidenceLow, store.ConfidenceMedium, store.ConfidenceHigh:
		return v
	default:
		return store.ConfidenceLow
	}
}

// ExtractTextMeaning asks the model for symptoms, medications, concerns,
// key topics and sentiment.
func (g *Gateway) ExtractTextMeaning(ctx context.Context, transcript string, patient PatientContext) outcome.Result[TextMeaning] {
	if !g.Configured() {
		return outcome.Unavailable[TextMeaning](outcome.ReasonNotConfigured, nil)
	}

	prompt := assets.RenderTextMeaningPrompt(transcript, patient.Name, patient.Diagnosis)
	raw, reason, err := g.generate(ctx, "text_meaning", []*genai.Part{{Text: prompt}}, true)
	if err != nil {
		return outcome.Unavailable[TextMeaning](reason, err)
	}

	meaning, err := jsonutil.ParseObject[TextMeaning](raw)
	if err != nil {
		log.Warn().Err(err).Msg("Text meaning response was not valid JSON")
		return outcome.Unavailable[TextMeaning](outcome.ReasonMalformedOutput, err)
	}
	meaning.Sentiment = NormalizeSentiment(meaning.Sentiment)
	if meaning.KeyTopics == nil {
		meaning.KeyTopics = []string{}
	}
	return outcome.OK(meaning)
}

// ComposeReport asks the model for a complete insight report. A response
// without a clinical summary counts as malformed.
func (g *Gateway) ComposeReport(ctx context.Context, transcript string) outcome.Result[ComposedReport] {
	if !g.Configured() {
		return outcome.Unavailable[ComposedReport](outcome.ReasonNotConfigured, nil)
	}

	prompt := assets.RenderComposeReportPrompt(transcript)
	raw, reason, err := g.generate(ctx, "compose_report", []*genai.Part{{Text: prompt}}, true)
	if err != nil {
		return outcome.Unavailable[ComposedReport](reason, err)
	}

	payload, err := jsonutil.ParseObject[composedPayload](raw)
	if err != nil {
		log.Warn().Err(err).Msg("Composed report response was not valid JSON")
		return outcome.Unavailable[ComposedReport](outcome.ReasonMalformedOutput, err)
	}
	if strings.TrimSpace(payload.ClinicalSummary) == "" {
		return outcome.Unavailable[ComposedReport](outcome.ReasonMalformedOutput, fmt.Errorf("composed report has no clinical_summary"))
	}

	report := ComposedReport{
		ClinicalSummary: strings.TrimSpace(payload.ClinicalSummary),
		KeyEntities:     payload.KeyEntities,
		HiddenCues:      make([]store.HiddenCue, 0, len(payload.HiddenCues)),
	}
	for _, c := range payload.HiddenCues {
		if strings.TrimSpace(c.Cue) == "" {
			continue
		}
		report.HiddenCues = append(report.HiddenCues, store.HiddenCue{
			Cue:        c.Cue,
			Evidence:   stringifyEvidence(c.Evidence),
			Confidence: normalizeConfidence(c.Confidence),
		})
	}
	return outcome.OK(report)
}

func stringifyEvidence(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, raw := range in {
		switch v := raw.(type) {
		case string:
			out[k] = v
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
