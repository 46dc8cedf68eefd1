// Package inference wraps the Gemini API for the session pipeline:
// transcription of recorded audio, translation of non-English transcripts,
// structured text analysis, and end-to-end report composition.
//
// Nothing in this package returns a provider error to its caller.
// Transcription degrades to a bracketed marker string; the structured calls
// return outcome.Unavailable with a reason.
package inference

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/clinical-session-insights/internal/assets"
	"github.com/fpang/clinical-session-insights/internal/metrics"
	"github.com/fpang/clinical-session-insights/internal/outcome"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// DefaultTemperature keeps analysis output close to deterministic.
const DefaultTemperature float32 = 0.3

// AudioMIMEType is the container format browsers record session audio in.
const AudioMIMEType = "audio/webm"

// Transcript markers. They are bracketed so IsMarker can tell them apart
// from real speech.
const (
	MarkerNoAudio       = "[No audio recorded]"
	MarkerNotConfigured = "[Transcription failed: GEMINI_API_KEY not configured]"
	MarkerEmpty         = "[Transcription generated empty text]"
	markerFailedPrefix  = "[Transcription failed: "
)

var markerPrefixes = []string{MarkerNoAudio, markerFailedPrefix, MarkerEmpty}

// IsMarker reports whether transcript is a marker rather than speech.
func IsMarker(transcript string) bool {
	t := strings.TrimSpace(transcript)
	if t == "" {
		return true
	}
	for _, p := range markerPrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// FailedMarker formats the marker for a failed transcription.
func FailedMarker(err error) string {
	return markerFailedPrefix + err.Error() + "]"
}

var devanagari = regexp.MustCompile(`[\x{0900}-\x{097F}]`)

// NeedsTranslation reports whether text contains Devanagari script.
func NeedsTranslation(text string) bool {
	return devanagari.MatchString(text)
}

// Models is the subset of the genai client used by the gateway.
type Models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config is the gateway configuration, resolved once per process.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// Gateway is the single entry point to Gemini. A Gateway built without an
// API key is valid; every call reports not_configured.
type Gateway struct {
	models      Models
	model       string
	temperature float32
}

// New creates a Gateway backed by a Gemini API client. An empty APIKey
// yields an unconfigured gateway, not an error.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.APIKey == "" {
		log.Warn().Msg("GEMINI_API_KEY not configured, inference disabled")
		return NewWithModels(nil, cfg), nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}
	return NewWithModels(client.Models, cfg), nil
}

// NewWithModels creates a Gateway over an existing Models implementation.
// A nil models value yields an unconfigured gateway.
func NewWithModels(models Models, cfg Config) *Gateway {
	g := &Gateway{
		models:      models,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
	if g.model == "" {
		g.model = DefaultModel
	}
	if g.temperature == 0 {
		g.temperature = DefaultTemperature
	}
	return g
}

// Configured reports whether a Gemini client is available.
func (g *Gateway) Configured() bool {
	return g != nil && g.models != nil
}

// Model returns the Gemini model ID in use.
func (g *Gateway) Model() string {
	return g.model
}

// IsQuotaError reports whether err is a quota or rate-limit condition.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"resource_exhausted", "quota", "429", "rate limit", "rate-limit"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// classify maps a provider error to an outcome reason.
func classify(ctx context.Context, err error) outcome.Reason {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return outcome.ReasonCancelled
	case IsQuotaError(err):
		return outcome.ReasonQuotaExceeded
	default:
		return outcome.ReasonProviderFailure
	}
}

// logFailure logs quota conditions at WARN and everything else at ERROR.
// Both take the same fallback path.
func logFailure(op string, reason outcome.Reason, err error, d time.Duration) {
	evt := log.Error()
	switch reason {
	case outcome.ReasonQuotaExceeded:
		evt = log.Warn()
	case outcome.ReasonCancelled:
		evt = log.Debug()
	}
	evt.Err(err).Str("operation", op).Str("reason", string(reason)).Dur("duration", d).Msg("Gemini call failed")
}

func (g *Gateway) config(jsonOutput bool) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: assets.SystemInstruction}},
		},
	}
	if jsonOutput {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

// generate runs one GenerateContent call and returns the response text.
// Every call emits an EMF document tagged with operation and outcome.
func (g *Gateway) generate(ctx context.Context, op string, parts []*genai.Part, jsonOutput bool) (string, outcome.Reason, error) {
	rec := metrics.New().Dimension("Operation", op)
	defer rec.Flush()

	start := time.Now()
	contents := []*genai.Content{{Role: "user", Parts: parts}}
	log.Debug().Str("operation", op).Str("model", g.model).Int("parts", len(parts)).Msg("Starting Gemini API call")

	resp, err := g.models.GenerateContent(ctx, g.model, contents, g.config(jsonOutput))
	duration := time.Since(start)
	rec.Duration("GeminiLatencyMs", duration)
	if err == nil && resp == nil {
		err = errors.New("received empty response from Gemini API")
	}
	if err != nil {
		reason := classify(ctx, err)
		logFailure(op, reason, err, duration)
		rec.Count("GeminiErrors").Property("reason", string(reason))
		return "", reason, err
	}

	text := resp.Text()
	rec.Count("GeminiCalls")
	log.Debug().Str("operation", op).Int("response_length", len(text)).Dur("duration", duration).Msg("Gemini API response received")
	return text, "", nil
}

// Transcribe converts recorded audio to text. It never fails: empty audio,
// a missing API key, a provider error, and an empty response each produce
// a marker transcript.
func (g *Gateway) Transcribe(ctx context.Context, audio []byte) string {
	if len(audio) == 0 {
		return MarkerNoAudio
	}
	if !g.Configured() {
		return MarkerNotConfigured
	}

	parts := []*genai.Part{
		{Text: assets.TranscribePrompt},
		{InlineData: &genai.Blob{MIMEType: AudioMIMEType, Data: audio}},
	}
	text, _, err := g.generate(ctx, "transcribe", parts, false)
	if err != nil {
		return FailedMarker(err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return MarkerEmpty
	}
	log.Info().Int("audio_bytes", len(audio)).Int("transcript_length", len(text)).Msg("Audio transcribed")
	return text
}

// MaybeTranslate returns an English rendition of text when it contains
// Devanagari script. Any failure returns text unchanged.
func (g *Gateway) MaybeTranslate(ctx context.Context, text string) string {
	if !NeedsTranslation(text) || !g.Configured() {
		return text
	}
	parts := []*genai.Part{{Text: assets.RenderTranslatePrompt(text)}}
	translated, _, err := g.generate(ctx, "translate", parts, false)
	if err != nil {
		return text
	}
	if translated = strings.TrimSpace(translated); translated == "" {
		return text
	}
	log.Info().Int("original_length", len(text)).Int("translated_length", len(translated)).Msg("Transcript translated to English")
	return translated
}
