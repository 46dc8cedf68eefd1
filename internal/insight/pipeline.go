// Package insight turns a session transcript and its behavioral events into
// a clinical insight report.
//
// Generation runs three stages in order: text meaning (rule-based entity
// extraction unioned with the model's reading), signal analysis over the
// audio and video events, and composition. Every stage is isolated: a
// stage that fails or panics ends the run with the fixed fallback report.
package insight

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/clinical-session-insights/internal/inference"
	"github.com/fpang/clinical-session-insights/internal/metrics"
	"github.com/fpang/clinical-session-insights/internal/outcome"
	"github.com/fpang/clinical-session-insights/internal/signals"
	"github.com/fpang/clinical-session-insights/internal/store"
)

// Analyzer is the model-backed half of the pipeline. *inference.Gateway
// implements it.
type Analyzer interface {
	ExtractTextMeaning(ctx context.Context, transcript string, patient inference.PatientContext) outcome.Result[inference.TextMeaning]
	ComposeReport(ctx context.Context, transcript string) outcome.Result[inference.ComposedReport]
}

// SessionContext is everything the pipeline reads about one session.
type SessionContext struct {
	SessionID   string
	Transcript  string
	Patient     inference.PatientContext
	AudioEvents []store.Event
	VideoEvents []store.Event
}

// Pipeline generates insight reports.
type Pipeline struct {
	ai Analyzer
}

// New creates a Pipeline. ai may be nil, in which case only the rule-based
// analysis runs.
func New(ai Analyzer) *Pipeline {
	return &Pipeline{ai: ai}
}

// Generate produces the report for sc.
//
// The result is Ok for a complete or degraded report. When a stage fails the
// result is Failed and its Value holds the fallback report, so callers always
// have a report to deliver. A cancelled context yields Unavailable(cancelled)
// with no report.
func (p *Pipeline) Generate(ctx context.Context, sc SessionContext) outcome.Result[*store.InsightReport] {
	start := time.Now()
	rec := metrics.New().Dimension("Operation", "insight_pipeline")
	defer rec.Flush()

	result := p.generate(ctx, sc)

	rec.Duration("PipelineMs", time.Since(start)).
		Property("sessionId", sc.SessionID).
		Property("outcome", result.Kind.String())
	if result.Kind == outcome.KindFailed {
		rec.Count("FallbackReports")
	}
	return result
}

func (p *Pipeline) generate(ctx context.Context, sc SessionContext) outcome.Result[*store.InsightReport] {
	logger := log.With().Str("sessionId", sc.SessionID).Logger()

	if inference.IsMarker(sc.Transcript) {
		logger.Info().Str("transcript", sc.Transcript).Msg("Transcript unavailable, generating degraded report")
		return outcome.OK(DegradedReport(sc.Transcript))
	}

	text := runStage("text_meaning", func() outcome.Result[TextAnalysis] {
		return p.textMeaning(ctx, sc)
	})
	if r, stop := checkStage(ctx, text); stop {
		return r
	}

	sig := runStage("signal_analysis", func() outcome.Result[signals.Analysis] {
		return outcome.OK(signals.Analyze(sc.AudioEvents, sc.VideoEvents))
	})
	if r, stop := checkStage(ctx, sig); stop {
		return r
	}

	report := runStage("composition", func() outcome.Result[*store.InsightReport] {
		return p.compose(ctx, sc, text.Value, sig.Value)
	})
	if r, stop := checkStage(ctx, report); stop {
		return r
	}

	logger.Info().
		Int("symptoms", len(report.Value.KeyEntities.Symptoms)).
		Int("medications", len(report.Value.KeyEntities.Medications)).
		Int("concerns", len(report.Value.KeyEntities.Concerns)).
		Int("hiddenCues", len(report.Value.HiddenCues)).
		Str("engagement", sig.Value.Engagement).
		Msg("Insight report generated")
	return report
}

// checkStage converts a cancelled context or a failed stage into the final
// pipeline result.
func checkStage[T any](ctx context.Context, r outcome.Result[T]) (outcome.Result[*store.InsightReport], bool) {
	if err := ctx.Err(); err != nil {
		return outcome.Unavailable[*store.InsightReport](outcome.ReasonCancelled, err), true
	}
	if r.Kind == outcome.KindFailed {
		log.Error().Err(r.Err).Str("reason", string(r.Reason)).Msg("Insight stage failed, using fallback report")
		res := outcome.Failed[*store.InsightReport](r.Reason, r.Err)
		res.Value = FallbackReport()
		return res, true
	}
	return outcome.Result[*store.InsightReport]{}, false
}

// runStage calls fn and converts a panic into a Failed result.
func runStage[T any](name string, fn func() outcome.Result[T]) (res outcome.Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = outcome.Failed[T](outcome.ReasonStageFailure, fmt.Errorf("stage %s panicked: %v", name, r))
		}
	}()
	return fn()
}
