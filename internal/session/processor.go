// Package session runs the live side of a clinical session: buffering the
// audio stream, handling the stop request, transcribing, invoking the
// insight pipeline, persisting results, and pushing notifications to the
// connected client.
//
// One Processor exists per connected session. The stop work runs in a
// single background task that the Processor owns; disconnecting cancels it.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/clinical-session-insights/internal/inference"
	"github.com/fpang/clinical-session-insights/internal/insight"
	"github.com/fpang/clinical-session-insights/internal/metrics"
	"github.com/fpang/clinical-session-insights/internal/outcome"
	"github.com/fpang/clinical-session-insights/internal/store"
)

// DefaultBufferWarnThreshold is the chunk count after which every ingest
// emits a near-capacity warning.
const DefaultBufferWarnThreshold = 45

// disconnectTimeout bounds the store write made on disconnect.
const disconnectTimeout = 10 * time.Second

// ErrSessionNotFound is returned when the session record does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Sender delivers messages to the connected client.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Transcriber turns recorded audio into text. It reports failures as
// marker transcripts rather than errors.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) string
	MaybeTranslate(ctx context.Context, text string) string
}

// ReportGenerator produces the insight report for a session.
type ReportGenerator interface {
	Generate(ctx context.Context, sc insight.SessionContext) outcome.Result[*store.InsightReport]
}

// Deps are the collaborators shared by every Processor.
type Deps struct {
	Store       store.SessionStore
	Transcriber Transcriber
	Reports     ReportGenerator
	// BufferWarnThreshold defaults to DefaultBufferWarnThreshold.
	BufferWarnThreshold int
}

// Processor is the state machine for one connected session.
type Processor struct {
	sessionID string
	deps      Deps
	sender    Sender
	warnAt    int
	logger    zerolog.Logger

	mu         sync.Mutex
	chunks     [][]byte
	processing bool
	finalSent  bool
	closed     bool
	cancel     context.CancelFunc
	done       chan struct{}

	// statusMu orders status writes from the stop task against the
	// disconnect transition.
	statusMu sync.Mutex
}

// Open loads the session and returns a Processor bound to sender.
func Open(ctx context.Context, deps Deps, sessionID string, sender Sender) (*Processor, error) {
	sess, err := deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	warnAt := deps.BufferWarnThreshold
	if warnAt <= 0 {
		warnAt = DefaultBufferWarnThreshold
	}
	p := &Processor{
		sessionID: sessionID,
		deps:      deps,
		sender:    sender,
		warnAt:    warnAt,
		logger:    log.With().Str("sessionId", sessionID).Logger(),
	}
	p.logger.Info().Str("status", sess.Status).Msg("Session processor opened")
	return p, nil
}

// SessionID returns the id of the session this Processor serves.
func (p *Processor) SessionID() string { return p.sessionID }

// ChunkCount returns the number of buffered audio chunks.
func (p *Processor) ChunkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

// acceptingInput reports whether ingest is still allowed. Callers hold mu.
func (p *Processor) acceptingInput() bool {
	return !p.processing && !p.finalSent && !p.closed
}

func (p *Processor) send(ctx context.Context, msg Message) {
	if err := p.sender.Send(ctx, msg); err != nil {
		p.logger.Debug().Err(err).Str("type", msg.Type).Msg("Failed to deliver message")
	}
}

// Ingest appends one audio chunk. It is a no-op once stop processing has
// begun or the final transcript has been sent. Past the warning threshold
// every ingest also emits a warning; no data is ever dropped here.
func (p *Processor) Ingest(ctx context.Context, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.mu.Lock()
	if !p.acceptingInput() {
		p.mu.Unlock()
		return
	}
	warn := len(p.chunks) >= p.warnAt
	p.chunks = append(p.chunks, chunk)
	n := len(p.chunks)
	p.mu.Unlock()

	if warn {
		p.send(ctx, Warning(TextBufferNearCapacity))
	}
	p.send(ctx, PartialTranscript(fmt.Sprintf("Recording... (%d chunks received)", n)))
}

// ErrInputClosed is returned by RecordEvent after stop processing began.
var ErrInputClosed = errors.New("session input closed")

// RecordEvent persists a side-channel event. Like Ingest it is rejected once
// stop processing has begun.
func (p *Processor) RecordEvent(ctx context.Context, channel string, ev store.Event) error {
	p.mu.Lock()
	open := p.acceptingInput()
	p.mu.Unlock()
	if !open {
		return ErrInputClosed
	}
	if err := p.deps.Store.AppendEvent(ctx, p.sessionID, channel, ev); err != nil {
		return fmt.Errorf("record %s event: %w", channel, err)
	}
	return nil
}

// RequestStop closes input and launches the stop task. It is single-flight:
// it returns false without doing anything when a stop is in flight, has
// already completed, or the client has disconnected.
func (p *Processor) RequestStop(ctx context.Context) bool {
	p.mu.Lock()
	if p.finalSent {
		p.mu.Unlock()
		p.logger.Warn().Msg("Stop already processed, ignoring")
		return false
	}
	if p.processing || p.closed {
		p.mu.Unlock()
		p.logger.Warn().Msg("Stop already in flight, ignoring")
		return false
	}
	p.processing = true
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	audio := bytes.Join(p.chunks, nil)
	chunkCount := len(p.chunks)
	p.mu.Unlock()

	p.statusMu.Lock()
	if taskCtx.Err() == nil {
		if _, err := p.deps.Store.StopSession(taskCtx, p.sessionID, time.Now().UTC()); err != nil {
			p.logger.Error().Err(err).Msg("Failed to record session stop")
		}
	}
	p.statusMu.Unlock()

	p.logger.Info().Int("chunks", chunkCount).Int("audioBytes", len(audio)).Msg("Stop requested, starting processing")
	go p.run(taskCtx, cancel, audio, chunkCount)
	return true
}

// OnDisconnect cancels any in-flight stop task and, if the session is still
// STARTED or PROCESSING, records the STOPPED transition. It never waits for
// the task to finish.
func (p *Processor) OnDisconnect(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer done()

	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	stopped, err := p.deps.Store.StopSession(ctx, p.sessionID, time.Now().UTC())
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to stop session on disconnect")
		return
	}
	p.logger.Info().Bool("stopped", stopped).Msg("Client disconnected")
}

// Wait blocks until the stop task, if one was started, has exited.
func (p *Processor) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// setStatus writes a status unless the task has been cancelled. The check
// and the write happen under statusMu so a disconnect cannot interleave.
func (p *Processor) setStatus(ctx context.Context, status string) error {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.deps.Store.UpdateSessionStatus(ctx, p.sessionID, status)
}

// commitReport persists the report and the COMPLETED status as one step
// under statusMu, so a disconnect observes both writes or neither. Once the
// cancellation check passes, both writes run to completion.
func (p *Processor) commitReport(ctx context.Context, report *store.InsightReport) error {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	if err := p.deps.Store.PutInsightReport(ctx, p.sessionID, report); err != nil {
		return err
	}
	return p.deps.Store.UpdateSessionStatus(ctx, p.sessionID, store.StatusCompleted)
}

// run is the stop task: transcribe, persist, notify, then generate insights.
func (p *Processor) run(ctx context.Context, cancel context.CancelFunc, audio []byte, chunkCount int) {
	rec := metrics.New().Dimension("Operation", "session_stop").
		Metric("AudioChunks", float64(chunkCount), metrics.UnitCount).
		Metric("AudioBytes", float64(len(audio)), metrics.UnitBytes).
		Property("sessionId", p.sessionID)
	result := "cancelled"

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("Stop processing panicked")
			p.send(ctx, Error(fmt.Sprintf("Stop processing failed: %v", r)))
			result = "panic"
		}
		rec.Property("result", result).Flush()

		p.mu.Lock()
		p.processing = false
		done := p.done
		p.mu.Unlock()
		cancel()
		close(done)
	}()

	p.send(ctx, PartialTranscript(TextProcessingAudio))
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	transcript := p.deps.Transcriber.Transcribe(ctx, audio)
	if ctx.Err() != nil {
		p.logger.Info().Msg("Stop processing cancelled during transcription")
		return
	}
	if !inference.IsMarker(transcript) {
		transcript = p.deps.Transcriber.MaybeTranslate(ctx, transcript)
		if ctx.Err() != nil {
			return
		}
	}
	rec.Duration("TranscriptionMs", time.Since(start))

	if err := p.deps.Store.PutTranscript(ctx, p.sessionID, transcript); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error().Err(err).Msg("Failed to persist transcript")
		p.send(ctx, Error(fmt.Sprintf("Stop processing failed: %v", err)))
		result = "error"
		return
	}
	if ctx.Err() != nil {
		return
	}

	p.send(ctx, FinalTranscript(transcript))
	p.mu.Lock()
	p.finalSent = true
	p.mu.Unlock()

	result = p.generateInsights(ctx, transcript)
}

// generateInsights runs the pipeline and delivers the report. It is the
// only place a session is moved to ERROR.
func (p *Processor) generateInsights(ctx context.Context, transcript string) string {
	fail := func(err error) string {
		if ctx.Err() != nil {
			return "cancelled"
		}
		p.logger.Error().Err(err).Msg("Insight generation failed")
		if serr := p.setStatus(ctx, store.StatusError); serr != nil {
			p.logger.Error().Err(serr).Msg("Failed to record ERROR status")
		}
		p.send(ctx, Error(fmt.Sprintf("Insight generation failed: %v", err)))
		return "error"
	}

	if err := p.setStatus(ctx, store.StatusProcessing); err != nil {
		return fail(err)
	}
	p.send(ctx, StatusUpdate(store.StatusProcessing, TextGeneratingInsights))

	sess, err := p.deps.Store.GetSession(ctx, p.sessionID)
	if err != nil {
		return fail(err)
	}
	if sess == nil {
		return fail(ErrSessionNotFound)
	}
	sc := insight.SessionContext{
		SessionID:   p.sessionID,
		Transcript:  transcript,
		AudioEvents: sess.AudioEvents,
		VideoEvents: sess.VideoEvents,
	}
	if sess.PatientID != "" {
		patient, err := p.deps.Store.GetPatient(ctx, sess.PatientID)
		if err != nil {
			return fail(err)
		}
		if patient != nil {
			sc.Patient = inference.PatientContext{Name: patient.Name, Diagnosis: patient.Diagnosis}
		}
	}

	res := p.deps.Reports.Generate(ctx, sc)
	if ctx.Err() != nil {
		return "cancelled"
	}
	report := res.Value
	if report == nil {
		return fail(fmt.Errorf("no report produced: %s", res))
	}
	if res.Kind == outcome.KindFailed {
		p.logger.Warn().Err(res.Err).Msg("Delivering fallback insight report")
	}

	if err := p.commitReport(ctx, report); err != nil {
		return fail(err)
	}
	p.send(ctx, InsightReport(report))
	p.logger.Info().Int("hiddenCues", len(report.HiddenCues)).Msg("Insight report delivered")
	if res.Kind == outcome.KindFailed {
		return "fallback"
	}
	return "completed"
}
