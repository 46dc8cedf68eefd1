package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"google.golang.org/genai"

	"github.com/fpang/clinical-session-insights/internal/metrics"
	"github.com/fpang/clinical-session-insights/internal/outcome"
)

func TestMain(m *testing.M) {
	metrics.Configure(io.Discard, "", false)
	os.Exit(m.Run())
}

// fakeModels returns canned responses in order and records every request.
type fakeModels struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []fakeCall
}

type fakeCall struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{model: model, contents: contents, config: config})
	if f.err != nil {
		return nil, f.err
	}
	text := ""
	if len(f.responses) > 0 {
		text, f.responses = f.responses[0], f.responses[1:]
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}, nil
}

func TestTranscribe_Markers(t *testing.T) {
	ctx := context.Background()
	unconfigured := NewWithModels(nil, Config{})

	if got := unconfigured.Transcribe(ctx, nil); got != MarkerNoAudio {
		t.Errorf("Transcribe(nil) = %q, want %q", got, MarkerNoAudio)
	}
	if got := unconfigured.Transcribe(ctx, []byte{1, 2, 3}); got != MarkerNotConfigured {
		t.Errorf("Transcribe unconfigured = %q, want %q", got, MarkerNotConfigured)
	}

	failing := NewWithModels(&fakeModels{err: errors.New("upstream exploded")}, Config{})
	got := failing.Transcribe(ctx, []byte{1})
	if got != "[Transcription failed: upstream exploded]" {
		t.Errorf("Transcribe failure = %q", got)
	}
	if !IsMarker(got) {
		t.Error("failure marker not recognized by IsMarker")
	}

	empty := NewWithModels(&fakeModels{responses: []string{"   "}}, Config{})
	if got := empty.Transcribe(ctx, []byte{1}); got != MarkerEmpty {
		t.Errorf("Transcribe empty = %q, want %q", got, MarkerEmpty)
	}
}

func TestTranscribe_SendsAudioBlob(t *testing.T) {
	fake := &fakeModels{responses: []string{"Doctor: How are you?\nPatient: Fine."}}
	g := NewWithModels(fake, Config{Model: "gemini-test"})

	got := g.Transcribe(context.Background(), []byte("webm-bytes"))
	if got != "Doctor: How are you?\nPatient: Fine." {
		t.Errorf("transcript = %q", got)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(fake.calls))
	}
	call := fake.calls[0]
	if call.model != "gemini-test" {
		t.Errorf("model = %s", call.model)
	}
	var blob *genai.Blob
	for _, p := range call.contents[0].Parts {
		if p.InlineData != nil {
			blob = p.InlineData
		}
	}
	if blob == nil || blob.MIMEType != AudioMIMEType || string(blob.Data) != "webm-bytes" {
		t.Errorf("audio blob = %+v", blob)
	}
	if call.config.Temperature == nil || *call.config.Temperature != DefaultTemperature {
		t.Errorf("temperature = %v", call.config.Temperature)
	}
}

func TestMaybeTranslate(t *testing.T) {
	ctx := context.Background()

	fake := &fakeModels{responses: []string{"I am not sleeping well."}}
	g := NewWithModels(fake, Config{})

	if got := g.MaybeTranslate(ctx, "I am fine"); got != "I am fine" {
		t.Errorf("English text changed: %q", got)
	}
	if len(fake.calls) != 0 {
		t.Errorf("English text should not call the model")
	}

	if got := g.MaybeTranslate(ctx, "मुझे नींद नहीं आती"); got != "I am not sleeping well." {
		t.Errorf("translation = %q", got)
	}

	failing := NewWithModels(&fakeModels{err: errors.New("RESOURCE_EXHAUSTED: quota")}, Config{})
	if got := failing.MaybeTranslate(ctx, "नमस्ते"); got != "नमस्ते" {
		t.Errorf("failed translation should return original, got %q", got)
	}
}

func TestIsQuotaError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("rpc error: RESOURCE_EXHAUSTED"), true},
		{errors.New("Quota exceeded for model"), true},
		{errors.New("HTTP 429 Too Many Requests"), true},
		{errors.New("rate limit hit"), true},
		{errors.New("Rate-Limit reached"), true},
		{fmt.Errorf("wrapped: %w", &genai.APIError{Code: 429}), true},
		{errors.New("connection reset by peer"), false},
		{&genai.APIError{Code: 500, Message: "internal"}, false},
	}
	for _, tt := range tests {
		if got := IsQuotaError(tt.err); got != tt.want {
			t.Errorf("IsQuotaError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsMarker(t *testing.T) {
	for _, m := range []string{MarkerNoAudio, MarkerNotConfigured, MarkerEmpty, "", "  [Transcription failed: x]"} {
		if !IsMarker(m) {
			t.Errorf("IsMarker(%q) = false", m)
		}
	}
	if IsMarker("[laughs] I'm okay") {
		t.Error("bracketed speech should not be a marker")
	}
}

func TestExtractTextMeaning(t *testing.T) {
	ctx := context.Background()
	patient := PatientContext{Name: "Asha", Diagnosis: "GAD"}

	res := NewWithModels(nil, Config{}).ExtractTextMeaning(ctx, "text", patient)
	if res.Kind != outcome.KindUnavailable || res.Reason != outcome.ReasonNotConfigured {
		t.Errorf("unconfigured = %v", res)
	}

	fake := &fakeModels{responses: []string{"```json\n" + `{"symptoms":["insomnia"],"medications":[],"concerns":["work"],"key_topics":["sleep hygiene"],"sentiment":"Negative"}` + "\n```"}}
	res = NewWithModels(fake, Config{}).ExtractTextMeaning(ctx, "I cannot sleep", patient)
	meaning, ok := res.Get()
	if !ok {
		t.Fatalf("ExtractTextMeaning = %v", res)
	}
	if meaning.Sentiment != SentimentNegative || len(meaning.KeyTopics) != 1 || meaning.Symptoms[0] != "insomnia" {
		t.Errorf("meaning = %+v", meaning)
	}
	if fake.calls[0].config.ResponseMIMEType != "application/json" {
		t.Errorf("ResponseMIMEType = %q", fake.calls[0].config.ResponseMIMEType)
	}
	prompt := fake.calls[0].contents[0].Parts[0].Text
	if !strings.Contains(prompt, "Patient: Asha") {
		t.Errorf("prompt missing patient context: %s", prompt)
	}

	res = NewWithModels(&fakeModels{responses: []string{"no json here"}}, Config{}).ExtractTextMeaning(ctx, "x", patient)
	if res.Reason != outcome.ReasonMalformedOutput {
		t.Errorf("malformed reason = %s", res.Reason)
	}

	res = NewWithModels(&fakeModels{err: errors.New("429 rate limit")}, Config{}).ExtractTextMeaning(ctx, "x", patient)
	if res.Kind != outcome.KindUnavailable || res.Reason != outcome.ReasonQuotaExceeded {
		t.Errorf("quota = %v", res)
	}
}

func TestComposeReport(t *testing.T) {
	ctx := context.Background()
	body := `Sure! {"clinical_summary":"Patient describes poor sleep.","key_entities":{"symptoms":["sleep"],"medications":[],"concerns":[]},` +
		`"hidden_cues":[{"cue":"Possible avoidance","evidence":{"transcript":"I'd rather not say","turn":3}},{"cue":"","evidence":{}}]}`
	res := NewWithModels(&fakeModels{responses: []string{body}}, Config{}).ComposeReport(ctx, "transcript")
	report, ok := res.Get()
	if !ok {
		t.Fatalf("ComposeReport = %v", res)
	}
	if report.ClinicalSummary != "Patient describes poor sleep." {
		t.Errorf("summary = %q", report.ClinicalSummary)
	}
	if len(report.HiddenCues) != 1 {
		t.Fatalf("cues = %+v, want blank cue dropped", report.HiddenCues)
	}
	cue := report.HiddenCues[0]
	if cue.Confidence != "low" || cue.Evidence["transcript"] != "I'd rather not say" || cue.Evidence["turn"] != "3" {
		t.Errorf("cue = %+v", cue)
	}

	res = NewWithModels(&fakeModels{responses: []string{`{"clinical_summary":""}`}}, Config{}).ComposeReport(ctx, "t")
	if res.Reason != outcome.ReasonMalformedOutput {
		t.Errorf("empty summary reason = %s", res.Reason)
	}
}
