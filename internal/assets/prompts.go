// Package assets provides the embedded prompt templates sent to Gemini.
//
// Prompts are stored as text files under prompts/ and embedded at compile time.
package assets

import (
	"bytes"
	_ "embed"
	"text/template"

	"github.com/rs/zerolog/log"
)

// --- Static prompts ---

// SystemInstruction frames every analysis call.
//
//go:embed prompts/system-instruction.txt
var SystemInstruction string

// TranscribePrompt accompanies the session audio blob.
//
//go:embed prompts/transcribe.txt
var TranscribePrompt string

// --- Templates ---

//go:embed prompts/translate.txt
var translateTemplate string

//go:embed prompts/text-meaning.txt
var textMeaningTemplate string

//go:embed prompts/compose-report.txt
var composeReportTemplate string

var (
	translateTmpl     = template.Must(template.New("translate").Parse(translateTemplate))
	textMeaningTmpl   = template.Must(template.New("text-meaning").Parse(textMeaningTemplate))
	composeReportTmpl = template.Must(template.New("compose-report").Parse(composeReportTemplate))
)

// PromptData holds the values injected into prompt templates.
type PromptData struct {
	Transcript  string
	PatientName string
	Diagnosis   string
}

// RenderTranslatePrompt asks for an English translation of transcript.
func RenderTranslatePrompt(transcript string) string {
	return render(translateTmpl, PromptData{Transcript: transcript})
}

// RenderTextMeaningPrompt asks for structured entities, topics and sentiment.
func RenderTextMeaningPrompt(transcript, patientName, diagnosis string) string {
	return render(textMeaningTmpl, PromptData{
		Transcript:  transcript,
		PatientName: patientName,
		Diagnosis:   diagnosis,
	})
}

// RenderComposeReportPrompt asks for a complete insight report.
func RenderComposeReportPrompt(transcript string) string {
	return render(composeReportTmpl, PromptData{Transcript: transcript})
}

func render(tmpl *template.Template, data PromptData) string {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		log.Debug().Err(err).Str("template", tmpl.Name()).Msg("Prompt template execution failed")
	}
	return buf.String()
}
