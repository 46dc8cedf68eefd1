package jsonutil

import (
	"errors"
	"testing"
)

type sample struct {
	Sentiment string   `json:"sentiment"`
	Topics    []string `json:"key_topics"`
}

func TestParseObject(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		sentiment string
		topics    int
	}{
		{"bare", `{"sentiment":"negative","key_topics":["sleep"]}`, "negative", 1},
		{"fenced", "```json\n{\"sentiment\":\"mixed\",\"key_topics\":[]}\n```", "mixed", 0},
		{"prose", `Here is the analysis: {"sentiment":"positive","key_topics":["work","family"]} Hope it helps.`, "positive", 2},
		{"brace in string", `{"sentiment":"neutral","key_topics":["a}b"]} trailing }`, "neutral", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseObject[sample](tt.raw)
			if err != nil {
				t.Fatalf("ParseObject: %v", err)
			}
			if got.Sentiment != tt.sentiment {
				t.Errorf("sentiment = %q, want %q", got.Sentiment, tt.sentiment)
			}
			if len(got.Topics) != tt.topics {
				t.Errorf("topics = %v, want %d entries", got.Topics, tt.topics)
			}
		})
	}
}

func TestParseObject_NoJSON(t *testing.T) {
	_, err := ParseObject[sample]("I could not analyse this transcript.")
	if !errors.Is(err, ErrNoJSON) {
		t.Errorf("err = %v, want ErrNoJSON", err)
	}
}

func TestParseObject_Invalid(t *testing.T) {
	_, err := ParseObject[sample](`{"sentiment": }`)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrNoJSON) {
		t.Errorf("malformed object should not be ErrNoJSON: %v", err)
	}
}

func TestStripFences(t *testing.T) {
	if got := StripFences("```\n{}\n```"); got != "{}" {
		t.Errorf("StripFences = %q", got)
	}
	if got := StripFences("  plain  "); got != "plain" {
		t.Errorf("StripFences = %q", got)
	}
}
