// Package entities extracts symptoms, medications, and concerns from a
// session transcript with fixed keyword lists and patterns. Matching is
// case-insensitive and deterministic; results are deduplicated and sorted.
package entities

import (
	"regexp"
	"sort"
	"strings"
)

// Symptom keywords, matched as substrings.
var symptomKeywords = []string{
	"anxiety", "depressed", "sad", "worry", "stress", "pain", "tired",
	"fatigue", "sleep", "insomnia", "appetite", "nausea", "headache",
	"nervous", "panic", "fear", "mood", "energy",
}

// Concern phrases, matched as substrings.
var concernPhrases = []string{
	"worry about", "concerned about", "afraid of", "scared of", "difficult",
	"hard", "struggle", "problem", "issue", "can't", "unable",
	"difficulties", "trouble",
}

var medicationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bEscitalopram\b`),
	regexp.MustCompile(`(?i)\bProzac\b`),
	regexp.MustCompile(`(?i)\bZoloft\b`),
	regexp.MustCompile(`(?i)\bXanax\b`),
	regexp.MustCompile(`(?i)\bValium\b`),
	regexp.MustCompile(`(?i)\b[0-9]+mg\b`),
	regexp.MustCompile(`(?i)\bmedication\b`),
	regexp.MustCompile(`(?i)\bmedicine\b`),
	regexp.MustCompile(`(?i)\bpills?\b`),
}

// Result holds the extracted entity sets.
type Result struct {
	Symptoms    []string
	Medications []string
	Concerns    []string
}

// Extract runs all three extractors over transcript.
func Extract(transcript string) Result {
	return Result{
		Symptoms:    Symptoms(transcript),
		Medications: Medications(transcript),
		Concerns:    Concerns(transcript),
	}
}

// Symptoms returns the symptom keywords contained in text.
func Symptoms(text string) []string {
	return matchKeywords(strings.ToLower(text), symptomKeywords)
}

// Concerns returns the concern phrases contained in text.
func Concerns(text string) []string {
	return matchKeywords(strings.ToLower(text), concernPhrases)
}

// Medications returns the literal substrings matched by the medication
// patterns, so "Prozac" and "prozac" are distinct entries.
func Medications(text string) []string {
	set := make(map[string]struct{})
	for _, re := range medicationPatterns {
		for _, m := range re.FindAllString(text, -1) {
			set[m] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func matchKeywords(lower string, keywords []string) []string {
	set := make(map[string]struct{})
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			set[kw] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Union merges string sets, dropping empty strings, and returns them sorted.
func Union(sets ...[]string) []string {
	merged := make(map[string]struct{})
	for _, s := range sets {
		for _, v := range s {
			if v = strings.TrimSpace(v); v != "" {
				merged[v] = struct{}{}
			}
		}
	}
	return sortedKeys(merged)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
