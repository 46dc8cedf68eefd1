// Package signals aggregates the non-verbal side channels of a session:
// audio tone events and video expression events. Everything here is a pure
// function of the event lists.
package signals

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/fpang/clinical-session-insights/internal/store"
)

// Event tags with rule-based meaning.
const (
	TagLongPause         = "long_pause"
	TagElevatedIntensity = "elevated_intensity"
	TagLookAway          = "look_away"
	TagFrown             = "frown"
	TagSmile             = "smile"
)

// CorrelationWindow is the maximum timestamp distance, in seconds, between
// an audio and a video event for them to be correlated.
const CorrelationWindow = 2.0

// Engagement bands.
const (
	EngagementLow    = "low"
	EngagementMedium = "medium"
	EngagementHigh   = "high"
)

// Insight strings emitted by the threshold rules.
const (
	InsightHesitation = "Frequent long pauses suggest hesitation or discomfort"
	InsightElevated   = "Elevated speech intensity detected during discussion"
	InsightLookAway   = "Frequent looking away may indicate discomfort or evasion"
	InsightFrown      = "Frowning detected during conversation"
)

// ChannelAnalysis is the aggregation of one channel.
type ChannelAnalysis struct {
	Counts   map[string]int `json:"counts"`
	Insights []string       `json:"insights"`
	Summary  string         `json:"summary"`
	// TotalPauseDuration sums duration_s over events whose tag contains
	// "pause". Always zero for video.
	TotalPauseDuration float64 `json:"total_pause_duration"`
}

// Correlation pairs an audio and a video event that happened close together.
type Correlation struct {
	Type            string  `json:"type"`
	AudioEvent      string  `json:"audio_event"`
	VideoEvent      string  `json:"video_event"`
	TimestampDiff   float64 `json:"timestamp_diff"`
	ApproximateTime float64 `json:"approximate_time"`
}

// Analysis is the full signal-analysis stage output.
type Analysis struct {
	Audio        ChannelAnalysis `json:"audio"`
	Video        ChannelAnalysis `json:"video"`
	Correlations []Correlation   `json:"correlations"`
	Score        int             `json:"score"`
	Engagement   string          `json:"engagement"`
}

// Analyze runs every analyzer over the two event lists.
func Analyze(audio, video []store.Event) Analysis {
	score := Score(audio, video)
	return Analysis{
		Audio:        AnalyzeAudio(audio),
		Video:        AnalyzeVideo(video),
		Correlations: Correlate(audio, video),
		Score:        score,
		Engagement:   Band(score),
	}
}

func countTags(events []store.Event) map[string]int {
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.Event]++
	}
	return counts
}

// AnalyzeAudio counts audio events, sums pause durations, and applies the
// hesitation and intensity rules.
func AnalyzeAudio(events []store.Event) ChannelAnalysis {
	a := ChannelAnalysis{Counts: countTags(events), Insights: []string{}}
	for _, e := range events {
		if strings.Contains(e.Event, "pause") && e.DurationS != nil {
			a.TotalPauseDuration += *e.DurationS
		}
	}
	if a.Counts[TagLongPause] > 2 {
		a.Insights = append(a.Insights, InsightHesitation)
	}
	if a.Counts[TagElevatedIntensity] > 0 {
		a.Insights = append(a.Insights, InsightElevated)
	}
	a.Summary = summarize("audio", events, a.Counts)
	return a
}

// AnalyzeVideo counts video events and applies the look-away and frown rules.
func AnalyzeVideo(events []store.Event) ChannelAnalysis {
	a := ChannelAnalysis{Counts: countTags(events), Insights: []string{}}
	if a.Counts[TagLookAway] > 2 {
		a.Insights = append(a.Insights, InsightLookAway)
	}
	if a.Counts[TagFrown] > 0 {
		a.Insights = append(a.Insights, InsightFrown)
	}
	a.Summary = summarize("video", events, a.Counts)
	return a
}

func summarize(channel string, events []store.Event, counts map[string]int) string {
	if len(events) == 0 {
		return fmt.Sprintf("No %s events detected", channel)
	}
	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return fmt.Sprintf("Detected %d %s events including %s", len(events), channel, strings.Join(tags, ", "))
}

// Correlate cross-joins audio and video events and keeps pairs whose
// timestamps differ by at most CorrelationWindow. Output order follows the
// audio list, then the video list.
func Correlate(audio, video []store.Event) []Correlation {
	out := []Correlation{}
	for _, a := range audio {
		for _, v := range video {
			diff := math.Abs(a.Timestamp - v.Timestamp)
			if diff > CorrelationWindow {
				continue
			}
			out = append(out, Correlation{
				Type:            "temporal_correlation",
				AudioEvent:      a.Event,
				VideoEvent:      v.Event,
				TimestampDiff:   diff,
				ApproximateTime: (a.Timestamp + v.Timestamp) / 2,
			})
		}
	}
	return out
}

// Score computes the raw engagement score. It starts at 5 and is adjusted by
// long-pause and look-away frequency (penalties) and by any elevated
// intensity or smile (bonuses).
//
// Long pauses and elevated intensity are matched by tag substring; look-away
// and smile by exact tag.
func Score(audio, video []store.Event) int {
	score := 5

	var longPauses, elevated int
	for _, e := range audio {
		if strings.Contains(e.Event, TagLongPause) {
			longPauses++
		}
		if strings.Contains(e.Event, "elevated") {
			elevated++
		}
	}
	score += frequencyPenalty(longPauses)
	if elevated > 0 {
		score++
	}

	var lookAways, smiles int
	for _, e := range video {
		switch e.Event {
		case TagLookAway:
			lookAways++
		case TagSmile:
			smiles++
		}
	}
	score += frequencyPenalty(lookAways)
	if smiles > 0 {
		score++
	}
	return score
}

func frequencyPenalty(n int) int {
	switch {
	case n > 3:
		return -2
	case n > 1:
		return -1
	default:
		return 0
	}
}

// Band maps a score to an engagement band: >=6 high, 4-5 medium, <4 low.
func Band(score int) string {
	switch {
	case score >= 6:
		return EngagementHigh
	case score >= 4:
		return EngagementMedium
	default:
		return EngagementLow
	}
}

// Engagement is Band(Score(audio, video)).
func Engagement(audio, video []store.Event) string {
	return Band(Score(audio, video))
}
