package events

import (
	"fmt"
	"sort"
)

// Type is one of the event kinds a subscription can listen to.
type Type string

const (
	CallStarted          Type = "call.started"
	CallAnswered         Type = "call.answered"
	CallCompleted        Type = "call.completed"
	CallFailed           Type = "call.failed"
	CallDispositionSet   Type = "call.disposition_set"
	RecordingAvailable   Type = "recording.available"
	RecordingTranscribed Type = "recording.transcribed"
	TranscriptCompleted  Type = "transcript.completed"
	TranslationCompleted Type = "translation.completed"
	SurveyCompleted      Type = "survey.completed"
	ScorecardCompleted   Type = "scorecard.completed"
	EvidenceExported     Type = "evidence.exported"
)

var known = map[Type]struct{}{
	CallStarted:          {},
	CallAnswered:         {},
	CallCompleted:        {},
	CallFailed:           {},
	CallDispositionSet:   {},
	RecordingAvailable:   {},
	RecordingTranscribed: {},
	TranscriptCompleted:  {},
	TranslationCompleted: {},
	SurveyCompleted:      {},
	ScorecardCompleted:   {},
	EvidenceExported:     {},
}

// Parse returns the Type for s, or an error if s is not a known event type.
func Parse(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Valid reports whether t belongs to the closed set of event types.
func (t Type) Valid() bool {
	_, ok := known[t]
	return ok
}

func (t Type) String() string { return string(t) }

// All returns every known event type in lexical order.
func All() []Type {
	out := make([]Type, 0, len(known))
	for t := range known {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings is All as plain strings, handy for schemas and flag help.
func Strings() []string {
	all := All()
	out := make([]string, len(all))
	for i, t := range all {
		out[i] = string(t)
	}
	return out
}
