package delivery

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Class is the classification of a single attempt.
type Class string

const (
	ClassSuccess   Class = "success"
	ClassRetryable Class = "retryable"
	ClassTerminal  Class = "terminal"
)

// Outcome is what the executor observed for one network attempt.
type Outcome struct {
	Class       Class
	StatusCode  int // 0 when no response was received
	Body        string
	Latency     time.Duration
	Error       string
	Reason      string // short machine label, e.g. http_5xx, timeout
	AttemptedAt time.Time
	SignedAt    int64 // unix seconds placed in the timestamp header
}

// Classify maps an HTTP status code to an attempt class.
// 2xx succeeds, 429 and 5xx are retried, any other 4xx is final.
// Everything else (1xx, 3xx) is treated as a retryable anomaly.
func Classify(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == 429:
		return ClassRetryable
	case status >= 400 && status < 500:
		return ClassTerminal
	default:
		return ClassRetryable
	}
}

// StatusReason returns the metrics label for an HTTP status code.
func StatusReason(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "http_2xx"
	case status == 429:
		return "http_429"
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	default:
		return "http_other"
	}
}

// CleanText makes s storable in a text column: NUL bytes are dropped, invalid
// UTF-8 is replaced and the result is cut to at most max bytes on a rune
// boundary.
func CleanText(s string, max int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ToValidUTF8(s, "\uFFFD")
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
