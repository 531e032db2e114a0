package models

import "time"

// Call dispositions.
const (
	DispositionAnswered = "answered"
	DispositionFailed   = "failed"
	DispositionNoAnswer = "no_answer"
)

// CallRecord is the history entry of one released call.
type CallRecord struct {
	ID          string
	CallID      uint32
	Origin      string // "MNCC" | "SIP"
	Source      string
	Dest        string
	GCR         string // hex
	StartTime   time.Time
	AnswerTime  *time.Time
	EndTime     time.Time
	Duration    *int // seconds from answer to end
	Disposition string
	Cause       int
}
