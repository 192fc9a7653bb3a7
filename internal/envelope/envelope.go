// Package envelope defines the structured error record mirrored to the
// error queue alongside faulty messages, and the severity taxonomy that
// drives routing between the output and error queues.
package envelope

import (
	"encoding/json"
	"time"
)

// Status classifies the outcome of a transform invocation. It drives
// routing: NoError goes to the output queue only, Critical goes to the
// error queue only, and everything in between goes to both.
type Status int

const (
	NoError Status = iota
	Low
	Medium
	High
	Critical
)

// String renders the status the way it appears on the wire and in logs.
func (s Status) String() string {
	switch s {
	case NoError:
		return "NO_ERROR"
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Forwarded reports whether a message of this status should still be
// published to the output queue.
func (s Status) Forwarded() bool {
	return s == NoError || s == Low || s == Medium || s == High
}

// Errored reports whether an envelope must accompany a message of this
// status on the error queue.
func (s Status) Errored() bool {
	return s != NoError
}

// Payload holds the offending input alongside the error description.
type Payload struct {
	ErrorMessage string `json:"ErrorMessage"`
	Input        string `json:"Input"`
}

// Envelope is the structured JSON record published to the error queue.
// Field names and nesting mirror the original loadBalancer's error_package
// dict exactly — SourceProcess, Blame, Timestamp, Payload, Severity.
type Envelope struct {
	SourceProcess string    `json:"SourceProcess"`
	Blame         string    `json:"Blame"`
	Timestamp     time.Time `json:"Timestamp"`
	Payload       Payload   `json:"Payload"`
	Severity      Status    `json:"Severity"`
}

// New builds an envelope stamped with the current time.
func New(sourceProcess, blame, errMsg, input string, severity Status) *Envelope {
	return &Envelope{
		SourceProcess: sourceProcess,
		Blame:         blame,
		Timestamp:     time.Now(),
		Payload: Payload{
			ErrorMessage: errMsg,
			Input:        input,
		},
		Severity: severity,
	}
}

// MarshalJSON renders Severity and Timestamp in their wire forms: the
// severity as its string tag, the timestamp as ISO-8601 with seconds
// precision.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type alias struct {
		SourceProcess string  `json:"SourceProcess"`
		Blame         string  `json:"Blame"`
		Timestamp     string  `json:"Timestamp"`
		Payload       Payload `json:"Payload"`
		Severity      string  `json:"Severity"`
	}
	return json.Marshal(alias{
		SourceProcess: e.SourceProcess,
		Blame:         e.Blame,
		Timestamp:     e.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Payload:       e.Payload,
		Severity:      e.Severity.String(),
	})
}

// UnmarshalJSON parses the wire form produced by MarshalJSON, including
// the Severity string tag and the ISO-8601 timestamp.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var alias struct {
		SourceProcess string  `json:"SourceProcess"`
		Blame         string  `json:"Blame"`
		Timestamp     string  `json:"Timestamp"`
		Payload       Payload `json:"Payload"`
		Severity      string  `json:"Severity"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	ts, err := time.Parse("2006-01-02T15:04:05Z07:00", alias.Timestamp)
	if err != nil {
		return err
	}
	e.SourceProcess = alias.SourceProcess
	e.Blame = alias.Blame
	e.Timestamp = ts
	e.Payload = alias.Payload
	e.Severity = statusFromString(alias.Severity)
	return nil
}

func statusFromString(s string) Status {
	switch s {
	case "NO_ERROR":
		return NoError
	case "LOW":
		return Low
	case "MEDIUM":
		return Medium
	case "HIGH":
		return High
	case "CRITICAL":
		return Critical
	default:
		return Critical
	}
}
