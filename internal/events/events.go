// Package events defines the outcome record emitted once per screened
// call and the sinks it fans out to. Delivery is at-least-once; every
// consumer must tolerate duplicates.
package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// Result is the terminal classification of a screened call. The string
// values are a contract with the UI and the persistent log.
type Result string

const (
	ResultAllowed         Result = "allowed"
	ResultBlocked         Result = "blocked"
	ResultChallengePassed Result = "challenge_passed"
	ResultChallengeFailed Result = "challenge_failed"
)

// Outcome describes how one call was ultimately disposed.
type Outcome struct {
	ID        string `json:"id"`
	CallerID  string `json:"caller_id"`
	Timestamp int64  `json:"timestamp"` // epoch millis
	Result    Result `json:"outcome"`
	Reason    string `json:"reason"` // free-form classification tag
}

// NewOutcome stamps a fresh outcome with an event id and the current time.
func NewOutcome(callerID string, result Result, reason string) Outcome {
	return Outcome{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		Timestamp: time.Now().UnixMilli(),
		Result:    result,
		Reason:    reason,
	}
}

// Sink receives outcome events. Publish must not block the caller; slow
// or failing consumers drop rather than stall the decision path.
type Sink interface {
	Publish(Outcome)
}

// Fanout publishes to every registered sink in order.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Publish(o Outcome) {
	for _, s := range f.sinks {
		s.Publish(o)
	}
}

// LogSink writes each outcome as a JSON log line for easy automation.
type LogSink struct{}

func (LogSink) Publish(o Outcome) {
	if data, err := json.Marshal(o); err == nil {
		log.Printf("[Outcome] %s", string(data))
	}
}

// StreamSink exposes outcomes on a buffered channel for a UI or test
// consumer. When the consumer falls behind, events are dropped and
// counted rather than blocking the engine.
type StreamSink struct {
	ch      chan Outcome
	dropped func()
}

// NewStreamSink creates a stream sink with the given buffer size.
// onDrop, if non-nil, is called once per dropped event.
func NewStreamSink(buf int, onDrop func()) *StreamSink {
	if buf <= 0 {
		buf = 256
	}
	return &StreamSink{ch: make(chan Outcome, buf), dropped: onDrop}
}

func (s *StreamSink) Publish(o Outcome) {
	select {
	case s.ch <- o:
	default:
		if s.dropped != nil {
			s.dropped()
		}
	}
}

// Events returns the consumer side of the stream.
func (s *StreamSink) Events() <-chan Outcome {
	return s.ch
}
