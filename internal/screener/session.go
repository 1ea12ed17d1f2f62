package screener

import (
	"sync"
	"time"
)

// Phase is the state of a challenge session
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseAnswered
	PhasePromptPlaying
	PhaseAwaitingResponse
	PhaseDisposed
)

func (p Phase) String() string {
	names := []string{
		"Created", "Answered", "PromptPlaying", "AwaitingResponse", "Disposed",
	}
	if int(p) < len(names) {
		return names[p]
	}
	return "Unknown"
}

// Outcome is the terminal disposition of a challenge session.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeHumanConfirmed
	OutcomeSpamDetected
	OutcomeChallengeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHumanConfirmed:
		return "human_confirmed"
	case OutcomeSpamDetected:
		return "spam_detected"
	case OutcomeChallengeFailed:
		return "challenge_failed"
	}
	return "none"
}

// Session is one caller's in-progress verification. The engine holds a
// non-owning reference to the underlying call: CallID is the voice
// stack's identity, the call object itself lives on the other side of
// the control socket.
type Session struct {
	// Identity
	CallID   string
	CallerID string

	// Challenge
	ExpectedDigit int
	StartedAt     time.Time

	// State; guarded by mu. outcome is write-once: it is only assigned
	// in the same critical section that moves phase to Disposed.
	mu      sync.Mutex
	phase   Phase
	outcome Outcome

	// Timers; guarded by mu. All are cancelled on disposal.
	settleTimer   *time.Timer
	repeatTimer   *time.Timer
	responseTimer *time.Timer
	guardTimer    *time.Timer
}

// NewSession creates a session in the Created phase.
func NewSession(callID, callerID string, expectedDigit int) *Session {
	return &Session{
		CallID:        callID,
		CallerID:      callerID,
		ExpectedDigit: expectedDigit,
		StartedAt:     time.Now(),
		phase:         PhaseCreated,
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Outcome returns the terminal outcome, or OutcomeNone before disposal.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// advance moves the session from one live phase to the next. It returns
// false without side effects when the session is not in the expected
// phase, which makes duplicate and late events safe no-ops.
func (s *Session) advance(from, to Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		return false
	}
	s.phase = to
	return true
}

// dispose atomically marks the session Disposed with the given outcome
// and cancels every armed timer. It returns false if the session was
// already disposed; the caller must then treat the event as a no-op.
func (s *Session) dispose(outcome Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseDisposed {
		return false
	}
	s.phase = PhaseDisposed
	s.outcome = outcome
	s.cancelTimersLocked()
	return true
}

func (s *Session) cancelTimersLocked() {
	for _, t := range []**time.Timer{&s.settleTimer, &s.repeatTimer, &s.responseTimer, &s.guardTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// armTimer stores a timer under the session lock unless the session is
// already disposed, in which case the timer is stopped immediately.
func (s *Session) armTimer(slot **time.Timer, t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseDisposed {
		t.Stop()
		return
	}
	if *slot != nil {
		(*slot).Stop()
	}
	*slot = t
}
