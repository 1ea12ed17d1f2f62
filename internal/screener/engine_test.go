package screener

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quietline/quietline/internal/directory"
	"github.com/quietline/quietline/internal/events"
	"github.com/quietline/quietline/internal/telephony"
)

type fakeVoiceStack struct {
	mu        sync.Mutex
	accepted  []string
	hangups   []string
	spoken    []string
	acceptErr error
	sayErr    error
	ttsDown   bool
}

func (f *fakeVoiceStack) Accept(callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.accepted = append(f.accepted, callID)
	return nil
}

func (f *fakeVoiceStack) Hangup(callID string, scode int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, fmt.Sprintf("%s/%d", callID, scode))
	return nil
}

func (f *fakeVoiceStack) Say(callID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sayErr != nil {
		return f.sayErr
	}
	f.spoken = append(f.spoken, text)
	return nil
}

func (f *fakeVoiceStack) TTSReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.ttsDown
}

func (f *fakeVoiceStack) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

func (f *fakeVoiceStack) spokenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spoken)
}

type safeSink struct {
	mu  sync.Mutex
	got []events.Outcome
}

func (s *safeSink) Publish(o events.Outcome) {
	s.mu.Lock()
	s.got = append(s.got, o)
	s.mu.Unlock()
}

func (s *safeSink) outcomes() []events.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Outcome, len(s.got))
	copy(out, s.got)
	return out
}

type fixture struct {
	engine *Engine
	stack  *fakeVoiceStack
	sink   *safeSink
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	cfg := &Config{
		ChallengeMode:       mode,
		UnknownPolicy:       UnknownChallenge,
		SuffixLen:           9,
		SettleDelayMs:       1,
		ChallengeTimeoutSec: 15,
		RejectStatusCode:    603,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	dir := directory.NewStatic(
		[]string{"5550100001"}, // contacts
		[]string{"5550100002"}, // whitelist
		[]string{"5550100003"}, // blocklist
		9,
	)
	stack := &fakeVoiceStack{}
	sink := &safeSink{}
	e := New(cfg, stack, stack, dir, sink)
	// Short windows so timer paths run inside the test.
	e.window = 60 * time.Millisecond
	return &fixture{engine: e, stack: stack, sink: sink}
}

func ring(id, phone string) telephony.Event {
	return telephony.Event{
		Type:      telephony.EventCallIncoming,
		Direction: "incoming",
		ID:        id,
		PeerURI:   "sip:" + phone + "@example.com",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestContactAllowedNoSession(t *testing.T) {
	fx := newFixture(t, ModePassive)

	fx.engine.HandleEvent(ring("c1", "+15550100001"))

	got := fx.sink.outcomes()
	if len(got) != 1 || got[0].Result != events.ResultAllowed || got[0].Reason != "contact_allowed" {
		t.Fatalf("outcomes = %+v, want one allowed/contact_allowed", got)
	}
	if fx.engine.ActiveSessions() != 0 {
		t.Error("contact call must not create a session")
	}
	if fx.stack.hangupCount() != 0 {
		t.Error("contact call must not be hung up")
	}
}

func TestEmptyCallerIDFailsOpen(t *testing.T) {
	fx := newFixture(t, ModePassive)

	fx.engine.HandleEvent(ring("c2", ""))

	got := fx.sink.outcomes()
	if len(got) != 1 || got[0].Result != events.ResultAllowed || got[0].Reason != "unknown_allowed" {
		t.Fatalf("outcomes = %+v, want one allowed/unknown_allowed", got)
	}
	if fx.engine.ActiveSessions() != 0 {
		t.Error("empty caller id must not create a session")
	}
}

func TestBlocklistedCallerRejected(t *testing.T) {
	fx := newFixture(t, ModePassive)

	fx.engine.HandleEvent(ring("c3", "5550100003"))

	waitFor(t, "hangup", func() bool { return fx.stack.hangupCount() == 1 })
	got := fx.sink.outcomes()
	if len(got) != 1 || got[0].Result != events.ResultBlocked || got[0].Reason != "blocklist_rejected" {
		t.Fatalf("outcomes = %+v, want one blocked/blocklist_rejected", got)
	}
	fx.stack.mu.Lock()
	hang := fx.stack.hangups[0]
	fx.stack.mu.Unlock()
	if hang != "c3/603" {
		t.Errorf("hangup = %s, want c3/603", hang)
	}
}

func TestDuplicateRingClassifiedOnce(t *testing.T) {
	fx := newFixture(t, ModePassive)

	fx.engine.HandleEvent(ring("c4", "+15550100001"))
	ev := ring("c4", "+15550100001")
	ev.Type = telephony.EventCallRinging
	fx.engine.HandleEvent(ev)

	if got := fx.sink.outcomes(); len(got) != 1 {
		t.Fatalf("expected one outcome for duplicated ring, got %d", len(got))
	}
}

func TestUnknownSilencePolicy(t *testing.T) {
	fx := newFixture(t, ModePassive)
	fx.engine.cfg.UnknownPolicy = UnknownSilence

	fx.engine.HandleEvent(ring("c5", "5550109999"))

	got := fx.sink.outcomes()
	if len(got) != 1 || got[0].Result != events.ResultBlocked || got[0].Reason != "unknown_silenced" {
		t.Fatalf("outcomes = %+v, want blocked/unknown_silenced", got)
	}
	if fx.engine.ActiveSessions() != 0 {
		t.Error("silence policy must not create sessions")
	}
	if fx.stack.hangupCount() != 0 {
		t.Error("silenced calls are left unanswered, not hung up")
	}
}

// runToAwaitingResponse rings an unknown caller and walks the session
// to AwaitingResponse.
func runToAwaitingResponse(t *testing.T, fx *fixture, callID string) *Session {
	t.Helper()
	fx.engine.HandleEvent(ring(callID, "5550109999"))
	waitFor(t, "accept", func() bool {
		fx.stack.mu.Lock()
		defer fx.stack.mu.Unlock()
		return len(fx.stack.accepted) == 1
	})

	s := fx.engine.table.Get(callID)
	if s == nil {
		t.Fatal("expected a challenge session")
	}
	fx.engine.HandleEvent(telephony.Event{Type: telephony.EventCallAnswered, ID: callID})
	waitFor(t, "prompt", func() bool { return fx.stack.spokenCount() >= 1 })

	fx.engine.HandleEvent(telephony.Event{Type: telephony.EventPlayFinished, ID: callID})
	if got := s.Phase(); got != PhaseAwaitingResponse {
		t.Fatalf("phase = %s, want AwaitingResponse", got)
	}
	return s
}

func TestPassiveHoldConfirmsHuman(t *testing.T) {
	fx := newFixture(t, ModePassive)
	s := runToAwaitingResponse(t, fx, "c6")

	// Caller stays connected through the full window.
	waitFor(t, "disposal", func() bool { return fx.engine.ActiveSessions() == 0 })

	if s.Outcome() != OutcomeHumanConfirmed {
		t.Errorf("outcome = %s, want human_confirmed", s.Outcome())
	}
	got := fx.sink.outcomes()
	if len(got) != 1 || got[0].Result != events.ResultChallengePassed {
		t.Fatalf("outcomes = %+v, want one challenge_passed", got)
	}
	if fx.stack.hangupCount() != 0 {
		t.Error("passing the passive challenge must not disconnect the call")
	}
}

func TestActiveCorrectDigitConfirmsHuman(t *testing.T) {
	fx := newFixture(t, ModeActive)
	s := runToAwaitingResponse(t, fx, "c7")

	// A wrong digit is ignored.
	fx.engine.HandleEvent(telephony.Event{
		Type: telephony.EventCallDTMFEnd, ID: "c7",
		Param: fmt.Sprintf("%d", (s.ExpectedDigit+1)%10),
	})
	if fx.engine.ActiveSessions() != 1 {
		t.Fatal("wrong digit must not dispose the session")
	}

	fx.engine.HandleEvent(telephony.Event{
		Type: telephony.EventCallDTMFEnd, ID: "c7",
		Param: fmt.Sprintf("%d", s.ExpectedDigit),
	})

	if s.Outcome() != OutcomeHumanConfirmed {
		t.Errorf("outcome = %s, want human_confirmed", s.Outcome())
	}
	got := fx.sink.outcomes()
	if len(got) != 1 || got[0].Result != events.ResultChallengePassed {
		t.Fatalf("outcomes = %+v, want one challenge_passed", got)
	}
	if fx.stack.hangupCount() != 0 {
		t.Error("confirmed caller must stay connected")
	}
}

func TestActiveTimeoutFailsAndDisconnectsOnce(t *testing.T) {
	fx := newFixture(t, ModeActive)
	s := runToAwaitingResponse(t, fx, "c8")

	waitFor(t, "disposal", func() bool { return fx.engine.ActiveSessions() == 0 })

	if s.Outcome() != OutcomeChallengeFailed {
		t.Errorf("outcome = %s, want challenge_failed", s.Outcome())
	}
	waitFor(t, "hangup", func() bool { return fx.stack.hangupCount() >= 1 })
	// Settle long enough for any second hangup to surface.
	time.Sleep(50 * time.Millisecond)
	if n := fx.stack.hangupCount(); n != 1 {
		t.Errorf("hangups = %d, want exactly one disconnect", n)
	}
	got := fx.sink.outcomes()
	if len(got) != 1 || got[0].Result != events.ResultChallengeFailed || got[0].Reason != "challenge_failed" {
		t.Fatalf("outcomes = %+v, want exactly one challenge_failed", got)
	}
}

func TestDisconnectBeforePromptIsSpam(t *testing.T) {
	fx := newFixture(t, ModePassive)

	fx.engine.HandleEvent(ring("c9", "5550109999"))
	fx.engine.HandleEvent(telephony.Event{Type: telephony.EventCallAnswered, ID: "c9"})
	// Caller bails two beats after answer, before the prompt completes.
	fx.engine.HandleEvent(telephony.Event{Type: telephony.EventCallClosed, ID: "c9"})

	got := fx.sink.outcomes()
	if len(got) != 1 || got[0].Reason != "spam_detected" {
		t.Fatalf("outcomes = %+v, want one spam_detected", got)
	}
	if fx.engine.ActiveSessions() != 0 {
		t.Error("session must be removed on disposal")
	}
}

func TestDoubleDisposalIsIdempotent(t *testing.T) {
	fx := newFixture(t, ModeActive)
	s := runToAwaitingResponse(t, fx, "c10")

	// Disconnect and window expiry race for the same session.
	fx.engine.HandleEvent(telephony.Event{Type: telephony.EventCallClosed, ID: "c10"})
	fx.engine.handleWindowElapsed(s)
	fx.engine.HandleEvent(telephony.Event{Type: telephony.EventCallClosed, ID: "c10"})

	got := fx.sink.outcomes()
	if len(got) != 1 {
		t.Fatalf("expected exactly one outcome event, got %d: %+v", len(got), got)
	}
	if got[0].Reason != "spam_detected" {
		t.Errorf("first disposal wins; reason = %s, want spam_detected", got[0].Reason)
	}
	if s.Outcome() != OutcomeSpamDetected {
		t.Errorf("outcome = %s, want spam_detected (write-once)", s.Outcome())
	}
}

func TestGuardExtendedByProgress(t *testing.T) {
	fx := newFixture(t, ModePassive)
	fx.engine.window = 500 * time.Millisecond
	fx.engine.guard = 150 * time.Millisecond

	fx.engine.HandleEvent(ring("c14", "5550109999"))
	waitFor(t, "accept", func() bool {
		fx.stack.mu.Lock()
		defer fx.stack.mu.Unlock()
		return len(fx.stack.accepted) == 1
	})
	s := fx.engine.table.Get("c14")
	if s == nil {
		t.Fatal("expected a challenge session")
	}

	// Progress arrives late but before the creation-time budget runs
	// out; the transition must grant a fresh budget, so the session is
	// still live well past the original deadline.
	time.Sleep(100 * time.Millisecond)
	fx.engine.HandleEvent(telephony.Event{Type: telephony.EventCallAnswered, ID: "c14"})
	time.Sleep(100 * time.Millisecond)
	if fx.engine.ActiveSessions() != 1 {
		t.Fatal("session making progress must not be disposed by the guard")
	}

	// With no prompt completion the session stops moving and the guard
	// eventually takes it down.
	waitFor(t, "guard disposal", func() bool { return fx.engine.ActiveSessions() == 0 })
	if s.Outcome() != OutcomeChallengeFailed {
		t.Errorf("outcome = %s, want challenge_failed", s.Outcome())
	}
	waitFor(t, "hangup", func() bool { return fx.stack.hangupCount() == 1 })
}

func TestTTSNotReadyFailsImmediately(t *testing.T) {
	fx := newFixture(t, ModePassive)
	fx.stack.ttsDown = true

	fx.engine.HandleEvent(ring("c11", "5550109999"))

	if fx.engine.ActiveSessions() != 0 {
		t.Error("no session when audio is unavailable")
	}
	waitFor(t, "hangup", func() bool { return fx.stack.hangupCount() == 1 })
	got := fx.sink.outcomes()
	if len(got) != 1 || got[0].Result != events.ResultChallengeFailed {
		t.Fatalf("outcomes = %+v, want one challenge_failed", got)
	}
}

func TestAcceptFailureFailsChallenge(t *testing.T) {
	fx := newFixture(t, ModePassive)
	fx.stack.acceptErr = fmt.Errorf("no such call")

	fx.engine.HandleEvent(ring("c12", "5550109999"))

	waitFor(t, "disposal", func() bool { return fx.engine.ActiveSessions() == 0 })
	got := fx.sink.outcomes()
	if len(got) != 1 || got[0].Result != events.ResultChallengeFailed {
		t.Fatalf("outcomes = %+v, want one challenge_failed", got)
	}
}

func TestActiveRepeatPromptPlaysOnce(t *testing.T) {
	fx := newFixture(t, ModeActive)
	runToAwaitingResponse(t, fx, "c13")

	// Midway through the window the reminder plays; its PLAY_FINISHED
	// must not rearm anything.
	waitFor(t, "repeat prompt", func() bool { return fx.stack.spokenCount() == 2 })
	fx.engine.HandleEvent(telephony.Event{Type: telephony.EventPlayFinished, ID: "c13"})

	waitFor(t, "disposal", func() bool { return fx.engine.ActiveSessions() == 0 })
	if got := fx.sink.outcomes(); len(got) != 1 {
		t.Fatalf("expected one outcome, got %d", len(got))
	}
}
