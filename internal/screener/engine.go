// Package screener decides what happens to each incoming call: let it
// ring, reject it, or answer it and put the caller through a voice
// challenge. It owns the table of live challenge sessions and drives
// each one through its state machine in response to call events and
// timers.
package screener

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/quietline/quietline/internal/directory"
	"github.com/quietline/quietline/internal/events"
	"github.com/quietline/quietline/internal/metrics"
	"github.com/quietline/quietline/internal/numbers"
	"github.com/quietline/quietline/internal/policy"
	"github.com/quietline/quietline/internal/telephony"
)

// CallControl issues call commands to the voice stack. Commands take
// effect asynchronously; results come back as events, and the engine
// never retries a failed command.
type CallControl interface {
	Accept(callID string) error
	Hangup(callID string, scode int, reason string) error
}

// Prompter speaks into an answered call. Completion arrives later as a
// PLAY_FINISHED event, not as a return value.
type Prompter interface {
	Say(callID, text string) error
	TTSReady() bool
}

// Engine classifies ringing calls and runs challenge sessions.
type Engine struct {
	cfg    *Config
	calls  CallControl
	prompt Prompter
	dir    directory.Provider
	sink   events.Sink
	table  *sessionTable
	seen   *seenCalls

	settle time.Duration
	window time.Duration
	guard  time.Duration
}

// New creates an engine. cfg must have passed Validate.
func New(cfg *Config, calls CallControl, prompt Prompter, dir directory.Provider, sink events.Sink) *Engine {
	return &Engine{
		cfg:    cfg,
		calls:  calls,
		prompt: prompt,
		dir:    dir,
		sink:   sink,
		table:  newSessionTable(),
		seen:   newSeenCalls(10 * time.Minute),
		settle: cfg.settleDelay(),
		window: cfg.challengeTimeout(),
		guard:  cfg.settleDelay() + 2*cfg.challengeTimeout() + 5*time.Second,
	}
}

// Run consumes voice-stack events until ctx is cancelled or the event
// channel closes. All session mutation funnels through here and through
// timer callbacks that re-check phase under the session lock.
func (e *Engine) Run(ctx context.Context, evs <-chan telephony.Event) {
	log.Printf("[Screener] Engine running (mode=%s unknown=%s)", e.cfg.ChallengeMode, e.cfg.UnknownPolicy)
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case ev, ok := <-evs:
			if !ok {
				e.shutdown()
				return
			}
			e.HandleEvent(ev)
		}
	}
}

// shutdown disposes every live session so that no armed timer fires
// against a torn-down engine.
func (e *Engine) shutdown() {
	for _, s := range e.table.All() {
		e.disposeSession(s, OutcomeChallengeFailed, false)
	}
	log.Printf("[Screener] Engine stopped")
}

// ActiveSessions returns the number of live challenge sessions.
func (e *Engine) ActiveSessions() int {
	return e.table.Count()
}

// HandleEvent routes one voice-stack event.
func (e *Engine) HandleEvent(ev telephony.Event) {
	switch ev.Type {
	case telephony.EventCallIncoming, telephony.EventCallRinging:
		// Some stacks emit CALL_RINGING without a prior CALL_INCOMING
		// for incoming calls; treat the first of either as the ring.
		if ev.Direction == "outgoing" {
			return
		}
		if !e.seen.mark(ev.ID) {
			return // second ring signal for a call we already classified
		}
		e.handleRinging(ev)

	case telephony.EventCallAnswered, telephony.EventCallEstablished:
		e.handleAnswered(ev)

	case telephony.EventPlayFinished:
		e.handlePlayFinished(ev)

	case telephony.EventPlayError:
		e.handlePlayError(ev)

	case telephony.EventCallDTMFEnd:
		e.handleDTMF(ev)

	case telephony.EventCallClosed:
		e.handleClosed(ev)

	default:
		if e.cfg.Verbose {
			log.Printf("[Screener] Unhandled event: %s", ev.Type)
		}
	}
}

// handleRinging classifies the caller and carries out the verdict.
func (e *Engine) handleRinging(ev telephony.Event) {
	callerID := numbers.ExtractPhoneFromURI(ev.PeerURI)
	snap := e.dir.Snapshot()

	// A contact-lookup failure inside the provider resolves to false;
	// the snapshot sets are local, so this whole path is bounded.
	verdict := policy.Classify(callerID, e.dir.IsContact(callerID), snap.Whitelist, snap.Blocklist)
	metrics.Verdicts.WithLabelValues(verdict.Action.String(), string(verdict.Reason)).Inc()

	log.Printf("[Screener] Call %s from %q: %s (%s)", ev.ID, callerID, verdict.Action, verdict.Reason)

	switch verdict.Action {
	case policy.ActionAllow:
		// Let it ring. No command; one outcome event.
		e.sink.Publish(events.NewOutcome(callerID, events.ResultAllowed, allowReason(verdict.Reason)))

	case policy.ActionReject:
		e.hangupAsync(ev.ID, e.cfg.RejectStatusCode, "Rejected")
		e.sink.Publish(events.NewOutcome(callerID, events.ResultBlocked, rejectReason(verdict.Reason)))

	case policy.ActionChallenge:
		if e.cfg.UnknownPolicy == UnknownSilence {
			// Leave the call unanswered and log it for review.
			e.sink.Publish(events.NewOutcome(callerID, events.ResultBlocked, "unknown_silenced"))
			return
		}
		e.startChallenge(ev.ID, callerID)
	}
}

func allowReason(r policy.Reason) string {
	switch r {
	case policy.ReasonContactMatch:
		return "contact_allowed"
	case policy.ReasonWhitelistMatch:
		return "whitelist_allowed"
	default:
		return "unknown_allowed"
	}
}

func rejectReason(r policy.Reason) string {
	switch r {
	case policy.ReasonBlocklistMatch:
		return "blocklist_rejected"
	default:
		return "rejected"
	}
}

// startChallenge creates the session and issues the answer command.
func (e *Engine) startChallenge(callID, callerID string) {
	if !e.prompt.TTSReady() {
		// No audio means no challenge. A half-answered call holding the
		// active-call slot is worse than a dropped verification, so
		// fail the session immediately instead of waiting.
		log.Printf("[Screener] TTS not ready, failing challenge for %s", callerID)
		e.hangupAsync(callID, 480, "Unavailable")
		e.sink.Publish(events.NewOutcome(callerID, events.ResultChallengeFailed, "challenge_failed"))
		metrics.ChallengeOutcomes.WithLabelValues(OutcomeChallengeFailed.String()).Inc()
		return
	}

	s := NewSession(callID, callerID, rand.Intn(10))
	if !e.table.Insert(s) {
		log.Printf("[Screener] Session already exists for call %s", callID)
		return
	}
	metrics.ActiveSessions.Set(float64(e.table.Count()))

	// Guard against calls that never progress (answer lost, no close
	// event). Each later phase transition re-arms it, so a session only
	// trips the guard when it stops moving entirely.
	e.extendGuard(s)

	log.Printf("[Screener] Challenging %s (call %s, digit %d)", callerID, callID, s.ExpectedDigit)

	go func() {
		if err := e.calls.Accept(callID); err != nil {
			log.Printf("[Screener] Accept failed for %s: %v", callID, err)
			e.disposeSession(s, OutcomeChallengeFailed, true)
		}
	}()
}

// handleAnswered moves Created -> Answered and schedules the prompt
// after the settle delay.
func (e *Engine) handleAnswered(ev telephony.Event) {
	s := e.table.Get(ev.ID)
	if s == nil {
		// Allowed calls get answered by the user; nothing to do.
		if e.cfg.Verbose {
			log.Printf("[Screener] %s for untracked call %s", ev.Type, ev.ID)
		}
		return
	}
	if !s.advance(PhaseCreated, PhaseAnswered) {
		return // duplicate ANSWERED/ESTABLISHED, or already disposed
	}
	e.extendGuard(s)

	s.armTimer(&s.settleTimer, time.AfterFunc(e.settle, func() {
		e.playPrompt(s)
	}))
}

// playPrompt moves Answered -> PromptPlaying and asks TTS to speak.
func (e *Engine) playPrompt(s *Session) {
	if !s.advance(PhaseAnswered, PhasePromptPlaying) {
		return
	}
	// Playback length is up to the TTS engine, so give the prompt a
	// fresh stall budget rather than charging it against the old one.
	e.extendGuard(s)

	var text string
	if e.cfg.ChallengeMode == ModeActive {
		text = fmt.Sprintf("Hello. To verify you are not a spam caller, please press %d on your keypad.", s.ExpectedDigit)
	} else {
		text = "Hello. This call is being screened. Please hold and you will be connected shortly."
	}

	if err := e.prompt.Say(s.CallID, text); err != nil {
		log.Printf("[Screener] Prompt failed for %s: %v", s.CallID, err)
		e.disposeSession(s, OutcomeChallengeFailed, true)
	}
}

// handlePlayFinished moves PromptPlaying -> AwaitingResponse and arms
// the response window. Repeat prompts finishing later are no-ops.
func (e *Engine) handlePlayFinished(ev telephony.Event) {
	s := e.table.Get(ev.ID)
	if s == nil {
		return
	}
	if !s.advance(PhasePromptPlaying, PhaseAwaitingResponse) {
		return
	}
	e.extendGuard(s)

	s.armTimer(&s.responseTimer, time.AfterFunc(e.window, func() {
		e.handleWindowElapsed(s)
	}))

	if e.cfg.ChallengeMode == ModeActive {
		// One mid-window reminder, as callers often miss the first ask.
		s.armTimer(&s.repeatTimer, time.AfterFunc(e.window/2, func() {
			e.repeatPrompt(s)
		}))
	}
}

func (e *Engine) repeatPrompt(s *Session) {
	if s.Phase() != PhaseAwaitingResponse {
		return
	}
	text := fmt.Sprintf("Again: press %d to connect. Otherwise this call will end.", s.ExpectedDigit)
	if err := e.prompt.Say(s.CallID, text); err != nil {
		log.Printf("[Screener] Repeat prompt failed for %s: %v", s.CallID, err)
		e.disposeSession(s, OutcomeChallengeFailed, true)
	}
}

// handlePlayError treats a failed playback as an engine-side failure.
func (e *Engine) handlePlayError(ev telephony.Event) {
	s := e.table.Get(ev.ID)
	if s == nil {
		return
	}
	log.Printf("[Screener] Playback error for %s: %s", ev.ID, ev.Param)
	e.disposeSession(s, OutcomeChallengeFailed, true)
}

// handleDTMF confirms the caller in active mode when the keyed digit
// matches during the response window. Wrong digits are ignored; the
// caller can retry until the window closes.
func (e *Engine) handleDTMF(ev telephony.Event) {
	if e.cfg.ChallengeMode != ModeActive {
		return
	}
	s := e.table.Get(ev.ID)
	if s == nil {
		return
	}
	if s.Phase() != PhaseAwaitingResponse {
		return
	}
	if ev.Param != fmt.Sprintf("%d", s.ExpectedDigit) {
		if e.cfg.Verbose {
			log.Printf("[Screener] Wrong digit %q for %s", ev.Param, ev.ID)
		}
		return
	}
	// Correct response: the call stays up and rings through.
	e.disposeSession(s, OutcomeHumanConfirmed, false)
}

// handleWindowElapsed fires when the response window closes with no
// qualifying response. Passive mode reads survival of the full window
// as the response; active mode reads it as failure and disconnects.
func (e *Engine) handleWindowElapsed(s *Session) {
	if e.cfg.ChallengeMode == ModePassive {
		e.disposeSession(s, OutcomeHumanConfirmed, false)
		return
	}
	if e.disposeSession(s, OutcomeChallengeFailed, true) {
		log.Printf("[Screener] Challenge timed out for %s", s.CallID)
	}
}

// handleClosed deals with the caller hanging up. Before disposal that
// is abandonment of the challenge; afterwards it is a late no-op.
func (e *Engine) handleClosed(ev telephony.Event) {
	e.seen.forget(ev.ID)
	s := e.table.Get(ev.ID)
	if s == nil {
		if e.cfg.Verbose {
			log.Printf("[Screener] CALL_CLOSED for untracked call %s", ev.ID)
		}
		return
	}
	if e.disposeSession(s, OutcomeSpamDetected, false) {
		log.Printf("[Screener] Caller %s abandoned the challenge", s.CallerID)
	}
}

// disposeSession performs the exactly-once disposal triple: mark the
// session Disposed (cancelling timers), remove it from the table, and
// emit one outcome event. Returns false when the session was already
// disposed, in which case nothing happens; losing the disposal race is
// expected in an event-driven system, not an error.
func (e *Engine) disposeSession(s *Session, outcome Outcome, hangup bool) bool {
	if !s.dispose(outcome) {
		if e.cfg.Verbose {
			log.Printf("[Screener] Duplicate disposal for %s ignored", s.CallID)
		}
		return false
	}

	e.table.Remove(s.CallID)
	metrics.ActiveSessions.Set(float64(e.table.Count()))
	metrics.ChallengeOutcomes.WithLabelValues(outcome.String()).Inc()

	if hangup {
		e.hangupAsync(s.CallID, 0, "")
	}

	e.sink.Publish(outcomeEvent(s.CallerID, outcome))
	return true
}

func outcomeEvent(callerID string, o Outcome) events.Outcome {
	switch o {
	case OutcomeHumanConfirmed:
		return events.NewOutcome(callerID, events.ResultChallengePassed, "challenge_passed")
	case OutcomeSpamDetected:
		return events.NewOutcome(callerID, events.ResultChallengeFailed, "spam_detected")
	default:
		return events.NewOutcome(callerID, events.ResultChallengeFailed, "challenge_failed")
	}
}

// extendGuard (re)arms the stall guard for a session. armTimer stops
// any previously armed guard, so each call grants a fresh budget.
func (e *Engine) extendGuard(s *Session) {
	s.armTimer(&s.guardTimer, time.AfterFunc(e.guard, func() {
		if e.disposeSession(s, OutcomeChallengeFailed, true) {
			log.Printf("[Screener] Session %s stalled, disposed by guard", s.CallID)
		}
	}))
}

// hangupAsync issues a fire-and-forget hangup. Command failures are
// logged, never retried; the call either tears down or the stack will
// close it on its own.
func (e *Engine) hangupAsync(callID string, scode int, reason string) {
	go func() {
		if err := e.calls.Hangup(callID, scode, reason); err != nil {
			log.Printf("[Screener] Hangup failed for %s: %v", callID, err)
		}
	}()
}
