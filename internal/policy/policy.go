// Package policy holds the call-admission decision: given what we know
// about a caller (contact status, whitelist, blocklist), produce a
// Verdict. The decision order is a contract, not an accident — contacts
// beat the whitelist, the whitelist beats the blocklist, and anything
// left over gets challenged rather than rejected outright.
package policy

import (
	"github.com/quietline/quietline/internal/numbers"
)

// Action is the top-level disposition for a ringing call.
type Action int

const (
	ActionAllow Action = iota
	ActionReject
	ActionChallenge
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionReject:
		return "reject"
	case ActionChallenge:
		return "challenge"
	}
	return "unknown"
}

// Reason records which rule produced the verdict.
type Reason string

const (
	ReasonContactMatch   Reason = "contact_match"
	ReasonWhitelistMatch Reason = "whitelist_match"
	ReasonBlocklistMatch Reason = "blocklist_match"
	ReasonUnknown        Reason = "unknown"
)

// Verdict is the engine's decision for a single call. Produced once,
// immutable thereafter.
type Verdict struct {
	Action Action
	Reason Reason
}

func Allow(r Reason) Verdict  { return Verdict{Action: ActionAllow, Reason: r} }
func Reject(r Reason) Verdict { return Verdict{Action: ActionReject, Reason: r} }
func Challenge() Verdict      { return Verdict{Action: ActionChallenge, Reason: ReasonUnknown} }

// Classify maps a caller to a verdict. First match wins:
//
//  1. empty caller id  -> Allow(Unknown): nothing to evaluate, fail open
//  2. contact          -> Allow(ContactMatch)
//  3. whitelist        -> Allow(WhitelistMatch)
//  4. blocklist        -> Reject(BlocklistMatch)
//  5. otherwise        -> Challenge
//
// isContact and both sets are resolved by the caller, so this function
// is pure and has no failure modes.
func Classify(callerID string, isContact bool, whitelist, blocklist *numbers.Set) Verdict {
	if numbers.Normalize(callerID) == "" {
		return Allow(ReasonUnknown)
	}
	if isContact {
		return Allow(ReasonContactMatch)
	}
	if whitelist.Contains(callerID) {
		return Allow(ReasonWhitelistMatch)
	}
	if blocklist.Contains(callerID) {
		return Reject(ReasonBlocklistMatch)
	}
	return Challenge()
}
