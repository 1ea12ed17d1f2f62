package screener

import (
	"fmt"
	"time"
)

// Challenge variants. Exactly one is active per deployment; they are
// alternative policies, not layers.
const (
	// ModeActive requires the caller to key the announced digit.
	ModeActive = "active"
	// ModePassive treats staying connected through the whole response
	// window as proof of a human caller. DTMF delivery from ringing
	// calls is unreliable on many platforms, so this is the default.
	ModePassive = "passive"
)

// Policies for callers that match nothing.
const (
	// UnknownChallenge answers and runs the voice challenge.
	UnknownChallenge = "challenge"
	// UnknownSilence neither answers nor challenges: the call is left
	// unanswered and logged for later review.
	UnknownSilence = "silence"
)

// Config holds the engine's policy knobs. Loaded from the environment
// via config.New[screener.Config].
type Config struct {
	ChallengeMode string `env:"CHALLENGE_MODE" envDefault:"passive"`
	UnknownPolicy string `env:"UNKNOWN_POLICY" envDefault:"challenge"`

	// SuffixLen is the trailing-digit count for number comparison.
	SuffixLen int `env:"SUFFIX_LEN" envDefault:"9"`

	// SettleDelayMs is the fixed pause between answering and speaking.
	// Answering and immediately speaking races the audio channel setup
	// on real hardware.
	SettleDelayMs int `env:"SETTLE_DELAY_MS" envDefault:"500"`

	// ChallengeTimeoutSec is the response window armed when the prompt
	// finishes playing.
	ChallengeTimeoutSec int `env:"CHALLENGE_TIMEOUT_SEC" envDefault:"15"`

	// RejectStatusCode is sent with the hangup for blocklisted callers.
	RejectStatusCode int `env:"REJECT_SCODE" envDefault:"603"`

	Verbose bool `env:"VERBOSE" envDefault:"false"`
}

// Validate rejects impossible knob combinations up front.
func (c *Config) Validate() error {
	switch c.ChallengeMode {
	case ModeActive, ModePassive:
	default:
		return fmt.Errorf("invalid CHALLENGE_MODE %q (want active|passive)", c.ChallengeMode)
	}
	switch c.UnknownPolicy {
	case UnknownChallenge, UnknownSilence:
	default:
		return fmt.Errorf("invalid UNKNOWN_POLICY %q (want challenge|silence)", c.UnknownPolicy)
	}
	if c.SuffixLen < 0 {
		return fmt.Errorf("SUFFIX_LEN must be >= 0")
	}
	if c.SettleDelayMs < 0 {
		return fmt.Errorf("SETTLE_DELAY_MS must be >= 0")
	}
	if c.ChallengeTimeoutSec <= 0 {
		return fmt.Errorf("CHALLENGE_TIMEOUT_SEC must be > 0")
	}
	return nil
}

func (c *Config) settleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

func (c *Config) challengeTimeout() time.Duration {
	return time.Duration(c.ChallengeTimeoutSec) * time.Second
}
