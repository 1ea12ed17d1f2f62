package policy

import (
	"testing"

	"github.com/quietline/quietline/internal/numbers"
)

func TestClassifyContactBeatsEverything(t *testing.T) {
	// Even a blocklisted number gets through when it is a contact.
	wl := numbers.NewSet(nil, 9)
	bl := numbers.NewSet([]string{"5551234567"}, 9)

	v := Classify("5551234567", true, wl, bl)
	if v.Action != ActionAllow || v.Reason != ReasonContactMatch {
		t.Errorf("got %v/%v, want allow/contact_match", v.Action, v.Reason)
	}
}

func TestClassifyWhitelistBeatsBlocklist(t *testing.T) {
	wl := numbers.NewSet([]string{"5551234567"}, 9)
	bl := numbers.NewSet([]string{"5551234567"}, 9)

	v := Classify("5551234567", false, wl, bl)
	if v.Action != ActionAllow || v.Reason != ReasonWhitelistMatch {
		t.Errorf("got %v/%v, want allow/whitelist_match", v.Action, v.Reason)
	}
}

func TestClassifyBlocklist(t *testing.T) {
	wl := numbers.NewSet(nil, 7)
	bl := numbers.NewSet([]string{"1234567"}, 7)

	v := Classify("5551234567", false, wl, bl)
	if v.Action != ActionReject || v.Reason != ReasonBlocklistMatch {
		t.Errorf("got %v/%v, want reject/blocklist_match", v.Action, v.Reason)
	}
}

func TestClassifyUnknownCallerIsChallenged(t *testing.T) {
	wl := numbers.NewSet([]string{"1112223333"}, 9)
	bl := numbers.NewSet([]string{"4445556666"}, 9)

	v := Classify("5551234567", false, wl, bl)
	if v.Action != ActionChallenge {
		t.Errorf("got %v, want challenge", v.Action)
	}
}

func TestClassifyEmptyCallerIDFailsOpen(t *testing.T) {
	bl := numbers.NewSet([]string{"5551234567"}, 9)

	for _, id := range []string{"", "anonymous", "---"} {
		v := Classify(id, false, numbers.NewSet(nil, 9), bl)
		if v.Action != ActionAllow || v.Reason != ReasonUnknown {
			t.Errorf("Classify(%q): got %v/%v, want allow/unknown", id, v.Action, v.Reason)
		}
	}
}

func TestClassifySuffixTolerance(t *testing.T) {
	// Blocklist stores the bare national number; caller presents with
	// country code. Suffix matching must still reject.
	bl := numbers.NewSet([]string{"5551234567"}, 9)

	v := Classify("+15551234567", false, numbers.NewSet(nil, 9), bl)
	if v.Action != ActionReject {
		t.Errorf("got %v, want reject under 9-digit suffix policy", v.Action)
	}
}
