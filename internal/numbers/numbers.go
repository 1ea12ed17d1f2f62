package numbers

import (
	"regexp"
	"strings"
)

var nonDigit = regexp.MustCompile(`[^\d]`)

// Normalize strips everything but digits from a raw phone number.
// "+1 (555) 010-0123" -> "15550100123". Malformed input simply
// normalizes to a shorter (possibly empty) string.
func Normalize(raw string) string {
	return nonDigit.ReplaceAllString(raw, "")
}

// Suffix returns the last k digits of an already-normalized number,
// or the whole number when it is k digits or shorter.
func Suffix(normalized string, k int) string {
	if k > 0 && len(normalized) > k {
		return normalized[len(normalized)-k:]
	}
	return normalized
}

// Set is an immutable collection of normalized phone numbers built once
// per sync and read by many decisions. Lookup is by exact normalized
// form or by last-suffixLen-digit suffix, which absorbs country-code
// prefix differences ("+15550100123" vs "5550100123").
type Set struct {
	exact     map[string]struct{}
	suffixes  map[string]struct{}
	suffixLen int
}

// NewSet normalizes raw and builds a Set with the given suffix length.
// Entries that normalize to the empty string are dropped.
func NewSet(raw []string, suffixLen int) *Set {
	s := &Set{
		exact:     make(map[string]struct{}, len(raw)),
		suffixes:  make(map[string]struct{}, len(raw)),
		suffixLen: suffixLen,
	}
	for _, r := range raw {
		n := Normalize(r)
		if n == "" {
			continue
		}
		s.exact[n] = struct{}{}
		s.suffixes[Suffix(n, suffixLen)] = struct{}{}
	}
	return s
}

// EmptySet returns a Set with no members.
func EmptySet(suffixLen int) *Set {
	return NewSet(nil, suffixLen)
}

// Contains reports whether candidate matches any member, exactly or by
// suffix. Empty candidates never match.
func (s *Set) Contains(candidate string) bool {
	if s == nil {
		return false
	}
	n := Normalize(candidate)
	if n == "" {
		return false
	}
	if _, ok := s.exact[n]; ok {
		return true
	}
	if s.suffixLen <= 0 {
		return false
	}
	_, ok := s.suffixes[Suffix(n, s.suffixLen)]
	return ok
}

// Len returns the number of distinct normalized members.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.exact)
}

// SuffixLen returns the suffix length the set was built with.
func (s *Set) SuffixLen() int {
	if s == nil {
		return 0
	}
	return s.suffixLen
}

// Matches reports whether candidate matches any member of set, exactly
// or on the last suffixLen digits. This is the one-shot form of
// Set.Contains for callers that don't keep a prebuilt Set.
func Matches(candidate string, set []string, suffixLen int) bool {
	return NewSet(set, suffixLen).Contains(candidate)
}

// ExtractPhoneFromURI extracts a phone number from a SIP or tel URI.
// Examples:
//   - sip:+15551234567@domain.com -> +15551234567
//   - sip:5551234567@domain.com -> 5551234567
//   - tel:+15551234567 -> +15551234567
func ExtractPhoneFromURI(uri string) string {
	uri = strings.TrimPrefix(uri, "sip:")
	uri = strings.TrimPrefix(uri, "tel:")

	if idx := strings.Index(uri, "@"); idx != -1 {
		uri = uri[:idx]
	}
	if idx := strings.Index(uri, ";"); idx != -1 {
		uri = uri[:idx]
	}

	re := regexp.MustCompile(`[^\d+]`)
	return re.ReplaceAllString(uri, "")
}
