package model

import (
	"sort"
	"strings"
)

// PropertyKey identifies a property, segments joined by colons as in
// "check:expected".
type PropertyKey string

// Well-known property keys.
const (
	// KeyExpected records whether observed behavior matched the declaration.
	KeyExpected PropertyKey = "check:expected"
	// KeyProtocol prefixes protocol-specific checks.
	KeyProtocol PropertyKey = "check:protocol"
	// KeyAuthentication prefixes authentication checks.
	KeyAuthentication PropertyKey = "check:auth"
	// KeyEncryption prefixes encryption best-practice checks.
	KeyEncryption PropertyKey = "check:encryption"
	// KeyDataConfirmed records confirmed presence of sensitive data.
	KeyDataConfirmed PropertyKey = "check:data"
)

// Append adds a segment to the key.
func (k PropertyKey) Append(segment string) PropertyKey {
	return k + PropertyKey(":"+segment)
}

// Segments splits the key into its name segments.
func (k PropertyKey) Segments() []string { return strings.Split(string(k), ":") }

// Authority tells who produced a property verdict.
type Authority string

const (
	// AuthorityModel marks verdicts produced by reconciliation itself.
	AuthorityModel Authority = "Model"
	// AuthorityTool marks verdicts imported from tool output.
	AuthorityTool Authority = "Tool"
	// AuthorityManual marks verdicts asserted by a human reviewer.
	AuthorityManual Authority = "Manual"
)

// PropertyValue is one recorded verdict for a property key.
type PropertyValue struct {
	Verdict     Verdict
	Explanation string
	Source      string // evidence source label
	Authority   Authority
}

// PropertyStore keeps every verdict ever recorded per key. Writes never
// overwrite each other; the resolved verdict is folded at read time, so the
// audit trail of who claimed what survives aggregation.
type PropertyStore struct {
	values map[PropertyKey][]PropertyValue
}

// Set records a value for a key, retaining earlier values.
func (s *PropertyStore) Set(key PropertyKey, value PropertyValue) {
	if s.values == nil {
		s.values = map[PropertyKey][]PropertyValue{}
	}
	s.values[key] = append(s.values[key], value)
}

// Resolve folds all recorded verdicts for the key.
func (s *PropertyStore) Resolve(key PropertyKey) Verdict {
	vals := s.values[key]
	verdicts := make([]Verdict, len(vals))
	for i, v := range vals {
		verdicts[i] = v.Verdict
	}
	return UpdateVerdicts(verdicts...)
}

// Has reports whether any value was recorded for the key.
func (s *PropertyStore) Has(key PropertyKey) bool {
	return len(s.values[key]) > 0
}

// Explanation returns the explanation of the latest value carrying the
// resolved verdict, or the latest explanation at all.
func (s *PropertyStore) Explanation(key PropertyKey) string {
	vals := s.values[key]
	if len(vals) == 0 {
		return ""
	}
	resolved := s.Resolve(key)
	last := ""
	for _, v := range vals {
		if v.Explanation == "" {
			continue
		}
		last = v.Explanation
		if v.Verdict == resolved {
			return v.Explanation
		}
	}
	return last
}

// Values returns all recorded values for the key, in write order.
func (s *PropertyStore) Values(key PropertyKey) []PropertyValue {
	return s.values[key]
}

// Keys lists all keys with recorded values, sorted.
func (s *PropertyStore) Keys() []PropertyKey {
	keys := make([]PropertyKey, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ResolveAll folds the resolved verdicts of every key via aggregation,
// suitable for rolling a whole store into one verdict.
func (s *PropertyStore) ResolveAll() Verdict {
	verdicts := make([]Verdict, 0, len(s.values))
	for k := range s.values {
		verdicts = append(verdicts, s.Resolve(k))
	}
	return AggregateVerdicts(verdicts...)
}
