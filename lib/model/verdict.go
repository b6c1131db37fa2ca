package model

import (
	"fmt"
	"strings"
)

// Status classifies how an entity or connection relates to the declared
// model. Status is assigned once and never downgraded by later evidence.
type Status string

const (
	// StatusPlaceholder marks an entity created but not yet observed or
	// declared. Never reported.
	StatusPlaceholder Status = "Placeholder"
	// StatusExpected marks a declared entity.
	StatusExpected Status = "Expected"
	// StatusUnexpected marks observed behavior conflicting with the
	// declared model.
	StatusUnexpected Status = "Unexpected"
	// StatusExternal marks an entity synthesized purely from observation,
	// with no declared counterpart.
	StatusExternal Status = "External"
)

// Verdict is a compliance judgment on a property.
type Verdict string

const (
	VerdictIncon  Verdict = "Incon"  // inconclusive
	VerdictFail   Verdict = "Fail"   // failed check
	VerdictPass   Verdict = "Pass"   // all checks pass
	VerdictIgnore Verdict = "Ignore" // explicitly ignored
)

var verdictByName = map[string]Verdict{
	"incon": VerdictIncon, "fail": VerdictFail, "pass": VerdictPass, "ignore": VerdictIgnore,
}

// ParseVerdict reads a verdict from a string, case-insensitively.
// An empty string is inconclusive.
func ParseVerdict(value string) (Verdict, error) {
	if value == "" {
		return VerdictIncon, nil
	}
	v, ok := verdictByName[strings.ToLower(value)]
	if !ok {
		return VerdictIncon, fmt.Errorf("unknown verdict %q", value)
	}
	return v, nil
}

// UpdateVerdicts folds verdicts recorded for one property key into a single
// verdict. No verdicts is inconclusive, one is returned as-is, otherwise
// Ignore dominates Fail dominates Pass dominates Incon.
func UpdateVerdicts(verdicts ...Verdict) Verdict {
	if len(verdicts) == 0 {
		return VerdictIncon
	}
	if len(verdicts) == 1 {
		return checked(verdicts[0])
	}
	set := map[Verdict]bool{}
	for _, v := range verdicts {
		set[checked(v)] = true
	}
	for _, v := range []Verdict{VerdictIgnore, VerdictFail, VerdictPass, VerdictIncon} {
		if set[v] {
			return v
		}
	}
	panic(fmt.Sprintf("cannot update verdicts %v", verdicts))
}

// AggregateVerdicts rolls child verdicts up to a parent. Fail dominates
// Pass; everything else, including Ignore, is inconclusive.
func AggregateVerdicts(verdicts ...Verdict) Verdict {
	set := map[Verdict]bool{}
	for _, v := range verdicts {
		set[checked(v)] = true
	}
	for _, v := range []Verdict{VerdictFail, VerdictPass} {
		if set[v] {
			return v
		}
	}
	return VerdictIncon
}

func checked(v Verdict) Verdict {
	switch v {
	case VerdictIncon, VerdictFail, VerdictPass, VerdictIgnore:
		return v
	}
	panic(fmt.Sprintf("invalid verdict %q", string(v)))
}

// ExternalActivity is the policy level for behavior an entity is allowed to
// show beyond the declared model.
type ExternalActivity int

const (
	// ActivityBanned allows no undeclared activity.
	ActivityBanned ExternalActivity = iota
	// ActivityPassive allows being probed but not replying.
	ActivityPassive
	// ActivityOpen allows replies and use of open services.
	ActivityOpen
	// ActivityUnlimited allows any activity, including new client connections.
	ActivityUnlimited
)

var activityNames = [...]string{"Banned", "Passive", "Open", "Unlimited"}

func (a ExternalActivity) String() string {
	if a < ActivityBanned || a > ActivityUnlimited {
		return fmt.Sprintf("ExternalActivity(%d)", int(a))
	}
	return activityNames[a]
}

// ParseExternalActivity reads an activity level from a string,
// case-insensitively.
func ParseExternalActivity(value string) (ExternalActivity, error) {
	for i, n := range activityNames {
		if strings.EqualFold(value, n) {
			return ExternalActivity(i), nil
		}
	}
	return ActivityBanned, fmt.Errorf("unknown external activity %q", value)
}
