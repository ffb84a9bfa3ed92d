package audit

import (
	"net/http"
	"strings"
)

// RiskInput is everything a RiskPolicy may consider.
type RiskInput struct {
	Requested RiskLevel
	Action    string
	Method    string
	Mode      string
}

// RiskPolicy assigns the risk level of an entry.
type RiskPolicy func(RiskInput) RiskLevel

// ExplicitRiskPolicy uses the caller-supplied level, low when none was given.
func ExplicitRiskPolicy(in RiskInput) RiskLevel {
	if in.Requested.Valid() {
		return in.Requested
	}
	return RiskLow
}

// MethodRiskPolicy grades by HTTP method: reads are low, writes medium,
// deletes high. Anything done in act_as mode is at least medium. A higher
// caller-supplied level is never lowered.
func MethodRiskPolicy(in RiskInput) RiskLevel {
	level := RiskLow
	switch strings.ToUpper(in.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		level = RiskMedium
	case http.MethodDelete:
		level = RiskHigh
	}
	if in.Mode == "act_as" {
		level = level.Max(RiskMedium)
	}
	if in.Requested.Valid() {
		level = level.Max(in.Requested)
	}
	return level
}

// PolicyByName maps a config value to a policy, defaulting to explicit.
func PolicyByName(name string) RiskPolicy {
	if name == "method" {
		return MethodRiskPolicy
	}
	return ExplicitRiskPolicy
}
