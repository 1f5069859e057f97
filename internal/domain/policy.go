package domain

import "strings"

type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectDeny  PolicyEffect = "deny"
)

func ParsePolicyEffect(value string) (PolicyEffect, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "allow":
		return EffectAllow, true
	case "deny":
		return EffectDeny, true
	default:
		return "", false
	}
}

// PolicyRule matches fully-qualified tool names by exact string or glob
// pattern and maps them to an effect.
type PolicyRule struct {
	Pattern string
	Effect  PolicyEffect
}

// PolicySet is one immutable policy snapshot. Default is the explicit
// decision when no rule matches; the loader refuses a policy without it.
type PolicySet struct {
	Default PolicyEffect
	Rules   []PolicyRule
}
