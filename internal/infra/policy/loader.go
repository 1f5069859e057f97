package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mcpfed/internal/domain"
)

type policyFile struct {
	Default string           `yaml:"default"`
	Rules   []policyRuleYAML `yaml:"rules"`
}

type policyRuleYAML struct {
	Pattern string `yaml:"pattern"`
	Effect  string `yaml:"effect"`
}

// Load parses a policy file. The default effect is mandatory: a policy
// that does not say what happens to unmatched tools is ambiguous, and
// ambiguity here means accidentally exposed tools.
func Load(path string) (domain.PolicySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.PolicySet{}, domain.E(domain.CodeInvalidConfig, "policy.load",
			fmt.Sprintf("read %s: %v", path, err), nil)
	}
	return Parse(raw)
}

func Parse(raw []byte) (domain.PolicySet, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return domain.PolicySet{}, domain.E(domain.CodeInvalidConfig, "policy.parse",
			fmt.Sprintf("decode policy: %v", err), nil)
	}

	defaultEffect, ok := domain.ParsePolicyEffect(file.Default)
	if !ok {
		return domain.PolicySet{}, domain.E(domain.CodeInvalidConfig, "policy.parse",
			fmt.Sprintf("default %q must be allow or deny", file.Default), nil)
	}

	rules := make([]domain.PolicyRule, 0, len(file.Rules))
	for i, rule := range file.Rules {
		if rule.Pattern == "" {
			return domain.PolicySet{}, domain.E(domain.CodeInvalidConfig, "policy.parse",
				fmt.Sprintf("rules[%d]: pattern is required", i), nil)
		}
		effect, ok := domain.ParsePolicyEffect(rule.Effect)
		if !ok {
			return domain.PolicySet{}, domain.E(domain.CodeInvalidConfig, "policy.parse",
				fmt.Sprintf("rules[%d]: effect %q must be allow or deny", i, rule.Effect), nil)
		}
		rules = append(rules, domain.PolicyRule{
			Pattern: rule.Pattern,
			Effect:  effect,
		})
	}

	return domain.PolicySet{
		Default: defaultEffect,
		Rules:   rules,
	}, nil
}
