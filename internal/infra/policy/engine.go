// Package policy decides which tool calls the proxy is willing to route.
package policy

import (
	"fmt"
	"sync/atomic"

	"github.com/gobwas/glob"

	"mcpfed/internal/domain"
)

type compiledRule struct {
	pattern string
	matcher glob.Glob
	effect  domain.PolicyEffect
}

type snapshot struct {
	defaultEffect domain.PolicyEffect
	rules         []compiledRule
}

// Engine evaluates tool names against a compiled rule set. Evaluation
// reads an atomic snapshot, so a hot reload never blocks a call and every
// call sees one consistent rule set.
type Engine struct {
	current atomic.Pointer[snapshot]
}

func NewEngine(set domain.PolicySet) (*Engine, error) {
	e := &Engine{}
	if err := e.Replace(set); err != nil {
		return nil, err
	}
	return e, nil
}

// Replace compiles and swaps in a new rule set. On compile error the
// previous set stays in effect.
func (e *Engine) Replace(set domain.PolicySet) error {
	compiled, err := compile(set)
	if err != nil {
		return err
	}
	e.current.Store(compiled)
	return nil
}

// Authorize decides one call. A rule matches when its pattern matches the
// fully-qualified name or the local name; a pattern written against
// either form works. Deny always beats allow, and the explicit default
// effect applies when nothing matches.
func (e *Engine) Authorize(qualifiedName, localName string) domain.PolicyEffect {
	snap := e.current.Load()
	decision := snap.defaultEffect
	matched := false
	for _, rule := range snap.rules {
		if !rule.matcher.Match(qualifiedName) && !rule.matcher.Match(localName) {
			continue
		}
		if rule.effect == domain.EffectDeny {
			return domain.EffectDeny
		}
		matched = true
	}
	if matched {
		return domain.EffectAllow
	}
	return decision
}

// Allows reports whether the catalog may publish a tool at all. Tools the
// policy would never route are filtered out of the aggregated catalog.
func (e *Engine) Allows(qualifiedName, localName string) bool {
	return e.Authorize(qualifiedName, localName) == domain.EffectAllow
}

func compile(set domain.PolicySet) (*snapshot, error) {
	if set.Default != domain.EffectAllow && set.Default != domain.EffectDeny {
		return nil, domain.E(domain.CodeInvalidConfig, "policy.compile",
			fmt.Sprintf("default effect %q must be allow or deny", set.Default), nil)
	}
	rules := make([]compiledRule, 0, len(set.Rules))
	for i, rule := range set.Rules {
		if rule.Effect != domain.EffectAllow && rule.Effect != domain.EffectDeny {
			return nil, domain.E(domain.CodeInvalidConfig, "policy.compile",
				fmt.Sprintf("rules[%d]: effect %q must be allow or deny", i, rule.Effect), nil)
		}
		matcher, err := glob.Compile(rule.Pattern)
		if err != nil {
			return nil, domain.E(domain.CodeInvalidConfig, "policy.compile",
				fmt.Sprintf("rules[%d]: pattern %q: %v", i, rule.Pattern, err), nil)
		}
		rules = append(rules, compiledRule{
			pattern: rule.Pattern,
			matcher: matcher,
			effect:  rule.Effect,
		})
	}
	return &snapshot{
		defaultEffect: set.Default,
		rules:         rules,
	}, nil
}
