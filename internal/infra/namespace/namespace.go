// Package namespace implements the qualified tool-name scheme that keeps
// downstream tool sets from colliding in the aggregated catalog.
package namespace

import (
	"fmt"
	"strings"

	"mcpfed/internal/domain"
)

// Qualify prefixes a downstream-local tool name with its namespace.
func Qualify(ns, localName string) string {
	return ns + domain.NamespaceSeparator + localName
}

// Resolve splits a fully-qualified tool name into its namespace and local
// name. The namespace is everything before the first separator, so local
// names may themselves contain separators. A name without a separator, or
// with an empty namespace or local part, is malformed.
func Resolve(qualified string) (ns, localName string, err error) {
	idx := strings.Index(qualified, domain.NamespaceSeparator)
	if idx < 0 {
		return "", "", domain.E(domain.CodeInvalidArgument, "namespace.resolve",
			fmt.Sprintf("tool name %q has no namespace prefix", qualified), domain.ErrMalformedToolName)
	}
	ns = qualified[:idx]
	localName = qualified[idx+len(domain.NamespaceSeparator):]
	if ns == "" || localName == "" {
		return "", "", domain.E(domain.CodeInvalidArgument, "namespace.resolve",
			fmt.Sprintf("tool name %q is malformed", qualified), domain.ErrMalformedToolName)
	}
	return ns, localName, nil
}

// Strip removes the namespace prefix if the qualified name belongs to ns.
// The second result reports whether the name was in ns at all.
func Strip(ns, qualified string) (string, bool) {
	prefix := ns + domain.NamespaceSeparator
	if !strings.HasPrefix(qualified, prefix) {
		return qualified, false
	}
	return qualified[len(prefix):], true
}
