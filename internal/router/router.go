// Package router binds a model name to a provider id by longest-prefix
// match over a configured routing table.
package router

import (
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Resolve picks a provider id for model:
//  1. reject malformed model names;
//  2. scan every rule for prefixes of model (config.Load also pre-sorts
//     rules by decreasing prefix length);
//  3. return the longest matching prefix, the earliest rule winning a tie;
//  4. else the default provider, or ModelNotFound.
//
// Routing is pure; it does not consult instance health — that happens once
// a provider id is known, when its load balancer selects an instance.
func Resolve(routing config.RoutingConfig, model string) (string, error) {
	if !config.ValidModelName(model) {
		return "", apierr.Newf(apierr.KindModelNotFound, "invalid model name %q", model)
	}
	best := -1
	for i, rule := range routing.Rules {
		if hasPrefix(model, rule.Prefix) && (best < 0 || len(rule.Prefix) > len(routing.Rules[best].Prefix)) {
			best = i
		}
	}
	if best >= 0 {
		return routing.Rules[best].ProviderID, nil
	}
	if routing.DefaultProvider != "" {
		return routing.DefaultProvider, nil
	}
	return "", apierr.Newf(apierr.KindModelNotFound, "no route for model %q", model)
}

func hasPrefix(s, prefix string) bool {
	if len(prefix) == 0 || len(prefix) > len(s) {
		return false
	}
	return s[:len(prefix)] == prefix
}
