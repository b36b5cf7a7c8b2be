// Package policy decides per-principal visibility of services.
//
// Evaluation is a pure function of the principal and the service record:
// no I/O happens at query time. Attribute predicates are CEL expressions
// compiled once and cached.
package policy

import (
	"github.com/kpath-ai/kpath/pkg/registry"
)

// Evaluator applies visibility policies.
type Evaluator struct {
	adminRole  string
	predicates *predicateCache
}

// NewEvaluator creates an evaluator. adminRole holders bypass all
// restriction checks; empty selects the default "admin".
func NewEvaluator(adminRole string) *Evaluator {
	if adminRole == "" {
		adminRole = "admin"
	}
	return &Evaluator{
		adminRole:  adminRole,
		predicates: newPredicateCache(),
	}
}

// Visible reports whether the principal may see the service in results.
func (e *Evaluator) Visible(principal *registry.Principal, service *registry.Service) bool {
	if service.Visibility.Kind != registry.VisibilityRestricted {
		return true
	}
	if principal.HasRole(e.adminRole) {
		return true
	}

	allowed := false
	for _, role := range service.Visibility.AllowedRoles {
		if principal.HasRole(role) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	if pred := service.Visibility.AttributePredicate; pred != "" {
		return e.predicates.evaluate(pred, principal.Attributes)
	}
	return true
}

// Filter returns the subset of services visible to the principal,
// preserving order.
func (e *Evaluator) Filter(principal *registry.Principal, services []*registry.Service) []*registry.Service {
	out := services[:0:0]
	for _, svc := range services {
		if e.Visible(principal, svc) {
			out = append(out, svc)
		}
	}
	return out
}
