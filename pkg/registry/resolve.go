package registry

import (
	"fmt"
	"log/slog"
)

const resolveLogPrefix = "registry:resolve"

// Resolve maps a service type plus an optional tenant id to exactly one
// endpoint.
//
// Algorithm:
//  1. Collect all skills whose `type` tag equals serviceType.
//  2. If any matching skill carries a `tenant_id` tag the type is
//     tenant-scoped: restrict to skills whose tenant matches tenantID
//     (AGENT_NOT_FOUND when tenantID is empty or nothing matches).
//  3. Otherwise the type is global and tenantID is ignored.
//  4. Exactly one distinct card must remain: zero is AGENT_NOT_FOUND, more
//     than one is AMBIGUOUS_SERVICE_MATCH (a configuration defect, never
//     retried).
//
// Resolution is a pure read against the snapshot.
func (s *Snapshot) Resolve(serviceType, tenantID string) (*Endpoint, error) {
	matches := s.byType[serviceType]
	if len(matches) == 0 {
		return nil, NewError(CodeAgentNotFound,
			fmt.Sprintf("no agent registered for service type %q", serviceType))
	}

	tenantScoped := false
	for _, m := range matches {
		if m.skill.TenantID() != "" {
			tenantScoped = true
			break
		}
	}

	if tenantScoped {
		if tenantID == "" {
			return nil, NewError(CodeAgentNotFound,
				fmt.Sprintf("service type %q is tenant-scoped but no tenant id was supplied", serviceType))
		}
		filtered := matches[:0:0]
		for _, m := range matches {
			if m.skill.TenantID() == tenantID {
				filtered = append(filtered, m)
			}
		}
		matches = filtered
		if len(matches) == 0 {
			return nil, NewError(CodeAgentNotFound,
				fmt.Sprintf("no agent for service type %q and tenant %q", serviceType, tenantID))
		}
	}

	// Distinct cards remaining after filtering. Multiple skills on one card
	// are fine; multiple cards are a registry configuration defect.
	var found *ServiceCard
	for _, m := range matches {
		if found == nil {
			found = m.card
			continue
		}
		if found != m.card {
			return nil, NewError(CodeAmbiguousServiceMatch,
				fmt.Sprintf("service type %q matches multiple cards (%q, %q)", serviceType, found.Name, m.card.Name))
		}
	}

	slog.Debug(fmt.Sprintf("%s - type=%s tenant=%s card=%s", resolveLogPrefix, serviceType, tenantID, found.Name))
	return &Endpoint{CardName: found.Name, URL: found.URL}, nil
}
