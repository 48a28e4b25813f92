package core

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"lobkit/pkg/domain"
)

const relationshipIntegrityName = "relationship_integrity"

// RelationshipIntegrityRule enforces declared relations. Required
// many-to-one references must resolve to an existing principal, and a
// principal cannot be deleted while required dependents still point at it.
// Dangling optional references are reported as warnings.
func RelationshipIntegrityRule(registry *domain.Registry) domain.Rule {
	return relationshipIntegrityRule{registry: registry}
}

type relationshipIntegrityRule struct {
	registry *domain.Registry
}

func (relationshipIntegrityRule) Name() string { return relationshipIntegrityName }

func (r relationshipIntegrityRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if len(changes) == 0 {
		return res, nil
	}
	links, err := r.registry.Links()
	if err != nil {
		return res, err
	}
	links = dedupeLinks(links)

	for _, change := range changes {
		for _, link := range links {
			switch {
			case change.Entity == link.Dependent && change.Action != domain.ActionDelete:
				r.checkReference(&res, view, link, change)
			case change.Entity == link.Principal && change.Action == domain.ActionDelete && link.Relation.Required:
				checkDependents(&res, view, link, change)
			}
		}
	}
	return res, nil
}

func (r relationshipIntegrityRule) checkReference(res *domain.Result, view domain.TransactionView, link domain.Link, change domain.Change) {
	// the dependent may have been removed or changed later in the same transaction
	current, ok := view.Find(change.Entity, change.Key)
	if !ok {
		return
	}
	values := domain.PayloadValues(current.Payload, link.DependentProps)
	if allNil(values) {
		if link.Relation.Required {
			res.Violations = append(res.Violations, relationshipViolation(domain.SeverityBlock, change,
				fmt.Sprintf("%s %s requires %s", change.Entity, link.Relation.Name, link.Principal)))
		}
		return
	}
	if principalExists(r.registry, view, link, values) {
		return
	}
	severity := domain.SeverityWarn
	if link.Relation.Required {
		severity = domain.SeverityBlock
	}
	res.Violations = append(res.Violations, relationshipViolation(severity, change,
		fmt.Sprintf("%s %s references missing %s %s", change.Entity, change.Key, link.Principal, formatValues(values))))
}

func checkDependents(res *domain.Result, view domain.TransactionView, link domain.Link, change domain.Change) {
	want, err := domain.EncodeKey(domain.PayloadValues(change.Before.Raw(), link.PrincipalProps)...)
	if err != nil {
		return
	}
	for _, dep := range view.List(link.Dependent) {
		got, err := domain.EncodeKey(domain.PayloadValues(dep.Payload, link.DependentProps)...)
		if err != nil || got != want {
			continue
		}
		res.Violations = append(res.Violations, relationshipViolation(domain.SeverityBlock, change,
			fmt.Sprintf("%s %s still referenced by %s %s", change.Entity, change.Key, link.Dependent, dep.Key)))
		return
	}
}

func principalExists(registry *domain.Registry, view domain.TransactionView, link domain.Link, values []any) bool {
	want, err := domain.EncodeKey(values...)
	if err != nil {
		return false
	}
	if info, ok := registry.Info(link.Principal); ok && slices.Equal(info.Key, link.PrincipalProps) {
		_, found := view.Find(link.Principal, want)
		return found
	}
	for _, rec := range view.List(link.Principal) {
		got, err := domain.EncodeKey(domain.PayloadValues(rec.Payload, link.PrincipalProps)...)
		if err == nil && got == want {
			return true
		}
	}
	return false
}

func dedupeLinks(links []domain.Link) []domain.Link {
	seen := make(map[string]int, len(links))
	out := make([]domain.Link, 0, len(links))
	for _, l := range links {
		id := fmt.Sprintf("%s|%s|%s|%s", l.Dependent, strings.Join(l.DependentProps, ","), l.Principal, strings.Join(l.PrincipalProps, ","))
		if i, ok := seen[id]; ok {
			// either side may carry the Required flag
			if l.Relation.Required {
				out[i].Relation.Required = true
			}
			continue
		}
		seen[id] = len(out)
		out = append(out, l)
	}
	return out
}

func allNil(values []any) bool {
	for _, v := range values {
		if v != nil {
			return false
		}
	}
	return true
}

func formatValues(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func relationshipViolation(severity domain.Severity, change domain.Change, message string) domain.Violation {
	return domain.Violation{
		Rule:      relationshipIntegrityName,
		Severity:  severity,
		Message:   message,
		Entity:    change.Entity,
		EntityKey: change.Key,
	}
}
