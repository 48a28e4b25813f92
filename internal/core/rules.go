package core

import "lobkit/pkg/domain"

type (
	// Rule aliases domain.Rule.
	Rule = domain.Rule
	// RulesEngine aliases domain.RulesEngine.
	RulesEngine = domain.RulesEngine
	// Result aliases domain.Result.
	Result = domain.Result
	// Change aliases domain.Change.
	Change = domain.Change
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set
// for the entities described by schema.
func NewDefaultRulesEngine(schema *Schema) *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(RelationshipIntegrityRule(schema.Registry))
	return engine
}
