// Package strategy maps error patterns to candidate fix strategies from
// a fixed policy table. Confidence values are fixed per strategy kind,
// not computed from data; the bulk-fix gate (confidence > 0.85) decides
// whether a strategy may be applied without per-instance review.
package strategy

import (
	"strings"

	"buildfix/pkg/models"
)

// BulkFixThreshold gates unattended application of a strategy.
const BulkFixThreshold = 0.85

// rule is one row of the policy table. Code matches exactly; when empty,
// Contains is matched as a substring against the code and the first
// example line.
type rule struct {
	code       string
	contains   string
	kind       models.StrategyKind
	confidence float64
	template   string
}

var policy = []rule{
	{code: "CS0246", kind: models.StrategyAddImport, confidence: 0.92, template: "add missing using directive for {symbol}"},
	{code: "CS0234", kind: models.StrategyAddImport, confidence: 0.90, template: "add missing namespace reference for {symbol}"},
	{code: "CS0535", kind: models.StrategyImplementMember, confidence: 0.75, template: "implement interface member {member}"},
	{code: "CS8618", kind: models.StrategyNullGuard, confidence: 0.90, template: "initialize non-nullable member {member} or mark nullable"},
	{code: "CS8602", kind: models.StrategyNullGuard, confidence: 0.88, template: "guard possible null dereference of {symbol}"},
	{code: "CS0101", kind: models.StrategyRenameDuplicate, confidence: 0.60, template: "rename or remove duplicate definition {symbol}"},
	{code: "CS4014", kind: models.StrategyAddAwait, confidence: 0.90, template: "await the call or assign to a discard"},
	{code: "CS0029", kind: models.StrategyTypeConversion, confidence: 0.70, template: "convert {from} to {to} explicitly"},
	{code: "TS2304", kind: models.StrategyDefineSymbol, confidence: 0.88, template: "declare or import {symbol}"},
	{code: "TS2307", kind: models.StrategyAddImport, confidence: 0.90, template: "fix module path for {module}"},
	{code: "TS6133", kind: models.StrategyRemoveUnused, confidence: 0.95, template: "remove unused declaration {symbol}"},
	{code: "go-undefined", kind: models.StrategyDefineSymbol, confidence: 0.80, template: "define or import {symbol}"},
	{code: "go-unused-import", kind: models.StrategyRemoveUnused, confidence: 0.95, template: "drop unused import {package}"},
	{code: "go-unused-variable", kind: models.StrategyRemoveUnused, confidence: 0.92, template: "remove or blank-assign {symbol}"},
	{code: "go-type-mismatch", kind: models.StrategyTypeConversion, confidence: 0.70, template: "convert {from} to {to}"},
	{contains: "undefined", kind: models.StrategyDefineSymbol, confidence: 0.80, template: "define or import {symbol}"},
	{contains: "nullable", kind: models.StrategyNullGuard, confidence: 0.88, template: "add null guard around {symbol}"},
	{contains: "unused", kind: models.StrategyRemoveUnused, confidence: 0.90, template: "remove unused {symbol}"},
	{contains: "not implement", kind: models.StrategyImplementMember, confidence: 0.70, template: "implement missing member {member}"},
}

// ForPattern returns the strategy for a pattern, or false when the policy
// table has no row for it.
func ForPattern(p models.ErrorPattern) (models.FixStrategy, bool) {
	haystack := strings.ToLower(p.Code)
	if len(p.Examples) > 0 {
		haystack += " " + strings.ToLower(p.Examples[0])
	}

	for _, r := range policy {
		if r.code != "" {
			if r.code != p.Code {
				continue
			}
		} else if !strings.Contains(haystack, r.contains) {
			continue
		}
		return models.FixStrategy{
			PatternCode: p.Code,
			Kind:        r.kind,
			Confidence:  r.confidence,
			BulkFix:     r.confidence > BulkFixThreshold,
			Template:    r.template,
		}, true
	}
	return models.FixStrategy{}, false
}

// Fixable reports whether the policy table can fix the given code. Used
// by the analyzer to flag patterns.
func Fixable(code string) bool {
	_, ok := ForPattern(models.ErrorPattern{Code: code})
	return ok
}

// Recommend maps every pattern with a policy row to a strategy,
// preserving pattern order.
func Recommend(patterns []models.ErrorPattern) []models.FixStrategy {
	var out []models.FixStrategy
	for _, p := range patterns {
		if s, ok := ForPattern(p); ok {
			out = append(out, s)
		}
	}
	return out
}

// EstimatedAutoFixable sums pattern counts whose strategy is bulk-fixable.
// A planning metric only, not a guarantee.
func EstimatedAutoFixable(patterns []models.ErrorPattern) int {
	total := 0
	for _, p := range patterns {
		if s, ok := ForPattern(p); ok && s.BulkFix {
			total += p.Count
		}
	}
	return total
}
