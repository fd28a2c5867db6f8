package policy

import "strings"

// BreakGlassPrefix is the exact operator-override marker.
const BreakGlassPrefix = "BREAK-GLASS:"

// DefaultRules returns the canonical rule set in its canonical priority
// order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "break-glass-override", Enabled: true, Priority: 10, Evaluate: breakGlassOverride},
		{Name: "budget-caps", Enabled: true, Priority: 20, Evaluate: budgetCaps},
		{Name: "window-size-limit", Enabled: true, Priority: 30, Evaluate: windowSizeLimit},
		{Name: "identifiers-required", Enabled: true, Priority: 40, Evaluate: identifiersRequired},
		{Name: "default-deny-raw", Enabled: true, Priority: 50, Evaluate: defaultDenyRaw},
	}
}

func breakGlassOverride(ctx *Context, cfg Config) RuleResult {
	if !strings.HasPrefix(ctx.Reason, BreakGlassPrefix) {
		return RuleResult{Passed: true}
	}
	if !cfg.AllowBreakGlass {
		return RuleResult{
			Passed: true,
			Evidence: []Evidence{{
				Rule: "break-glass-override", Type: "break-glass-rejected",
				Detail: map[string]any{"allowBreakGlass": false},
			}},
		}
	}
	return RuleResult{
		Decision:     Approve,
		ShortCircuit: true,
		Evidence: []Evidence{{
			Rule: "break-glass-override", Type: "break-glass-triggered",
		}},
	}
}

func budgetCaps(ctx *Context, cfg Config) RuleResult {
	if ctx.RequestType != RequestGraphSlice {
		return RuleResult{Passed: true}
	}
	if ctx.MaxCards <= cfg.SliceMaxCards && ctx.MaxEstimatedTokens <= cfg.SliceMaxTokens {
		return RuleResult{Passed: true}
	}
	return RuleResult{
		Decision:     Deny,
		DeniedReason: "slice budget exceeds configured caps",
		NextAction:   ActionNarrowScope,
		Evidence: []Evidence{{
			Rule: "budget-caps", Type: "budget-exceeded",
			Detail: map[string]any{
				"maxCards": ctx.MaxCards, "capCards": cfg.SliceMaxCards,
				"maxEstimatedTokens": ctx.MaxEstimatedTokens, "capTokens": cfg.SliceMaxTokens,
			},
		}},
	}
}

func windowSizeLimit(ctx *Context, cfg Config) RuleResult {
	if ctx.RequestType != RequestCodeWindow {
		return RuleResult{Passed: true}
	}
	if ctx.MaxWindowLines <= cfg.MaxWindowLines && ctx.MaxWindowTokens <= cfg.MaxWindowTokens {
		return RuleResult{Passed: true}
	}
	return RuleResult{
		Decision:     DowngradeSkeleton,
		DeniedReason: "requested window exceeds size limits",
		NextAction:   ActionRequestSkeleton,
		Evidence: []Evidence{{
			Rule: "window-size-limit", Type: "window-too-large",
			Detail: map[string]any{
				"maxWindowLines": ctx.MaxWindowLines, "capLines": cfg.MaxWindowLines,
				"maxWindowTokens": ctx.MaxWindowTokens, "capTokens": cfg.MaxWindowTokens,
			},
		}},
	}
}

func identifiersRequired(ctx *Context, cfg Config) RuleResult {
	if ctx.RequestType != RequestCodeWindow || !cfg.RequireIdentifiers {
		return RuleResult{Passed: true}
	}
	if len(ctx.IdentifiersToFind) > 0 {
		return RuleResult{Passed: true}
	}
	return RuleResult{
		Decision:     DowngradeSkeleton,
		DeniedReason: "identifiersToFind is required and empty",
		NextAction:   ActionProvideIdentifiers,
		Evidence: []Evidence{{
			Rule: "identifiers-required", Type: "identifiers-missing",
		}},
	}
}

// defaultDenyRaw trusts the caller-asserted slice context; when a handle was
// supplied too, the server-resolved card set counts as well.
func defaultDenyRaw(ctx *Context, cfg Config) RuleResult {
	if ctx.RequestType != RequestCodeWindow || !cfg.DefaultDenyRaw {
		return RuleResult{Passed: true}
	}
	for _, id := range ctx.SliceContext {
		if id == ctx.SymbolID {
			return RuleResult{Passed: true}
		}
	}
	for _, id := range ctx.SliceCardIDs {
		if id == ctx.SymbolID {
			return RuleResult{Passed: true}
		}
	}

	evidence := Evidence{
		Rule: "default-deny-raw", Type: "symbol-outside-slice",
		Detail: map[string]any{"symbolId": ctx.SymbolID},
	}
	if len(ctx.IdentifiersToFind) == 0 {
		return RuleResult{
			Decision:     DowngradeSkeleton,
			DeniedReason: "symbol not in provided slice context",
			NextAction:   ActionRequestSkeleton,
			Evidence:     []Evidence{evidence},
		}
	}
	return RuleResult{
		Decision:     DowngradeToHotPath,
		DeniedReason: "symbol not in provided slice context",
		NextAction:   ActionRequestHotPath,
		Evidence:     []Evidence{evidence},
	}
}
