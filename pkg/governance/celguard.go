package governance

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/fuji"
)

// CELGuard evaluates governance guard rules under a deterministic CEL
// profile. Rule inputs are the scaled integers and strings from
// fuji.GuardInput; expressions that could evaluate differently across runs
// or hosts (float literals, now(), map iteration) are rejected before they
// ever run. Compiled programs are cached by expression text because the
// policy hot-reloads but individual rules rarely change.
type CELGuard struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELGuard builds the guard environment. The variable set is fixed; a
// rule referencing anything else fails compilation and is skipped with a
// degraded-evaluation warning at the gate.
func NewCELGuard() (*CELGuard, error) {
	env, err := cel.NewEnv(
		cel.Variable("risk_pct", cel.IntType),
		cel.Variable("stakes_pct", cel.IntType),
		cel.Variable("telos_pct", cel.IntType),
		cel.Variable("evidence_count", cel.IntType),
		cel.Variable("mode", cel.StringType),
		cel.Variable("categories", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: cel environment: %w", err)
	}
	return &CELGuard{env: env, cache: make(map[string]cel.Program)}, nil
}

// Check evaluates every rule against in. Rules that fail to compile or
// evaluate are skipped and reported through the joined error; hits from the
// rules that did evaluate are always returned so one broken rule cannot
// disable the rest of the policy.
func (g *CELGuard) Check(rules []fuji.GuardRule, in fuji.GuardInput) ([]fuji.GuardHit, error) {
	activation := map[string]any{
		"risk_pct":       in.RiskPct,
		"stakes_pct":     in.StakesPct,
		"telos_pct":      in.TelosPct,
		"evidence_count": in.EvidenceCount,
		"mode":           in.Mode,
		"categories":     append([]string(nil), in.Categories...),
	}

	var (
		hits []fuji.GuardHit
		errs []error
	)
	for _, rule := range rules {
		expr := strings.TrimSpace(rule.Expression)
		if expr == "" {
			continue
		}
		prg, err := g.program(expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		val, _, err := prg.Eval(activation)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: eval: %w", rule.ID, err))
			continue
		}
		triggered, ok := val.Value().(bool)
		if !ok {
			errs = append(errs, fmt.Errorf("rule %s: expression yields %T, want bool", rule.ID, val.Value()))
			continue
		}
		if triggered {
			hits = append(hits, fuji.GuardHit{
				RuleID:  rule.ID,
				Action:  normalizeAction(rule.Action),
				Message: rule.Message,
			})
		}
	}
	return hits, errors.Join(errs...)
}

// program returns the cached compiled form of expr, linting for determinism
// on first sight.
func (g *CELGuard) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, ok := g.cache[expr]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}

	parsed, issues := g.env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("parse: %w", issues.Err())
	}
	if problems := lintDeterminism(parsed.Expr()); len(problems) > 0 { //nolint:staticcheck // no replacement API for AST traversal yet
		return nil, fmt.Errorf("nondeterministic expression: %s", strings.Join(problems, "; "))
	}

	checked, issues := g.env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("check: %w", issues.Err())
	}
	prg, err := g.env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	g.mu.Lock()
	g.cache[expr] = prg
	g.mu.Unlock()
	return prg, nil
}

// lintDeterminism walks the parsed AST and collects violations of the
// deterministic profile: no float literals (scores arrive pre-scaled to
// integer percent), no clock access, no map iteration order exposure.
func lintDeterminism(e *exprpb.Expr) []string {
	if e == nil {
		return nil
	}
	var problems []string

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, isDouble := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); isDouble {
			problems = append(problems, "float literal (use integer percent)")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now", "timestamp":
			problems = append(problems, call.Function+"() forbidden")
		case "keys", "values":
			problems = append(problems, "map iteration forbidden")
		}
		if call.Target != nil {
			problems = append(problems, lintDeterminism(call.Target)...)
		}
		for _, arg := range call.Args {
			problems = append(problems, lintDeterminism(arg)...)
		}

	case *exprpb.Expr_SelectExpr:
		problems = append(problems, lintDeterminism(k.SelectExpr.Operand)...)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			problems = append(problems, lintDeterminism(el)...)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if mk := entry.GetMapKey(); mk != nil {
				problems = append(problems, lintDeterminism(mk)...)
			}
			problems = append(problems, lintDeterminism(entry.Value)...)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		problems = append(problems, lintDeterminism(comp.IterRange)...)
		problems = append(problems, lintDeterminism(comp.AccuInit)...)
		problems = append(problems, lintDeterminism(comp.LoopCondition)...)
		problems = append(problems, lintDeterminism(comp.LoopStep)...)
		problems = append(problems, lintDeterminism(comp.Result)...)
	}
	return problems
}

func normalizeAction(action string) string {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case "BLOCK":
		return "BLOCK"
	default:
		return "WARN"
	}
}
