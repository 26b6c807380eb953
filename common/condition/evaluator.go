package condition

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates condition expressions using CEL (Common Expression
// Language). Expressions are written in a small dialect: Python-style
// aliases (and, or, not, True, False) and JavaScript-style comparators
// (===, !==) are normalized to CEL before compilation, and {{var}}
// references are rewritten to lookups in the evaluation scope.
//
// CEL gives the restricted environment the engine requires: no builtins,
// no file system, no network, no attribute traversal into host objects.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator with program caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)
	wordAliases        = []struct{ from, to string }{
		{`\bTrue\b`, "true"},
		{`\bFalse\b`, "false"},
		{`\band\b`, "&&"},
		{`\bor\b`, "||"},
		{`\bnot\s+`, "!"},
	}
	aliasPatterns = compileAliases()
)

func compileAliases() []*struct {
	re *regexp.Regexp
	to string
} {
	out := make([]*struct {
		re *regexp.Regexp
		to string
	}, 0, len(wordAliases))
	for _, a := range wordAliases {
		out = append(out, &struct {
			re *regexp.Regexp
			to string
		}{regexp.MustCompile(a.from), a.to})
	}
	return out
}

// Evaluate compiles (or reuses) the expression and evaluates it against
// the given scope. Scope keys become CEL variables; the conventional keys
// are inputs, executionCount and the flattened node outputs.
func (e *Evaluator) Evaluate(expr string, scope map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("empty condition expression")
	}

	normalized := Normalize(expr)

	keys := scopeKeys(scope)
	cacheKey := normalized + "\x00" + strings.Join(keys, ",")

	e.mu.RLock()
	prg, exists := e.cache[cacheKey]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalized, keys)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[cacheKey] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(activation(scope, keys))
	if err != nil {
		return false, fmt.Errorf("condition evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean, got %T", out.Value())
	}

	return result, nil
}

// Normalize rewrites the condition dialect into plain CEL
func Normalize(expr string) string {
	out := expr

	// {{var}} and {{var.path}} become plain identifier paths
	out = placeholderPattern.ReplaceAllString(out, "$1")

	out = strings.ReplaceAll(out, "===", "==")
	out = strings.ReplaceAll(out, "!==", "!=")

	for _, alias := range aliasPatterns {
		out = alias.re.ReplaceAllString(out, alias.to)
	}

	return out
}

// compile builds a CEL environment declaring every scope key as a dyn
// variable, then compiles the expression against it
func (e *Evaluator) compile(expr string, keys []string) (cel.Program, error) {
	opts := make([]cel.EnvOption, 0, len(keys))
	for _, key := range keys {
		opts = append(opts, cel.Variable(key, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached programs
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func scopeKeys(scope map[string]any) []string {
	keys := make([]string, 0, len(scope))
	for key := range scope {
		// Keys that are not valid CEL identifiers cannot be declared
		if identPattern.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func activation(scope map[string]any, keys []string) map[string]any {
	act := make(map[string]any, len(keys))
	for _, key := range keys {
		act[key] = scope[key]
	}
	return act
}
