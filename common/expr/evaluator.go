package expr

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// Evaluator evaluates conditions and expressions using CEL (Common
// Expression Language). Compiled programs are cached per expression and
// variable-set.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// EvaluateCondition resolves ${name} placeholders against the variable
// scope, evaluates the result as a CEL expression, and returns its truth
// value. When the expression cannot be evaluated, the resolved string itself
// is tested for the accepted truthy forms (true/yes/1/approved).
func (e *Evaluator) EvaluateCondition(condition string, scope map[string]any) (bool, error) {
	resolved := substituteRefs(condition, scope)

	out, err := e.eval(resolved, scope)
	if err != nil {
		return IsTruthyString(SubstituteText(condition, scope)), nil
	}
	if s, ok := out.(string); ok {
		return IsTruthyString(s), nil
	}
	return truthy(out), nil
}

// EvaluateExpression evaluates a CEL expression over the variable scope and
// returns its value. Used by expression service tasks and the script
// sandbox; the environment exposes only the scope plus string/math/list
// helpers, never arbitrary code execution.
func (e *Evaluator) EvaluateExpression(expression string, scope map[string]any) (any, error) {
	resolved := substituteRefs(expression, scope)
	out, err := e.eval(resolved, scope)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Evaluator) eval(expression string, scope map[string]any) (any, error) {
	keys := identifierKeys(scope)
	cacheKey := expression + "\x00" + strings.Join(keys, ",")

	e.mu.RLock()
	prg, exists := e.cache[cacheKey]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(expression, keys)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.cache[cacheKey] = prg
		e.mu.Unlock()
	}

	activation := make(map[string]any, len(keys))
	for _, k := range keys {
		activation[k] = scope[k]
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation error: %w", err)
	}
	return out.Value(), nil
}

func (e *Evaluator) compile(expression string, keys []string) (cel.Program, error) {
	opts := []cel.EnvOption{
		ext.Strings(),
		ext.Math(),
		ext.Lists(),
	}
	for _, k := range keys {
		opts = append(opts, cel.Variable(k, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
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

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// substituteRefs rewrites ${name} placeholders into CEL variable references
// so the compiled program is keyed on the expression shape, not on the
// current variable values. Placeholders that cannot be expressed as a
// reference (illegal identifier, root not in scope) are inlined as literals
// the way Substitute does.
func substituteRefs(template string, scope map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if refPath(name) {
			if _, ok := scope[strings.Split(name, ".")[0]]; ok {
				return name
			}
		}
		v, ok := resolvePath(name, scope)
		if !ok {
			return "null"
		}
		return literal(v)
	})
}

// refPath reports whether every dotted segment is a legal CEL identifier.
func refPath(name string) bool {
	for _, part := range strings.Split(name, ".") {
		if !identifierRe.MatchString(part) {
			return false
		}
	}
	return true
}

// identifierKeys returns the scope keys that are legal CEL identifiers,
// sorted for a stable cache key.
func identifierKeys(scope map[string]any) []string {
	keys := make([]string, 0, len(scope))
	for k := range scope {
		if identifierRe.MatchString(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case float64:
		return t != 0
	case uint64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
