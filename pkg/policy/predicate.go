package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Predicates are CEL expressions over the caller's attribute map, e.g.
//
//	attributes.department == "finance" && attributes.level >= 3
//	attributes.region in ["us", "eu"]
//
// Compilation errors surface at policy-write time via CompilePredicate;
// at query time a failed evaluation (including references to attributes
// the principal does not carry) simply denies visibility.

var predicateEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
	)
})

// CompilePredicate compiles an attribute predicate and returns the
// program. It is the validation hook for policy writes.
func CompilePredicate(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, fmt.Errorf("predicate expression is empty")
	}

	env, err := predicateEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create predicate environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile predicate: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("predicate must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build predicate program: %w", err)
	}
	return prg, nil
}

// predicateCache memoizes compiled programs by expression text.
type predicateCache struct {
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newPredicateCache() *predicateCache {
	return &predicateCache{programs: make(map[string]cel.Program)}
}

func (c *predicateCache) get(expression string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := CompilePredicate(expression)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.programs[expression] = prg
	c.mu.Unlock()
	return prg, nil
}

// evaluate runs a predicate against an attribute map. Any error (missing
// attribute, type mismatch) evaluates to false.
func (c *predicateCache) evaluate(expression string, attributes map[string]any) bool {
	prg, err := c.get(expression)
	if err != nil {
		return false
	}
	if attributes == nil {
		attributes = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{"attributes": attributes})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
