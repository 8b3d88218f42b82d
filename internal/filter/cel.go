package filter

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CEL compiles a predicate expression over the variable `url`, for example
// `url.startsWith("https://api.example.com/")`. Results that are not a
// boolean, and evaluation errors, count as no match.
func CEL(expr string) (Filter, error) {
	env, err := cel.NewEnv(cel.Variable("url", cel.StringType))
	if err != nil {
		return Filter{}, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, fmt.Errorf("cel compile %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return Filter{}, fmt.Errorf("cel program %q: %w", expr, err)
	}

	return Predicate(func(url string) bool {
		out, _, err := prg.Eval(map[string]any{"url": url})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}), nil
}
