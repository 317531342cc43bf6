package badge

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CompiledBadge pairs a badge with its compiled CEL predicate.
type CompiledBadge struct {
	Badge   Badge
	Program cel.Program
}

func (b *CompiledBadge) evaluate(stats map[string]any) (bool, error) {
	if b.Program == nil {
		return false, fmt.Errorf("compiled program is nil for badge %s", b.Badge.Slug)
	}

	val, _, err := b.Program.Eval(stats)
	if err != nil {
		return false, fmt.Errorf("eval failed for badge %s: %w", b.Badge.Slug, err)
	}

	matched, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("badge %s predicate did not return boolean", b.Badge.Slug)
	}

	return matched, nil
}

// newEnv builds the CEL environment exposing every stat as an int variable.
func newEnv() (*cel.Env, error) {
	opts := make([]cel.EnvOption, 0, len(StatNames()))
	for _, name := range StatNames() {
		opts = append(opts, cel.Variable(name, cel.IntType))
	}
	return cel.NewEnv(opts...)
}

func compile(env *cel.Env, b Badge) (*CompiledBadge, error) {
	ast, issues := env.Compile(b.Predicate())
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile badge %s: %w", b.Slug, issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program for badge %s: %w", b.Slug, err)
	}

	return &CompiledBadge{Badge: b, Program: program}, nil
}
