// Package secrets resolves env(VAR) references found in configuration and
// keeps resolved values out of log output.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsRef reports whether s has the env(VAR) form.
func IsRef(s string) bool {
	return strings.HasPrefix(s, "env(") && strings.HasSuffix(s, ")")
}

// EnvResolver reads env(VAR) references from the process environment.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver creates an environment variable resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// Resolve returns the value of the referenced variable.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	if !IsRef(ref) {
		return "", fmt.Errorf("unsupported secret reference format: %q (expected env(VAR_NAME))", ref)
	}
	name := strings.TrimSpace(ref[4 : len(ref)-1])
	if name == "" {
		return "", fmt.Errorf("empty variable name in %q", ref)
	}
	value, ok := r.lookup(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return value, nil
}

// Expand resolves each non-empty field that holds a reference, in place, and
// registers the resolved values with filter when filter is non-nil. Plain
// values are left untouched. Map keys name the values in error messages.
func Expand(ctx context.Context, r Resolver, filter *RedactFilter, fields map[string]*string) error {
	for name, p := range fields {
		if p == nil || !IsRef(*p) {
			continue
		}
		v, err := r.Resolve(ctx, *p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		*p = v
		if filter != nil {
			filter.AddSecret(v)
		}
	}
	return nil
}
