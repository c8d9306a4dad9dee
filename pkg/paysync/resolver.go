package paysync

import (
	"context"
	"fmt"
	"strings"
)

// Resolver maps the identifiers a provider knows a user by to the canonical
// local user id. Candidates are a set: order only decides which lookup runs
// first, any match is the same user.
type Resolver struct {
	users UserDirectory
}

// NewResolver creates a resolver over the local user directory
func NewResolver(users UserDirectory) *Resolver {
	return &Resolver{users: users}
}

// Resolve checks each candidate in order and returns the first that exists.
// Returns ErrUserNotFound when none match; storage errors are returned as-is
// so callers can treat them as transient.
func (r *Resolver) Resolve(ctx context.Context, candidates []string) (string, error) {
	tried := NormalizeCandidates(candidates)
	for _, id := range tried {
		ok, err := r.users.UserExists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to look up user %q: %w", id, err)
		}
		if ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w (tried: %s)", ErrUserNotFound, strings.Join(tried, ", "))
}

// NormalizeCandidates trims ids and removes empty values and duplicates,
// keeping the first occurrence's position.
func NormalizeCandidates(candidates []string) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
