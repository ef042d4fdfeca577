package pipeline

import (
	"context"
	"strings"

	"github.com/querygate/querygate/internal/permission"
)

const maxSuggestions = 5

// Suggest returns up to five advisory queries for the caller's role that
// contain partial, case-insensitively. Role suggestions come first, followed
// by the suggestions of each table the role can see.
func (s *Service) Suggest(ctx context.Context, user permission.UserContext, partial string) ([]string, error) {
	allowed, snap, err := s.resolve(ctx, user)
	if err != nil {
		return nil, err
	}

	var candidates []string
	if profile, ok := snap.Profile(allowed.Role); ok {
		candidates = append(candidates, profile.Suggestions...)
	}
	for _, name := range allowed.TableNames() {
		if table, ok := allowed.Table(name); ok {
			candidates = append(candidates, table.Suggestions...)
		}
	}

	needle := strings.ToLower(strings.TrimSpace(partial))
	seen := map[string]struct{}{}
	out := []string{}
	for _, candidate := range candidates {
		key := strings.ToLower(candidate)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if needle != "" && !strings.Contains(key, needle) {
			continue
		}
		out = append(out, candidate)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out, nil
}
