package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/querygate/querygate/internal/permission"
)

// Identity is what an API key authenticates as. Role selects a permission
// profile; Permissions are tags such as "readonly".
type Identity struct {
	UserID      string
	Role        string
	Permissions []string
}

func (i Identity) HasPermission(tag string) bool {
	for _, candidate := range i.Permissions {
		if strings.EqualFold(candidate, tag) {
			return true
		}
	}
	return false
}

func (i Identity) UserContext() permission.UserContext {
	return permission.UserContext{
		Role:        i.Role,
		Permissions: append([]string(nil), i.Permissions...),
		UserID:      i.UserID,
	}
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses comma-separated entries of the form
// key:user_id:role[:perm|perm].
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 && len(parts) != 4 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:user_id:role[:perm|perm]", entry)
		}
		key := strings.TrimSpace(parts[0])
		userID := strings.TrimSpace(parts[1])
		role := strings.ToLower(strings.TrimSpace(parts[2]))
		if key == "" || userID == "" || role == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/user/role", entry)
		}
		if _, exists := validator.keys[key]; exists {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}

		var perms []string
		if len(parts) == 4 {
			for _, perm := range strings.Split(parts[3], "|") {
				perm = strings.ToLower(strings.TrimSpace(perm))
				if perm != "" {
					perms = append(perms, perm)
				}
			}
			sort.Strings(perms)
		}
		validator.keys[key] = Identity{UserID: userID, Role: role, Permissions: perms}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}
