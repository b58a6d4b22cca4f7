// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"slices"
	"strings"
)

type identityContextKey struct{}

var ctxIdentityKey identityContextKey

// Identity is the caller as established by the session layer in front of
// this service: a user id and the groups the user belongs to.
type Identity struct {
	UserID string
	Groups []string
}

func (i Identity) InGroup(group string) bool {
	return slices.Contains(i.Groups, group)
}

// WithIdentity stores the authenticated caller on the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

// IdentityFromContext reads the authenticated caller from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(Identity)
	if !ok || strings.TrimSpace(id.UserID) == "" {
		return Identity{}, false
	}
	return id, true
}

// UserIDFromContext returns the caller's user id or "" when none is set.
func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}

// ParseGroups splits a comma separated group header value.
func ParseGroups(raw string) []string {
	parts := strings.Split(raw, ",")
	groups := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || slices.Contains(groups, p) {
			continue
		}
		groups = append(groups, p)
	}
	return groups
}
