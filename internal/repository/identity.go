// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"

	"github.com/adiadia/workflow-core/internal/auth"
)

// actorFromContext returns the caller's user id for audit columns, or nil
// when the request carried no identity.
func actorFromContext(ctx context.Context) *string {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return nil
	}
	return &id.UserID
}
