/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package scope carries the tenant access context required around
// every persistent-store operation. The gateway and job producers run
// under the system scope; request-driven callers run org-scoped.
package scope

import (
	"context"
	"errors"
)

var ErrNoAccessContext = errors.New("no access context on context")

// AccessContext scopes store operations to one tenant org, or to the
// whole fleet for system components.
type AccessContext struct {
	OrgID  string
	System bool
}

// SystemScope is the fleet-wide scope used by the gateway and the job
// producers.
func SystemScope() AccessContext {
	return AccessContext{System: true}
}

// OrgScope restricts store operations to one tenant org.
func OrgScope(orgID string) AccessContext {
	return AccessContext{OrgID: orgID}
}

// AllowsOrg reports whether rows belonging to orgID may be touched.
func (a AccessContext) AllowsOrg(orgID string) bool {
	return a.System || a.OrgID == orgID
}

type contextKey struct{}

// With attaches an access context to ctx.
func With(ctx context.Context, ac AccessContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// From extracts the access context, failing when absent so unscoped
// store calls are caught instead of silently widened.
func From(ctx context.Context) (AccessContext, error) {
	ac, ok := ctx.Value(contextKey{}).(AccessContext)
	if !ok {
		return AccessContext{}, ErrNoAccessContext
	}

	return ac, nil
}

// RunWithAccessContext runs fn under the given scope.
func RunWithAccessContext(ctx context.Context, ac AccessContext, fn func(context.Context) error) error {
	return fn(With(ctx, ac))
}
