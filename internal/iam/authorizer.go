// Package iam provides the claim checks used by the engine services.
package iam

import (
	"context"
	"sync"

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

// Wildcard grants every claim.
const Wildcard = "*"

// ClaimAuthorizer grants claims from a static table keyed by user id.
type ClaimAuthorizer struct {
	mu     sync.RWMutex
	claims map[string]map[string]bool
}

// NewClaimAuthorizer builds an authorizer from user id to granted claims.
func NewClaimAuthorizer(grants map[string][]string) *ClaimAuthorizer {
	a := &ClaimAuthorizer{claims: make(map[string]map[string]bool, len(grants))}
	for user, claims := range grants {
		a.Grant(user, claims...)
	}
	return a
}

// Grant adds claims for user.
func (a *ClaimAuthorizer) Grant(user string, claims ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.claims[user]
	if !ok {
		set = make(map[string]bool, len(claims))
		a.claims[user] = set
	}
	for _, c := range claims {
		set[c] = true
	}
}

func (a *ClaimAuthorizer) EnsureHasClaim(_ context.Context, identity api.Identity, claim string) error {
	if identity.Token == "" || identity.UserID == "" {
		return api.Unauthorizedf("No auth token provided!")
	}

	a.mu.RLock()
	set := a.claims[identity.UserID]
	granted := set[claim] || set[Wildcard]
	a.mu.RUnlock()

	if !granted {
		return api.Forbiddenf("Identity '%s' does not have the required claim '%s'.", identity.UserID, claim)
	}
	return nil
}

// AllowAll grants every claim to any identity with a token.
type AllowAll struct{}

func (AllowAll) EnsureHasClaim(_ context.Context, identity api.Identity, _ string) error {
	if identity.Token == "" {
		return api.Unauthorizedf("No auth token provided!")
	}
	return nil
}

var (
	_ api.Authorizer = (*ClaimAuthorizer)(nil)
	_ api.Authorizer = AllowAll{}
)
