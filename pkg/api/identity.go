package api

import "context"

// AnonymousUserID is the user id of the reserved system identity. Rows owned
// by it are visible to every caller.
const AnonymousUserID = "dummy_token"

// Claims checked by the engine services.
const (
	ClaimCanReadProcessModel    = "can_read_process_model"
	ClaimCanWriteProcessModel   = "can_write_process_model"
	ClaimCanDeleteProcessModel  = "can_delete_process_model"
	ClaimCanAccessExternalTasks = "can_access_external_tasks"
)

// Identity is the authenticated caller of an operation.
type Identity struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// AnonymousIdentity returns the reserved system identity.
func AnonymousIdentity() Identity {
	return Identity{UserID: AnonymousUserID, Token: AnonymousUserID}
}

func (i Identity) IsAnonymous() bool { return i.UserID == AnonymousUserID }

// CanSee reports whether caller may read a row owned by i.
func (i Identity) CanSee(caller Identity) bool {
	return i.IsAnonymous() || i.UserID == caller.UserID
}

// Authorizer checks named claims. Implementations return an *Error of kind
// KindUnauthorized for a missing credential and KindForbidden for a missing
// claim.
type Authorizer interface {
	EnsureHasClaim(ctx context.Context, identity Identity, claim string) error
}
