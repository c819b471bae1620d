package auth

import (
	"context"
	"slices"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Roles carried in the Firebase custom "role" claim, most privileged first.
const (
	RoleAdmin      = "admin"
	RoleRestaurant = "restaurant"
	RoleCustomer   = "customer"
)

var rolePrecedence = []string{RoleAdmin, RoleRestaurant, RoleCustomer}

// Identity is the caller behind a verified Firebase ID token.
type Identity struct {
	UID   string
	Email string
	// Roles are lower-cased and deduplicated by the authenticator.
	Roles []string
	// RestaurantID is set for restaurant operators from the "restaurant_id" claim, or the UID
	// when the claim is absent.
	RestaurantID string

	token *firebaseauth.Token
}

// Token returns the decoded ID token, nil for identities built outside the authenticator.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole matches role case-insensitively against the identity's roles.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	return role != "" && slices.ContainsFunc(i.Roles, func(held string) bool {
		return normaliseRole(held) == role
	})
}

// HasAnyRole reports whether any of roles is held.
func (i *Identity) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

// PrimaryRole picks the most privileged role held, or "" for none.
func (i *Identity) PrimaryRole() string {
	idx := slices.IndexFunc(rolePrecedence, i.HasRole)
	if idx < 0 {
		return ""
	}
	return rolePrecedence[idx]
}

type identityKey struct{}

// WithIdentity attaches identity to ctx for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity attached by the Firebase middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}
