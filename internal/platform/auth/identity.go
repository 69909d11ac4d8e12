package auth

import (
	"context"
	"strings"
)

// Source records how an identity was established.
type Source string

const (
	SourceAnonymous Source = "anonymous"
	// SourceHeader is a caller id taken verbatim from X-User-ID.
	SourceHeader Source = "header"
	// SourceToken is the subject of a bearer token whose signature verified.
	SourceToken Source = "token"
	// SourceRawCredential is the undecodable bearer credential used as the id itself.
	SourceRawCredential Source = "raw_credential"
)

// Identity is the resolved caller of a request. Resolution never fails: a request without usable
// credentials carries an anonymous identity.
type Identity struct {
	UserID string
	Admin  bool
	Source Source
	Claims map[string]any
}

// Anonymous returns the identity assigned to callers without credentials.
func Anonymous() *Identity {
	return &Identity{Source: SourceAnonymous}
}

// IsAnonymous reports whether no user id was resolved.
func (i *Identity) IsAnonymous() bool {
	return i == nil || strings.TrimSpace(i.UserID) == ""
}

// IsAdmin reports whether the identity may use administrative operations.
func (i *Identity) IsAdmin() bool {
	return i != nil && !i.IsAnonymous() && i.Admin
}

type identityKey struct{}

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by the resolver middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
