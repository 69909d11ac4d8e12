package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/storefront-lab/orders/internal/platform/requestctx"
)

const (
	HeaderUserID        = "X-User-ID"
	HeaderAdmin         = "X-Admin"
	headerAdminLegacy   = "Admin"
	headerAuthorization = "Authorization"
)

var (
	errNoVerificationKey = errors.New("auth: no key configured for token algorithm")
	errMissingSubject    = errors.New("auth: token has no subject")
)

// KeySource resolves RS256 verification keys by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// Resolver maps request credentials to an Identity.
//
// Order of precedence:
//  1. X-User-ID, trusted verbatim.
//  2. Authorization: Bearer <jwt>, verified with the shared HS256 secret or the JWKS key source,
//     using the sub claim.
//  3. When lenient, the bearer credential itself when it cannot be decoded.
//
// Anything else resolves to Anonymous.
type Resolver struct {
	secret           []byte
	keys             KeySource
	issuer           string
	lenient          bool
	trustAdminHeader bool
	adminPrefixes    []string
	logger           *zap.Logger
	parser           *jwt.Parser
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithHS256Secret enables HS256 verification with secret.
func WithHS256Secret(secret string) ResolverOption {
	return func(r *Resolver) {
		if s := strings.TrimSpace(secret); s != "" {
			r.secret = []byte(s)
		}
	}
}

// WithKeySource enables RS256 verification backed by keys (normally a JWKSCache).
func WithKeySource(keys KeySource) ResolverOption {
	return func(r *Resolver) {
		r.keys = keys
	}
}

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) ResolverOption {
	return func(r *Resolver) {
		r.issuer = strings.TrimSpace(issuer)
	}
}

// WithLenientTokens controls the raw-credential fallback for undecodable bearer tokens.
func WithLenientTokens(enabled bool) ResolverOption {
	return func(r *Resolver) {
		r.lenient = enabled
	}
}

// WithTrustedAdminHeader controls whether X-Admin: true grants administrative access.
func WithTrustedAdminHeader(enabled bool) ResolverOption {
	return func(r *Resolver) {
		r.trustAdminHeader = enabled
	}
}

// WithAdminSubjectPrefixes marks verified token subjects starting with any prefix as administrators.
func WithAdminSubjectPrefixes(prefixes ...string) ResolverOption {
	return func(r *Resolver) {
		r.adminPrefixes = r.adminPrefixes[:0]
		for _, p := range prefixes {
			if p = strings.TrimSpace(p); p != "" {
				r.adminPrefixes = append(r.adminPrefixes, p)
			}
		}
	}
}

func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver builds a Resolver. Defaults are lenient tokens, a trusted admin header, and the
// "admin_" subject prefix.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		lenient:          true,
		trustAdminHeader: true,
		adminPrefixes:    []string{"admin_"},
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.parser = jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodRS256.Alg()}))
	return r
}

// Resolve returns the caller identity for req. It never fails.
func (r *Resolver) Resolve(req *http.Request) *Identity {
	ctx := req.Context()
	headerAdmin := r.trustAdminHeader && (isTruthy(req.Header.Get(HeaderAdmin)) || isTruthy(req.Header.Get(headerAdminLegacy)))

	if uid := strings.TrimSpace(req.Header.Get(HeaderUserID)); uid != "" {
		return &Identity{UserID: uid, Admin: headerAdmin, Source: SourceHeader}
	}

	credential := extractBearerToken(req.Header.Get(headerAuthorization))
	if credential == "" {
		return Anonymous()
	}

	claims, err := r.decode(ctx, credential)
	if err == nil {
		subject, _ := claims["sub"].(string)
		return &Identity{
			UserID: subject,
			Admin:  headerAdmin || claimsGrantAdmin(claims) || r.hasAdminPrefix(subject),
			Source: SourceToken,
			Claims: claims,
		}
	}

	if !r.lenient {
		r.logger.Debug("bearer token rejected", zap.Error(err))
		return Anonymous()
	}
	r.logger.Debug("bearer token undecodable; using raw credential", zap.Error(err))
	return &Identity{UserID: credential, Admin: headerAdmin, Source: SourceRawCredential}
}

// Middleware resolves the identity once per request and stores it on the context.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		identity := r.Resolve(req)
		ctx := WithIdentity(req.Context(), identity)
		requestctx.SetActor(ctx, identity.UserID)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

func (r *Resolver) decode(ctx context.Context, raw string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	_, err := r.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		switch token.Method.Alg() {
		case jwt.SigningMethodHS256.Alg():
			if len(r.secret) == 0 {
				return nil, errNoVerificationKey
			}
			return r.secret, nil
		case jwt.SigningMethodRS256.Alg():
			if r.keys == nil {
				return nil, errNoVerificationKey
			}
			kid, _ := token.Header["kid"].(string)
			return r.keys.Key(ctx, kid)
		default:
			return nil, fmt.Errorf("auth: unexpected signing method %s", token.Method.Alg())
		}
	})
	if err != nil {
		return nil, err
	}
	if r.issuer != "" && !claims.VerifyIssuer(r.issuer, true) {
		return nil, fmt.Errorf("auth: unexpected issuer")
	}
	if subject, _ := claims["sub"].(string); strings.TrimSpace(subject) == "" {
		return nil, errMissingSubject
	}

	out := make(map[string]any, len(claims))
	for k, v := range claims {
		out[k] = v
	}
	return out, nil
}

func (r *Resolver) hasAdminPrefix(subject string) bool {
	for _, prefix := range r.adminPrefixes {
		if strings.HasPrefix(subject, prefix) {
			return true
		}
	}
	return false
}

func claimsGrantAdmin(claims map[string]any) bool {
	for _, key := range []string{"is_admin", "admin"} {
		switch v := claims[key].(type) {
		case bool:
			if v {
				return true
			}
		case string:
			if isTruthy(v) {
				return true
			}
		}
	}
	for _, key := range []string{"role", "roles"} {
		switch v := claims[key].(type) {
		case string:
			for _, role := range strings.Split(v, ",") {
				if strings.EqualFold(strings.TrimSpace(role), "admin") {
					return true
				}
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && strings.EqualFold(strings.TrimSpace(s), "admin") {
					return true
				}
			}
		}
	}
	return false
}

func extractBearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
