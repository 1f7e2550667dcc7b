// Package authn implements the CONNECT authentication hook: given the
// headers on an inbound CONNECT frame and the client's remote address, it
// decides who is connecting and what role they hold.
//
// Admin tokens are verified JWTs checked against a JWKS endpoint (the same
// RS256-verification shape the teacher uses for Keycloak access tokens,
// generalized from a hand-fetched single public key to a rotating JWKS
// set). A missing or invalid token is rejected for an admin-scoped
// connection, but accepted as anonymous for a user-scoped terminal
// connection, matching spec.md's asymmetric CONNECT policy.
package authn

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Role is the closed set of connection roles a CONNECT frame may resolve
// to.
type Role string

// Recognized roles.
const (
	RoleAdmin     Role = "admin"
	RoleUser      Role = "user"
	RoleAnonymous Role = "anonymous"
)

// Principal identifies who is attached to a channel once CONNECT has been
// processed. It becomes a session attribute consulted by destination
// handlers and by internal/authz.
type Principal struct {
	Subject string
	Role    Role
}

// Claims is the JWT claim set the gateway expects on an admin token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates CONNECT headers and decides the connecting
// principal's role.
type Authenticator struct {
	jwks           *keyfunc.JWKS
	allowAnonymous bool
}

// Option configures an Authenticator at construction time.
type Option func(*Authenticator)

// WithAnonymousAllowed permits connections carrying no (or an invalid)
// bearer token to proceed as RoleAnonymous rather than being rejected, for
// deployments that expose the terminal/user surface without a login wall.
// Admin-scoped connections are never granted by this option: a request
// whose headers ask for admin but fail verification is rejected
// regardless.
func WithAnonymousAllowed(allowed bool) Option {
	return func(a *Authenticator) { a.allowAnonymous = allowed }
}

// New constructs an Authenticator backed by the JWKS set served from
// jwksURL. ctx bounds only the initial JWKS fetch.
func New(ctx context.Context, jwksURL string, opts ...Option) (*Authenticator, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx: ctx,
		RefreshErrorHandler: func(err error) {
			// keyfunc logs refresh failures internally via its own
			// handler hook; nothing additional to do here beyond not
			// panicking.
			_ = err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't fetch JWKS from %s: %w", jwksURL, err)
	}
	a := &Authenticator{jwks: jwks, allowAnonymous: true}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// HeaderLookup abstracts CONNECT frame header access so Authenticate
// doesn't depend on the frame package directly.
type HeaderLookup interface {
	Get(key string) (string, bool)
}

// wantsAdmin reports whether the CONNECT frame is requesting an
// admin-scoped channel, signalled by an explicit role header. Absent the
// header, the connection is treated as a user-scoped terminal client.
func wantsAdmin(headers HeaderLookup) bool {
	role, ok := headers.Get("role")
	return ok && role == string(RoleAdmin)
}

// Authenticate resolves headers (and, informationally, remoteAddr) into a
// Principal, or rejects the connection with an error.
//
//   - If the CONNECT frame requests an admin channel, the `authorization`
//     header must carry a `Bearer <jwt>` verified against the configured
//     JWKS; failure to verify rejects the connection outright.
//   - Otherwise (a user/terminal channel), a present and valid bearer token
//     resolves to RoleUser with the token subject as principal; a missing
//     or invalid token resolves to RoleAnonymous unless
//     WithAnonymousAllowed(false) was given, in which case it is rejected.
//     New allows anonymous connections by default.
func (a *Authenticator) Authenticate(headers HeaderLookup, remoteAddr string) (Principal, error) {
	tokenStr, hasToken := bearerToken(headers)

	if wantsAdmin(headers) {
		if !hasToken {
			return Principal{}, fmt.Errorf("admin connection from %s missing bearer token", remoteAddr)
		}
		claims, err := a.verify(tokenStr)
		if err != nil {
			return Principal{}, fmt.Errorf("admin connection from %s: %w", remoteAddr, err)
		}
		if claims.Role != string(RoleAdmin) {
			return Principal{}, fmt.Errorf("admin connection from %s: token role %q is not admin", remoteAddr, claims.Role)
		}
		return Principal{Subject: claims.Subject, Role: RoleAdmin}, nil
	}

	if hasToken {
		claims, err := a.verify(tokenStr)
		if err == nil {
			return Principal{Subject: claims.Subject, Role: RoleUser}, nil
		}
		if !a.allowAnonymous {
			return Principal{}, fmt.Errorf("user connection from %s: %w", remoteAddr, err)
		}
	} else if !a.allowAnonymous {
		return Principal{}, fmt.Errorf("user connection from %s requires a bearer token", remoteAddr)
	}

	return Principal{Subject: remoteAddr, Role: RoleAnonymous}, nil
}

func bearerToken(headers HeaderLookup) (string, bool) {
	auth, ok := headers.Get("authorization")
	if !ok {
		return "", false
	}
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}
	return auth[len(prefix):], true
}

func (a *Authenticator) verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, a.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("couldn't verify token: %w", err)
	}
	if !tok.Valid {
		return nil, fmt.Errorf("token failed validation")
	}
	return claims, nil
}
