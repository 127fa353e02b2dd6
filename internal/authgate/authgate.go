// Package authgate is the authentication checkpoint applied to every
// inbound control or streaming operation. A request carries either a
// short-lived web session cookie or a long-lived bearer token; which
// of the two is acceptable, and how a failure is delivered, is
// decided by the policy tagged onto the operation rather than by
// wrapping handlers.
package authgate

import (
	"context"
	"errors"
	"log/slog"
)

// Policy selects the guard applied to an operation.
type Policy int

const (
	// PolicyTokenOnly accepts only a valid bearer token.
	PolicyTokenOnly Policy = iota

	// PolicyHybrid accepts a valid session or a valid token. An
	// interactive caller is redirected to the login page on failure;
	// an API caller is rejected.
	PolicyHybrid

	// PolicyStreamingInBand accepts a valid session or token, like
	// PolicyHybrid, but the caller has already committed to a
	// long-lived streaming read: the transport must deliver the
	// failure as an in-band event on the push channel, never as a
	// redirect or a bare connection drop.
	PolicyStreamingInBand
)

func (p Policy) String() string {
	switch p {
	case PolicyTokenOnly:
		return "token-only"
	case PolicyHybrid:
		return "hybrid"
	case PolicyStreamingInBand:
		return "streaming-in-band"
	default:
		return "unknown"
	}
}

// ErrUnauthorized rejects a request carrying no acceptable
// credential.
var ErrUnauthorized = errors.New("unauthorized")

// RedirectError tells an interactive caller where to log in.
type RedirectError struct {
	Location string
}

func (e RedirectError) Error() string {
	return "login required"
}

// PrincipalKind distinguishes the two credential sources.
type PrincipalKind string

const (
	PrincipalToken   PrincipalKind = "token"
	PrincipalSession PrincipalKind = "session"
)

// Principal identifies an authenticated caller. It carries no state
// beyond validity and is never persisted.
type Principal struct {
	Kind PrincipalKind
	Name string
}

// Credentials is what the transport extracted from a request.
type Credentials struct {
	BearerToken   string
	SessionCookie string

	// Interactive marks a browser-type caller, which prefers a login
	// redirect over a bare rejection under PolicyHybrid.
	Interactive bool
}

// TokenValidator checks a bearer token.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Principal, error)
}

// SessionValidator checks a session cookie. Session issuance belongs
// to the login layer, not the core.
type SessionValidator interface {
	ValidateSession(ctx context.Context, cookie string) (Principal, error)
}

// Gate applies a policy to a request's credentials.
type Gate struct {
	tokens   TokenValidator
	sessions SessionValidator
	loginURL string
	logger   *slog.Logger
}

func New(
	tokens TokenValidator,
	sessions SessionValidator,
	loginURL string,
	logger *slog.Logger,
) *Gate {
	return &Gate{
		tokens:   tokens,
		sessions: sessions,
		loginURL: loginURL,
		logger:   logger,
	}
}

// Authorize validates the credentials under the given policy and
// returns the authenticated principal.
func (g *Gate) Authorize(
	ctx context.Context,
	creds Credentials,
	policy Policy,
) (Principal, error) {
	if creds.BearerToken != "" && g.tokens != nil {
		principal, err := g.tokens.ValidateToken(ctx, creds.BearerToken)
		if err == nil {
			return principal, nil
		}

		g.logger.Warn("rejected bearer token", "policy", policy.String(), "err", err)
	}

	if policy == PolicyTokenOnly {
		return Principal{}, ErrUnauthorized
	}

	if creds.SessionCookie != "" && g.sessions != nil {
		principal, err := g.sessions.ValidateSession(ctx, creds.SessionCookie)
		if err == nil {
			return principal, nil
		}

		g.logger.Warn("rejected session cookie", "policy", policy.String(), "err", err)
	}

	if policy == PolicyHybrid && creds.Interactive {
		return Principal{}, RedirectError{Location: g.loginURL}
	}

	return Principal{}, ErrUnauthorized
}
