package auth

import (
	"context"
	"log/slog"
	"time"
)

// Claims is the subset of an identity-assertion response the verifier needs.
type Claims struct {
	Email         string
	EmailVerified bool
	Expiry        time.Time
}

// Checker performs the external signed-token check. Implementations decide
// the transport (tokeninfo lookup, local signature verification).
type Checker interface {
	Check(ctx context.Context, token string) (Claims, error)
}

// Verifier validates inbound bearer tokens against an expected signer
// identity, consulting the cache before falling back to the external check.
type Verifier struct {
	cache   *Cache
	checker Checker
	logger  *slog.Logger
}

// NewVerifier creates a verifier backed by the given cache and checker.
func NewVerifier(cache *Cache, checker Checker, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		cache:   cache,
		checker: checker,
		logger:  logger.With("component", "token_verifier"),
	}
}

// Verify reports whether token was signed by expectedEmail. It never returns
// an error: all failures collapse to false with a logged diagnostic.
//
// A cached unexpired token is accepted without an external call. Otherwise
// the external check must succeed, assert a verified email, and match the
// expected identity; only then is the token cached, with the claimed expiry.
// The claimed expiry is never extended. Two requests verifying the same token
// concurrently both perform the external check and converge on the same
// cache entry.
func (v *Verifier) Verify(ctx context.Context, token, expectedEmail string) bool {
	if v.cache.Lookup(token) == Valid {
		return true
	}

	claims, err := v.checker.Check(ctx, token)
	if err != nil {
		v.logger.WarnContext(ctx, "token check failed", "error", err)
		return false
	}
	if !claims.EmailVerified {
		v.logger.WarnContext(ctx, "token email claim is not verified", "email", claims.Email)
		return false
	}
	if claims.Email != expectedEmail {
		v.logger.WarnContext(ctx, "token email claim does not match expected service account",
			"email", claims.Email)
		return false
	}

	v.cache.Insert(token, claims.Expiry)
	return true
}
