package server

import "errors"

// Sentinel errors for the authentication flows. Handlers wrap these with
// detail for the logs; the boundary in respondError maps them to minimal
// client-facing responses.
var (
	// ErrUnknownProvider marks a provider name with no configuration; a
	// caller error, not a protocol failure.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrDiscovery marks a failure to fetch or parse the issuer's
	// discovery metadata.
	ErrDiscovery = errors.New("provider discovery failed")

	// ErrTokenExchange marks a transport or provider-side failure during
	// the code-for-token exchange.
	ErrTokenExchange = errors.New("token exchange failed")

	// ErrClaimsVerification marks an ID token rejected on signature,
	// issuer, audience, or nonce grounds.
	ErrClaimsVerification = errors.New("claims verification failed")

	// ErrMissingEmail marks a verified ID token carrying no email claim.
	ErrMissingEmail = errors.New("no email claim in id token")

	// ErrStateMismatch marks a callback whose state parameter does not
	// match the one issued at initiation.
	ErrStateMismatch = errors.New("state parameter mismatch")

	// ErrMissingAuthState marks a callback arriving without a usable
	// auth-state cookie.
	ErrMissingAuthState = errors.New("missing auth state")
)

// securityViolation reports whether the error must never be surfaced with
// detail to the client.
func securityViolation(err error) bool {
	return errors.Is(err, ErrStateMismatch) ||
		errors.Is(err, ErrClaimsVerification) ||
		errors.Is(err, ErrMissingEmail) ||
		errors.Is(err, ErrMissingAuthState)
}
