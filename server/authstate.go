package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	authStateCookieName = "auth_state"
	authStateTTL        = 10 * time.Minute
)

// AuthState is the per-attempt state that must survive the redirect round
// trip to the provider: the CSRF token echoed back as the state parameter,
// the nonce expected inside the ID token, and the pending return-to path.
type AuthState struct {
	State   string
	Nonce   string
	NextURL string
}

type authStateClaims struct {
	Nonce   string `json:"flow_nonce"`
	NextURL string `json:"next_url,omitempty"`
	jwt.RegisteredClaims
}

// NewAuthState generates fresh random state and nonce values.
func NewAuthState(nextURL string) (AuthState, error) {
	state, err := randomToken()
	if err != nil {
		return AuthState{}, err
	}
	nonce, err := randomToken()
	if err != nil {
		return AuthState{}, err
	}
	return AuthState{State: state, Nonce: nonce, NextURL: nextURL}, nil
}

// Begin signs the auth state into its short-lived cookie. The cookie is
// separate from the session cookie and lives only for the duration of one
// login attempt.
func (sm *SessionManager) Begin(w http.ResponseWriter, st AuthState) error {
	now := time.Now()
	claims := authStateClaims{
		Nonce:   st.Nonce,
		NextURL: st.NextURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        st.State,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(authStateTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.key)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authStateCookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(authStateTTL.Seconds()),
	})
	return nil
}

// Consume reads, deletes, and verifies the auth-state cookie. The cookie is
// cleared on the response regardless of outcome; the state is usable at
// most once per login attempt.
func (sm *SessionManager) Consume(w http.ResponseWriter, r *http.Request) (AuthState, error) {
	http.SetCookie(w, &http.Cookie{
		Name:     authStateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})

	cookie, err := r.Cookie(authStateCookieName)
	if err != nil || cookie.Value == "" {
		return AuthState{}, ErrMissingAuthState
	}

	claims := &authStateClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims,
		func(t *jwt.Token) (any, error) { return sm.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return AuthState{}, fmt.Errorf("%w: invalid auth state cookie", ErrMissingAuthState)
	}

	return AuthState{
		State:   claims.ID,
		Nonce:   claims.Nonce,
		NextURL: claims.NextURL,
	}, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
