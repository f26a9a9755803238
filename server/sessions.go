package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName is the cookie carrying the signed session token.
const SessionCookieName = "user"

// Session is the authenticated state proven by a valid session cookie.
// There is no server-side session store; validity rests entirely on the
// signature over the cookie content.
type Session struct {
	UserID   int64
	IssuedAt time.Time
}

// SessionManager issues and parses signed session cookies.
type SessionManager struct {
	key    []byte
	ttl    time.Duration
	secure bool
	logger *slog.Logger
}

// NewSessionManager constructs a session manager from config and the
// process signing key.
func NewSessionManager(cfg Config, key []byte, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		key:    key,
		ttl:    cfg.Session.TTL,
		secure: !cfg.Server.DevMode,
		logger: logger,
	}
}

// Issue signs a session for the user and sets the cookie on the response.
func (sm *SessionManager) Issue(w http.ResponseWriter, userID int64) error {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sm.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.key)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	return nil
}

// Parse returns the session proven by the request cookie. Missing,
// truncated, tampered, or expired cookies all yield nil; callers must treat
// nil identically to an absent session.
func (sm *SessionManager) Parse(r *http.Request) *Session {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims,
		func(t *jwt.Token) (any, error) { return sm.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return nil
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil
	}

	sess := &Session{UserID: userID}
	if claims.IssuedAt != nil {
		sess.IssuedAt = claims.IssuedAt.Time
	}
	return sess
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
