package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"

	"goaltrack/storage"
)

type fakeStore struct {
	users  []storage.User
	goals  []storage.Goal
	nextID int64
}

func (s *fakeStore) UserByID(ctx context.Context, id int64) (*storage.User, error) {
	for i := range s.users {
		if s.users[i].ID == id {
			u := s.users[i]
			return &u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeStore) UserByUsername(ctx context.Context, username string) (*storage.User, error) {
	for i := range s.users {
		if s.users[i].Username == username {
			u := s.users[i]
			return &u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeStore) UserByEmail(ctx context.Context, email string) (*storage.User, error) {
	for i := range s.users {
		if s.users[i].Email != "" && s.users[i].Email == email {
			u := s.users[i]
			return &u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeStore) CreateUser(ctx context.Context, nu storage.NewUser) (*storage.User, error) {
	s.nextID++
	u := storage.User{ID: s.nextID, Username: nu.Username, HashedPassword: nu.HashedPassword, Email: nu.Email}
	s.users = append(s.users, u)
	return &u, nil
}

func (s *fakeStore) ListUsers(ctx context.Context) ([]storage.User, error) {
	return s.users, nil
}

func (s *fakeStore) GoalsByUser(ctx context.Context, userID int64) ([]storage.Goal, error) {
	var out []storage.Goal
	for _, g := range s.goals {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateGoal(ctx context.Context, ng storage.NewGoal) (*storage.Goal, error) {
	s.nextID++
	g := storage.Goal{ID: s.nextID, UserID: ng.UserID, Title: ng.Title, Description: ng.Description, Notes: ng.Notes}
	s.goals = append(s.goals, g)
	return &g, nil
}

type fakeProvider struct {
	exchangeCalls int
	lastNonce     string
	claims        Claims
	err           error
}

func (p *fakeProvider) AuthCodeURL(state, nonce string) string {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state) + "&nonce=" + url.QueryEscape(nonce)
}

func (p *fakeProvider) Exchange(ctx context.Context, code, expectedNonce string) (Claims, error) {
	p.exchangeCalls++
	p.lastNonce = expectedNonce
	if p.err != nil {
		return Claims{}, p.err
	}
	return p.claims, nil
}

type fakeResolver struct {
	providers map[string]*fakeProvider
}

func (r *fakeResolver) Resolve(ctx context.Context, name string) (IdentityProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *fakeResolver) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

func newTestApp(t *testing.T, store *fakeStore, resolver *fakeResolver) *App {
	t.Helper()
	cfg := DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if resolver == nil {
		resolver = &fakeResolver{providers: map[string]*fakeProvider{}}
	}
	return &App{
		Config:    cfg,
		Logger:    logger,
		Users:     store,
		Goals:     store,
		Sessions:  NewSessionManager(cfg, []byte("0123456789abcdef0123456789abcdef"), logger),
		Providers: resolver,
		validate:  validator.New(),
	}
}

func storedUser(t *testing.T, store *fakeStore, username, password, email string) *storage.User {
	t.Helper()
	var hashed string
	if password != "" {
		var err error
		hashed, err = HashPassword(password)
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
	}
	u, err := store.CreateUser(context.Background(), storage.NewUser{Username: username, HashedPassword: hashed, Email: email})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func postForm(path string, values url.Values) *http.Request {
	r := httptest.NewRequest("POST", path, strings.NewReader(values.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func responseCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name && c.MaxAge >= 0 && c.Value != "" {
			return c
		}
	}
	return nil
}

func TestAuthGateRedirectsUnauthenticated(t *testing.T) {
	app := newTestApp(t, &fakeStore{}, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/goals", nil)
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if loc := w.Header().Get("Location"); loc != "/login?next_url=/goals" {
		t.Fatalf("Location = %q, want /login?next_url=/goals", loc)
	}
}

func TestAuthGateDoesNotRunHandlerUnauthenticated(t *testing.T) {
	app := newTestApp(t, &fakeStore{}, nil)

	ran := false
	gate := app.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = true
	}))

	w := httptest.NewRecorder()
	gate.ServeHTTP(w, httptest.NewRequest("GET", "/goals", nil))
	if ran {
		t.Fatalf("protected handler ran without a session")
	}
}

func TestLocalLoginSuccess(t *testing.T) {
	store := &fakeStore{}
	alice := storedUser(t, store, "alice", "correct horse", "")
	app := newTestApp(t, store, nil)

	w := httptest.NewRecorder()
	r := postForm("/login", url.Values{"username": {"alice"}, "password": {"correct horse"}})
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if loc := w.Header().Get("Location"); loc != "/" {
		t.Fatalf("Location = %q, want /", loc)
	}

	cookie := responseCookie(w, SessionCookieName)
	if cookie == nil {
		t.Fatalf("session cookie not set")
	}
	check := httptest.NewRequest("GET", "/", nil)
	check.AddCookie(cookie)
	sess := app.Sessions.Parse(check)
	if sess == nil || sess.UserID != alice.ID {
		t.Fatalf("session does not resolve back to alice: %+v", sess)
	}
}

func TestLocalLoginPreservesNextURL(t *testing.T) {
	store := &fakeStore{}
	storedUser(t, store, "alice", "correct horse", "")
	app := newTestApp(t, store, nil)

	w := httptest.NewRecorder()
	r := postForm("/login", url.Values{"username": {"alice"}, "password": {"correct horse"}})
	r.Header.Set("Referer", "http://127.0.0.1:3000/login?next_url=/goals")
	app.Routes().ServeHTTP(w, r)

	if loc := w.Header().Get("Location"); loc != "/goals" {
		t.Fatalf("Location = %q, want /goals", loc)
	}
}

func TestLocalLoginFailuresAreIndistinguishable(t *testing.T) {
	store := &fakeStore{}
	storedUser(t, store, "alice", "correct horse", "")
	storedUser(t, store, "ssoonly", "", "sso@example.com")
	app := newTestApp(t, store, nil)

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"unknown_user", "nobody", "whatever"},
		{"wrong_password", "alice", "incorrect"},
		{"password_login_disabled", "ssoonly", "whatever"},
	}

	var bodies []string
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := postForm("/login", url.Values{"username": {tc.username}, "password": {tc.password}})
			app.Routes().ServeHTTP(w, r)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if c := responseCookie(w, SessionCookieName); c != nil {
				t.Fatalf("failed login set a session cookie")
			}
			body := w.Body.String()
			if !strings.Contains(body, "Invalid username or password.") {
				t.Fatalf("generic failure message missing from body")
			}
			bodies = append(bodies, body)
		})
	}

	for i := 1; i < len(bodies); i++ {
		if bodies[i] != bodies[0] {
			t.Fatalf("failure responses differ between cases %d and 0", i)
		}
	}
}

func TestLocalLoginBlankFields(t *testing.T) {
	app := newTestApp(t, &fakeStore{}, nil)

	w := httptest.NewRecorder()
	r := postForm("/login", url.Values{"username": {""}, "password": {""}})
	app.Routes().ServeHTTP(w, r)

	body := w.Body.String()
	if !strings.Contains(body, "Username cannot be blank.") || !strings.Contains(body, "Password cannot be blank.") {
		t.Fatalf("validation messages missing from body: %s", body)
	}
	if c := responseCookie(w, SessionCookieName); c != nil {
		t.Fatalf("invalid form set a session cookie")
	}
}

func TestLoginPageRedirectsWhenAuthenticated(t *testing.T) {
	app := newTestApp(t, &fakeStore{}, nil)

	issue := httptest.NewRecorder()
	if err := app.Sessions.Issue(issue, 1); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/login", nil)
	r.AddCookie(responseCookie(issue, SessionCookieName))
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Fatalf("authenticated /login: status %d location %q", w.Code, w.Header().Get("Location"))
	}
}

func TestLogoutClearsSession(t *testing.T) {
	app := newTestApp(t, &fakeStore{}, nil)

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, httptest.NewRequest("GET", "/logout", nil))

	if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Fatalf("logout: status %d location %q", w.Code, w.Header().Get("Location"))
	}
	cleared := false
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("logout did not expire the session cookie")
	}
}

func TestSSOLoginRedirectsToProvider(t *testing.T) {
	provider := &fakeProvider{}
	app := newTestApp(t, &fakeStore{}, &fakeResolver{providers: map[string]*fakeProvider{"google": provider}})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/google/login", nil)
	r.Header.Set("Referer", "http://127.0.0.1:3000/login?next_url=/goals")
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://idp.example.com/authorize?") {
		t.Fatalf("Location = %q, want provider authorization URL", loc)
	}

	cookie := responseCookie(w, authStateCookieName)
	if cookie == nil {
		t.Fatalf("auth state cookie not set")
	}

	// The state embedded in the redirect must match the cookie.
	check := httptest.NewRequest("GET", "/google/callback", nil)
	check.AddCookie(cookie)
	st, err := app.Sessions.Consume(httptest.NewRecorder(), check)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	u, err := url.Parse(loc)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if got := u.Query().Get("state"); got != st.State {
		t.Fatalf("redirect state %q != cookie state %q", got, st.State)
	}
	if st.NextURL != "/goals" {
		t.Fatalf("next url not captured: %q", st.NextURL)
	}
}

func TestSSOLoginUnknownProvider(t *testing.T) {
	app := newTestApp(t, &fakeStore{}, nil)

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, httptest.NewRequest("GET", "/doesnotexist/login", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// beginAuthFlow issues an auth-state cookie the way /{provider}/login does
// and returns the cookie with its embedded state.
func beginAuthFlow(t *testing.T, app *App, nextURL string) (*http.Cookie, AuthState) {
	t.Helper()
	st, err := NewAuthState(nextURL)
	if err != nil {
		t.Fatalf("NewAuthState: %v", err)
	}
	w := httptest.NewRecorder()
	if err := app.Sessions.Begin(w, st); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cookie := responseCookie(w, authStateCookieName)
	if cookie == nil {
		t.Fatalf("auth state cookie not set")
	}
	return cookie, st
}

func TestCallbackStateMismatchAbortsBeforeExchange(t *testing.T) {
	provider := &fakeProvider{claims: Claims{Subject: "sub", Email: "alice@example.com"}}
	store := &fakeStore{}
	storedUser(t, store, "alice", "", "alice@example.com")
	app := newTestApp(t, store, &fakeResolver{providers: map[string]*fakeProvider{"google": provider}})

	cookie, _ := beginAuthFlow(t, app, "/")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/google/callback?code=abc&state=forged", nil)
	r.AddCookie(cookie)
	app.Routes().ServeHTTP(w, r)

	if provider.exchangeCalls != 0 {
		t.Fatalf("token endpoint called %d times despite state mismatch", provider.exchangeCalls)
	}
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if c := responseCookie(w, SessionCookieName); c != nil {
		t.Fatalf("state mismatch issued a session cookie")
	}
}

func TestCallbackMissingAuthState(t *testing.T) {
	provider := &fakeProvider{}
	app := newTestApp(t, &fakeStore{}, &fakeResolver{providers: map[string]*fakeProvider{"google": provider}})

	w := httptest.NewRecorder()
	app.Routes().ServeHTTP(w, httptest.NewRequest("GET", "/google/callback?code=abc&state=x", nil))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if provider.exchangeCalls != 0 {
		t.Fatalf("token endpoint called without auth state")
	}
}

func TestCallbackNoMatchingUser(t *testing.T) {
	provider := &fakeProvider{claims: Claims{Subject: "sub-ghost", Email: "ghost@example.com"}}
	app := newTestApp(t, &fakeStore{}, &fakeResolver{providers: map[string]*fakeProvider{"google": provider}})

	cookie, st := beginAuthFlow(t, app, "/")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/google/callback?code=abc&state="+st.State, nil)
	r.AddCookie(cookie)
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "No registered user found") {
		t.Fatalf("no-matching-user alert missing from body")
	}
	if c := responseCookie(w, SessionCookieName); c != nil {
		t.Fatalf("session cookie set for unlinked external identity")
	}
	if provider.exchangeCalls != 1 {
		t.Fatalf("exchange calls = %d, want 1", provider.exchangeCalls)
	}
}

func TestCallbackSuccess(t *testing.T) {
	store := &fakeStore{}
	alice := storedUser(t, store, "alice", "", "alice@example.com")
	provider := &fakeProvider{claims: Claims{Subject: "sub-alice", Email: "alice@example.com"}}
	app := newTestApp(t, store, &fakeResolver{providers: map[string]*fakeProvider{"google": provider}})

	cookie, st := beginAuthFlow(t, app, "/goals")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/google/callback?code=abc&state="+st.State, nil)
	r.AddCookie(cookie)
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if loc := w.Header().Get("Location"); loc != "/goals" {
		t.Fatalf("Location = %q, want /goals", loc)
	}
	if provider.lastNonce != st.Nonce {
		t.Fatalf("exchange nonce %q != issued nonce %q", provider.lastNonce, st.Nonce)
	}

	sessionCookie := responseCookie(w, SessionCookieName)
	if sessionCookie == nil {
		t.Fatalf("session cookie not set")
	}
	check := httptest.NewRequest("GET", "/", nil)
	check.AddCookie(sessionCookie)
	sess := app.Sessions.Parse(check)
	if sess == nil || sess.UserID != alice.ID {
		t.Fatalf("session does not resolve to alice: %+v", sess)
	}
}

func TestCallbackForeignNextURLCollapsesToRoot(t *testing.T) {
	store := &fakeStore{}
	storedUser(t, store, "alice", "", "alice@example.com")
	provider := &fakeProvider{claims: Claims{Subject: "sub-alice", Email: "alice@example.com"}}
	app := newTestApp(t, store, &fakeResolver{providers: map[string]*fakeProvider{"google": provider}})

	// NextURL inside the signed cookie is still guarded before redirecting.
	st := AuthState{State: "s1", Nonce: "n1", NextURL: "https://evil.example.com/"}
	begin := httptest.NewRecorder()
	if err := app.Sessions.Begin(begin, st); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/google/callback?code=abc&state=s1", nil)
	r.AddCookie(responseCookie(begin, authStateCookieName))
	app.Routes().ServeHTTP(w, r)

	if loc := w.Header().Get("Location"); loc != "/" {
		t.Fatalf("Location = %q, want /", loc)
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	provider := &fakeProvider{err: fmt.Errorf("%w: upstream 500", ErrTokenExchange)}
	app := newTestApp(t, &fakeStore{}, &fakeResolver{providers: map[string]*fakeProvider{"google": provider}})

	cookie, st := beginAuthFlow(t, app, "/")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/google/callback?code=abc&state="+st.State, nil)
	r.AddCookie(cookie)
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if c := responseCookie(w, SessionCookieName); c != nil {
		t.Fatalf("session cookie set despite exchange failure")
	}
}

func TestCallbackClaimsVerificationFailure(t *testing.T) {
	provider := &fakeProvider{err: fmt.Errorf("%w: nonce mismatch", ErrClaimsVerification)}
	app := newTestApp(t, &fakeStore{}, &fakeResolver{providers: map[string]*fakeProvider{"google": provider}})

	cookie, st := beginAuthFlow(t, app, "/")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/google/callback?code=abc&state="+st.State, nil)
	r.AddCookie(cookie)
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if strings.Contains(w.Body.String(), "nonce") {
		t.Fatalf("security failure detail leaked to client")
	}
}

func TestGoalsPage(t *testing.T) {
	store := &fakeStore{}
	alice := storedUser(t, store, "alice", "pw", "")
	app := newTestApp(t, store, nil)
	if _, err := store.CreateGoal(context.Background(), storage.NewGoal{UserID: alice.ID, Title: "Run a marathon"}); err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}

	issue := httptest.NewRecorder()
	if err := app.Sessions.Issue(issue, alice.ID); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/goals", nil)
	r.AddCookie(responseCookie(issue, SessionCookieName))
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "Run a marathon") {
		t.Fatalf("goal missing from page")
	}
}

func TestGoalCreate(t *testing.T) {
	store := &fakeStore{}
	alice := storedUser(t, store, "alice", "pw", "")
	app := newTestApp(t, store, nil)

	issue := httptest.NewRecorder()
	if err := app.Sessions.Issue(issue, alice.ID); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	w := httptest.NewRecorder()
	r := postForm("/goals", url.Values{"title": {"Read more"}, "description": {"One book a month"}})
	r.AddCookie(responseCookie(issue, SessionCookieName))
	app.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusFound || w.Header().Get("Location") != "/goals" {
		t.Fatalf("goal create: status %d location %q", w.Code, w.Header().Get("Location"))
	}
	goals, _ := store.GoalsByUser(context.Background(), alice.ID)
	if len(goals) != 1 || goals[0].Title != "Read more" {
		t.Fatalf("goal not persisted: %+v", goals)
	}
}

func TestHomeShowsUsername(t *testing.T) {
	store := &fakeStore{}
	alice := storedUser(t, store, "alice", "pw", "")
	app := newTestApp(t, store, nil)

	issue := httptest.NewRecorder()
	if err := app.Sessions.Issue(issue, alice.ID); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(responseCookie(issue, SessionCookieName))
	app.Routes().ServeHTTP(w, r)

	if !strings.Contains(w.Body.String(), "alice") {
		t.Fatalf("username missing from home page")
	}
}
