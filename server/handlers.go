package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"goaltrack/storage"
)

const noMatchingUserAlert = "No registered user found"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Users     storage.UserStore
	Goals     storage.GoalStore
	Sessions  *SessionManager
	Providers ProviderResolver

	validate *validator.Validate
}

// ProviderResolver is the registry surface the handlers depend on.
type ProviderResolver interface {
	Resolve(ctx context.Context, name string) (IdentityProvider, error)
	Names() []string
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, store storage.Store, logger *slog.Logger) (*App, error) {
	key, err := cfg.SessionKey()
	if err != nil {
		return nil, err
	}
	if cfg.Session.Secret == "" {
		logger.Info("no session secret configured, generated a process-lifetime key")
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Users:     store,
		Goals:     store,
		Sessions:  NewSessionManager(cfg, key, logger),
		Providers: NewRegistry(cfg, logger),
		validate:  validator.New(),
	}, nil
}

type loginPage struct {
	Alerts    []string
	Providers []string
}

func (a *App) loginData(alerts ...string) loginPage {
	names := a.Providers.Names()
	sort.Strings(names)
	return loginPage{Alerts: alerts, Providers: names}
}

// handleLoginPage renders the login surface, or redirects home when a valid
// session is already present.
func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if a.Sessions.Parse(r) != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	var alerts []string
	if alert := r.URL.Query().Get("alert"); alert != "" {
		alerts = append(alerts, alert)
	}
	a.render(w, http.StatusOK, "login.html", a.loginData(alerts...))
}

type loginForm struct {
	Username string `validate:"required"`
	Password string `validate:"required"`
}

// handleLoginSubmit verifies local credentials and issues a session. Unknown
// user, disabled password login, and wrong password all produce the same
// response, so the outcome does not reveal which usernames exist.
func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.render(w, http.StatusBadRequest, "login.html", a.loginData("Invalid form submission."))
		return
	}

	form := loginForm{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	if err := a.validate.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			a.serverError(w, r, err)
			return
		}
		var alerts []string
		for _, fe := range verrs {
			switch fe.Field() {
			case "Username":
				alerts = append(alerts, "Username cannot be blank.")
			case "Password":
				alerts = append(alerts, "Password cannot be blank.")
			}
		}
		a.render(w, http.StatusOK, "login.html", a.loginData(alerts...))
		return
	}

	user, err := a.Users.UserByUsername(r.Context(), form.Username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.serverError(w, r, err)
		return
	}

	if user != nil {
		ok, err := VerifyPassword(form.Password, user.HashedPassword)
		if err != nil {
			a.serverError(w, r, err)
			return
		}
		if ok {
			if err := a.Sessions.Issue(w, user.ID); err != nil {
				a.serverError(w, r, err)
				return
			}
			http.Redirect(w, r, NextURLFromReferer(r.Referer()), http.StatusFound)
			return
		}
	}

	a.render(w, http.StatusOK, "login.html", a.loginData("Invalid username or password."))
}

// handleLogout clears the session cookie.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleSSOLogin initiates the authorization-code flow with the named
// provider.
func (a *App) handleSSOLogin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider, err := a.Providers.Resolve(r.Context(), name)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	st, err := NewAuthState(NextURLFromReferer(r.Referer()))
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	if err := a.Sessions.Begin(w, st); err != nil {
		a.serverError(w, r, err)
		return
	}

	http.Redirect(w, r, provider.AuthCodeURL(st.State, st.Nonce), http.StatusFound)
}

// handleSSOCallback completes the authorization-code flow. The sequence is
// fixed: consume auth state, check the state parameter, exchange the code,
// verify claims, resolve the local account. A state mismatch aborts before
// any call to the token endpoint.
func (a *App) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")

	st, err := a.Sessions.Consume(w, r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	if code == "" || state == "" {
		a.render(w, http.StatusBadRequest, "error.html", errorPage{Message: "Invalid callback request."})
		return
	}

	if subtle.ConstantTimeCompare([]byte(st.State), []byte(state)) != 1 {
		a.respondError(w, r, ErrStateMismatch)
		return
	}

	provider, err := a.Providers.Resolve(r.Context(), name)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultExchangeTimeout)
	defer cancel()
	claims, err := provider.Exchange(ctx, code, st.Nonce)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	user, err := a.Users.UserByEmail(r.Context(), claims.Email)
	if errors.Is(err, storage.ErrNotFound) {
		// Account linkage is by email only; no auto-provisioning.
		a.Logger.Info("sso login without local account", "provider", name, "request_id", RequestIDFromContext(r.Context()))
		a.render(w, http.StatusOK, "login.html", a.loginData(noMatchingUserAlert))
		return
	}
	if err != nil {
		a.serverError(w, r, err)
		return
	}

	if err := a.Sessions.Issue(w, user.ID); err != nil {
		a.serverError(w, r, err)
		return
	}

	http.Redirect(w, r, SafePath(st.NextURL), http.StatusFound)
}

type homePage struct {
	Username string
}

// handleIndex renders the home page, with the username when signed in.
func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	var page homePage
	if sess := a.Sessions.Parse(r); sess != nil {
		user, err := a.Users.UserByID(r.Context(), sess.UserID)
		if err == nil {
			page.Username = user.Username
		} else if !errors.Is(err, storage.ErrNotFound) {
			a.serverError(w, r, err)
			return
		}
	}
	a.render(w, http.StatusOK, "home.html", page)
}

type goalsPage struct {
	Username string
	Goals    []storage.Goal
	Alerts   []string
}

func (a *App) goalsData(ctx context.Context, userID int64, alerts ...string) (goalsPage, error) {
	page := goalsPage{Alerts: alerts}
	user, err := a.Users.UserByID(ctx, userID)
	if err != nil {
		return page, err
	}
	page.Username = user.Username

	goals, err := a.Goals.GoalsByUser(ctx, userID)
	if err != nil {
		return page, err
	}
	page.Goals = goals
	return page, nil
}

// handleGoals lists the signed-in user's goals.
func (a *App) handleGoals(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	page, err := a.goalsData(r.Context(), sess.UserID)
	if err != nil {
		a.serverError(w, r, err)
		return
	}
	a.render(w, http.StatusOK, "goals.html", page)
}

// handleGoalCreate adds a goal for the signed-in user.
func (a *App) handleGoalCreate(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		a.render(w, http.StatusBadRequest, "error.html", errorPage{Message: "Invalid form submission."})
		return
	}

	title := r.PostFormValue("title")
	if title == "" {
		page, err := a.goalsData(r.Context(), sess.UserID, "Title cannot be blank.")
		if err != nil {
			a.serverError(w, r, err)
			return
		}
		a.render(w, http.StatusOK, "goals.html", page)
		return
	}

	_, err := a.Goals.CreateGoal(r.Context(), storage.NewGoal{
		UserID:      sess.UserID,
		Title:       title,
		Description: r.PostFormValue("description"),
		Notes:       r.PostFormValue("notes"),
	})
	if err != nil {
		a.serverError(w, r, err)
		return
	}

	http.Redirect(w, r, "/goals", http.StatusFound)
}

type errorPage struct {
	Message string
}

// respondError is the single boundary between flow errors and the client.
// Full detail goes to the log; the client sees a minimal message mapped by
// error class.
func (a *App) respondError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := RequestIDFromContext(r.Context())

	switch {
	case errors.Is(err, ErrUnknownProvider):
		a.Logger.Warn("unknown provider requested", "error", err, "request_id", reqID)
		a.render(w, http.StatusNotFound, "error.html", errorPage{Message: "Unknown sign-in provider."})
	case securityViolation(err):
		a.Logger.Error("authentication aborted", "error", err, "request_id", reqID)
		a.render(w, http.StatusForbidden, "error.html", errorPage{Message: "Sign-in failed. Please try again."})
	case errors.Is(err, ErrDiscovery), errors.Is(err, ErrTokenExchange):
		a.Logger.Error("provider request failed", "error", err, "request_id", reqID)
		a.render(w, http.StatusBadGateway, "error.html", errorPage{Message: "The sign-in provider is unavailable. Please try again."})
	default:
		a.serverError(w, r, err)
	}
}

func (a *App) serverError(w http.ResponseWriter, r *http.Request, err error) {
	a.Logger.Error("internal error", "error", err, "request_id", RequestIDFromContext(r.Context()))
	a.render(w, http.StatusInternalServerError, "error.html", errorPage{Message: "Something went wrong."})
}
