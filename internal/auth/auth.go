package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"maas-portal/backend/internal/config"
	"maas-portal/backend/internal/repository"
	"maas-portal/backend/pkg/models"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Store is the persistence Auth needs: tenant provisioning and key lookup.
type Store interface {
	repository.TenantStore
	KeyStore
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant, and for developer API keys.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	keys         *APIKeys
	repo         Store
	logger       Logger
	devMode      bool
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares an
// ID token verifier.
func New(ctx context.Context, cfg *config.Config, repo Store, logger Logger) (*Auth, error) {
	isDev := cfg.IsDev()
	shouldBypass := isDev && cfg.DevModeBypass

	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !shouldBypass {
		if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Access tokens carry the API audience rather than the client id.
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return &Auth{
		oauth2Config: oauth2Config,
		verifier:     verifier,
		apiVerifier:  apiVerifier,
		keys:         NewAPIKeys(cfg.Auth.APIKeySecret, cfg.Auth.APIKeyTTL, repo),
		repo:         repo,
		logger:       logger,
		devMode:      isDev,
		authBypass:   shouldBypass,
	}, nil
}

// Keys returns the API key issuer used by the middleware.
func (a *Auth) Keys() *APIKeys { return a.keys }

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, and sets a
// session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth is middleware that resolves the caller's tenant and stores it
// in the request context with models.WithTenant. It accepts, in order: a
// developer API key, the dev bypass identity, an OIDC bearer access token and
// the id_token session cookie. Browsers without a session are redirected to
// the login page. Bearer access tokens must also carry the portal scope the
// request method needs; see RequiredScope.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, hasBearer := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

		if hasBearer && IsAPIKey(bearer) {
			key, err := a.keys.Verify(r.Context(), bearer)
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(models.WithTenant(r.Context(), key.TenantID)))
			return
		}

		var email string
		var scopes []string
		if a.authBypass {
			email = "dev@localhost"
		} else {
			var token *oidc.IDToken
			var err error

			if hasBearer {
				token, err = a.apiVerifier.Verify(r.Context(), bearer)
				if err != nil {
					unauthorized(w, "invalid token: "+err.Error())
					return
				}
			} else {
				cookie, err := r.Cookie("id_token")
				if err != nil {
					http.Redirect(w, r, "/login", http.StatusSeeOther)
					return
				}
				token, err = a.verifier.Verify(r.Context(), cookie.Value)
				if err != nil {
					unauthorized(w, "invalid token: "+err.Error())
					return
				}
			}

			var claims struct {
				Email string   `json:"email"`
				Scp   []string `json:"scp"`
				Scope string   `json:"scope"`
			}
			if err := token.Claims(&claims); err != nil {
				unauthorized(w, "failed to parse token claims")
				return
			}
			email = claims.Email
			if hasBearer {
				scopes = append(claims.Scp, strings.Fields(claims.Scope)...)
				if scopes == nil {
					scopes = []string{}
				}
			}
		}

		_, domain, ok := strings.Cut(email, "@")
		if !ok || domain == "" || strings.Contains(domain, "@") {
			unauthorized(w, "invalid email format in token")
			return
		}

		// nil scopes: cookie session, fully granted
		if scopes != nil {
			if need := RequiredScope(r.Method); !HasScope(scopes, need) {
				forbidden(w, "token lacks scope "+need)
				return
			}
		}

		tenant, err := a.resolveTenant(r.Context(), strings.ToLower(domain))
		if err != nil {
			if a.logger != nil {
				a.logger.Error("failed to provision tenant", "domain", domain, "error", err)
			}
			http.Error(w, "failed to provision tenant", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(models.WithTenant(r.Context(), tenant.ID)))
	})
}

// resolveTenant looks the tenant up by e-mail domain and provisions it on first sight.
func (a *Auth) resolveTenant(ctx context.Context, domain string) (*models.Tenant, error) {
	tenant, err := a.repo.GetTenantByDomain(ctx, domain)
	if err == nil {
		return tenant, nil
	}
	tenant = &models.Tenant{Name: domain, Domain: domain}
	if err := a.repo.CreateTenant(ctx, tenant); err != nil {
		return nil, err
	}
	if a.logger != nil {
		a.logger.Info("provisioned tenant", "domain", domain, "tenant", tenant.ID)
	}
	return tenant, nil
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func unauthorized(w http.ResponseWriter, detail string) {
	problem(w, http.StatusUnauthorized, detail)
}

func forbidden(w http.ResponseWriter, detail string) {
	problem(w, http.StatusForbidden, detail)
}

func problem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ProblemDetails{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
