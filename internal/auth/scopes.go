package auth

import (
	"net/http"
	"slices"
)

const (
	ScopeOpenID     = "openid"
	ScopeProfile    = "profile"
	ScopeEmail      = "email"
	ScopePortalRead = "portal:read"
	ScopePortalUse  = "portal:use"
)

// AllScopes defines the full set of scopes used by the Swagger UI / Frontend
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopePortalRead,
	ScopePortalUse,
}

// RequiredScope returns the portal scope a bearer token needs for method:
// portal:read for safe methods, portal:use for everything else.
func RequiredScope(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ScopePortalRead
	}
	return ScopePortalUse
}

// HasScope reports whether granted satisfies need. portal:use implies
// portal:read.
func HasScope(granted []string, need string) bool {
	if slices.Contains(granted, need) {
		return true
	}
	return need == ScopePortalRead && slices.Contains(granted, ScopePortalUse)
}
