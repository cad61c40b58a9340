package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"maas-portal/backend/pkg/models"
)

const apiKeyIssuer = "maas-portal"

var (
	// ErrAPIKeysDisabled is returned when no signing secret is configured.
	ErrAPIKeysDisabled = errors.New("api keys are disabled: auth.api_key_secret is not set")
	// ErrInvalidAPIKey is returned for keys that fail verification or were revoked.
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// KeyStore persists key metadata.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*models.APIKey, error)
}

// KeyClaims are the claims of a developer API key. The key id is the JWT id.
type KeyClaims struct {
	Tenant string `json:"tenant"`
	jwt.RegisteredClaims
}

// APIKeys issues and verifies developer console keys as HS256 JWTs.
type APIKeys struct {
	secret []byte
	ttl    time.Duration
	store  KeyStore
	now    func() time.Time
}

func NewAPIKeys(secret string, ttl time.Duration, store KeyStore) *APIKeys {
	return &APIKeys{secret: []byte(secret), ttl: ttl, store: store, now: time.Now}
}

// Issue creates a key for the tenant in ctx. The returned token is shown
// once and never stored.
func (k *APIKeys) Issue(ctx context.Context, name string) (*models.APIKey, string, error) {
	if len(k.secret) == 0 {
		return nil, "", ErrAPIKeysDisabled
	}
	tenant, ok := models.TenantFromContext(ctx)
	if !ok {
		return nil, "", errors.New("tenant id not found in context")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}

	now := k.now().UTC()
	key := &models.APIKey{ID: uuid.New().String(), Name: name}
	claims := KeyClaims{
		Tenant: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       key.ID,
			Issuer:   apiKeyIssuer,
			Subject:  name,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if k.ttl > 0 {
		exp := now.Add(k.ttl)
		key.ExpiresAt = &exp
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
	if err != nil {
		return nil, "", fmt.Errorf("sign api key: %w", err)
	}
	key.Prefix = token[len(token)-8:]
	if err := k.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("store api key: %w", err)
	}
	return key, token, nil
}

// Verify checks the signature and expiry of raw and that the key is still
// held unrevoked by the store. It returns the stored key.
func (k *APIKeys) Verify(ctx context.Context, raw string) (*models.APIKey, error) {
	if len(k.secret) == 0 {
		return nil, ErrAPIKeysDisabled
	}
	var claims KeyClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return k.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(apiKeyIssuer),
		jwt.WithTimeFunc(k.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAPIKey, err)
	}
	key, err := k.store.GetAPIKey(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAPIKey, err)
	}
	if key.TenantID != claims.Tenant || !key.Active(k.now()) {
		return nil, ErrInvalidAPIKey
	}
	return key, nil
}

// IsAPIKey reports whether raw looks like a key issued by APIKeys, without
// verifying it.
func IsAPIKey(raw string) bool {
	var claims KeyClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return false
	}
	return claims.Issuer == apiKeyIssuer
}
