package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TenantClaim carries the tenant a bearer token acts for
const TenantClaim = "tenant_id"

// ErrUnauthenticated is returned when a request carries no usable token
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the caller identified by a bearer token
type Principal struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Verifier authenticates API requests
type Verifier interface {
	Verify(r *http.Request) (*Principal, error)
}

// JWTVerifier handles JWT token verification with cached JWKS
type JWTVerifier struct {
	jwksURL     string
	issuer      string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
}

// NewJWTVerifier creates a verifier for tokens signed by the keys at
// jwksURL. Keys are refreshed in the background until ctx is done, so
// verification never waits on the network.
func NewJWTVerifier(ctx context.Context, jwksURL, issuer string) (*JWTVerifier, error) {
	verifier := &JWTVerifier{
		jwksURL:    jwksURL,
		issuer:     issuer,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(verifier.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	verifier.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keySet, err := verifier.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	verifier.keySet = keySet
	verifier.lastFetch = time.Now()

	go verifier.backgroundRefresh(ctx)

	return verifier, nil
}

// fetchKeySet retrieves the JWKS from the cache, fetching directly when the
// cache fails
func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()

		// a failed refresh keeps the previous keys until the next tick
		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.lastFetch = time.Now()
			v.keySetMutex.Unlock()
		}
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// Verify validates the bearer token of the request
func (v *JWTVerifier) Verify(r *http.Request) (*Principal, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims := map[string]string{}
	for _, name := range []string{TenantClaim, "email", "name"} {
		if raw, ok := token.Get(name); ok {
			claims[name], _ = raw.(string)
		}
	}
	return principal(token.Subject(), claims[TenantClaim], claims["email"], claims["name"])
}

// Stats describes the cached key set
func (v *JWTVerifier) Stats() map[string]any {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	keyCount := 0
	if v.keySet != nil {
		keyCount = v.keySet.Len()
	}

	return map[string]any{
		"keys_cached": keyCount,
		"last_fetch":  v.lastFetch,
		"age_seconds": time.Since(v.lastFetch).Seconds(),
		"jwks_url":    v.jwksURL,
	}
}

func principal(sub, tenant, email, name string) (*Principal, error) {
	if sub == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrUnauthenticated)
	}
	if tenant == "" {
		return nil, fmt.Errorf("%w: token missing %s claim", ErrUnauthenticated, TenantClaim)
	}
	return &Principal{UserID: sub, TenantID: tenant, Email: email, Name: name}, nil
}
