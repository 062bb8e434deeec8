package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User is the authenticated principal extracted from a verified JWT.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier validates bearer tokens against a JWKS endpoint. Keys
// are cached and refreshed in the background so token verification
// never blocks on the network.
type JWTVerifier struct {
	jwksURL    string
	cache      *jwk.Cache
	refreshTTL time.Duration

	mu     sync.RWMutex
	keySet jwk.Set
}

// NewJWTVerifier creates a verifier and warms the key cache. The
// initial fetch is synchronous so a bad JWKS URL fails at startup.
func NewJWTVerifier(jwksURL string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("registering JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()
	return v, nil
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()
		if err != nil {
			continue
		}
		v.mu.Lock()
		v.keySet = keySet
		v.mu.Unlock()
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// UserFromRequest parses and validates the Authorization header and
// returns the token's user.
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	var email, name string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}
	if claim, ok := token.Get("name"); ok {
		name, _ = claim.(string)
	}

	return &User{ID: userID, Email: email, Name: name}, nil
}
