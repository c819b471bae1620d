package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

var (
	// ErrJWKSKeyNotFound is returned when the token kid is absent even after a refresh.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while loading the key set.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	defaultJWKSRefreshInterval = time.Hour
	defaultJWKSRateLimit       = 5 * time.Minute
)

// JWKSCache loads the key set on first use and keeps it fresh in the background. An unknown kid
// triggers an out-of-band refresh, rate limited so forged kids cannot hammer the issuer.
type JWKSCache struct {
	url       string
	client    *http.Client
	logger    *zap.Logger
	interval  time.Duration
	rateLimit time.Duration

	mu   sync.Mutex
	jwks *keyfunc.JWKS
}

// JWKSOption customises JWKSCache behaviour.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient overrides the HTTP client used to fetch the key set.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger sets the logger used for background refresh failures.
func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSRefresh sets the periodic refresh interval and the minimum gap between unknown-kid
// refreshes. Zero keeps the default for either value; a negative rate limit disables it.
func WithJWKSRefresh(interval, rateLimit time.Duration) JWKSOption {
	return func(c *JWKSCache) {
		if interval > 0 {
			c.interval = interval
		}
		switch {
		case rateLimit > 0:
			c.rateLimit = rateLimit
		case rateLimit < 0:
			c.rateLimit = 0
		}
	}
}

// NewJWKSCache constructs a JWKS cache for url. Nothing is fetched until a token is verified.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		url:       url,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    zap.NewNop(),
		interval:  defaultJWKSRefreshInterval,
		rateLimit: defaultJWKSRateLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

// Keyfunc returns a jwt.Keyfunc backed by the cache.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if kid, _ := token.Header["kid"].(string); kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		jwks, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		key, err := jwks.Keyfunc(token)
		if errors.Is(err, keyfunc.ErrKIDNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrJWKSKeyNotFound, token.Header["kid"])
		}
		return key, err
	}
}

// Close stops the background refresh.
func (c *JWKSCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jwks != nil {
		c.jwks.EndBackground()
		c.jwks = nil
	}
}

// load performs the first fetch. A failed first fetch is not kept; the next token retries it.
func (c *JWKSCache) load(ctx context.Context) (*keyfunc.JWKS, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jwks != nil {
		return c.jwks, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jwks, err := keyfunc.Get(c.url, keyfunc.Options{
		Client:            c.client,
		RefreshInterval:   c.interval,
		RefreshRateLimit:  c.rateLimit,
		RefreshTimeout:    c.client.Timeout,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			c.logger.Warn("jwks refresh failed", zap.String("url", c.url), zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	c.logger.Debug("jwks loaded", zap.Int("keys", len(jwks.KIDs())))
	c.jwks = jwks
	return jwks, nil
}
