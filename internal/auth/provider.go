// Package auth supplies the authentication collaborator. The pipeline sees
// only an opaque pass/fail outcome plus an optional scope list; token
// mechanics stay behind the Provider interface.
package auth

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
)

const (
	// ProviderNone disables authentication.
	ProviderNone = "none"
	// ProviderJWT authenticates bearer tokens signed with HMAC or RSA.
	ProviderJWT = "jwt"

	// SubjectAnonymous is the identity subject when authentication is
	// disabled.
	SubjectAnonymous = "anonymous"

	authHeaderParts = 2 // Format: "Bearer <token>"
)

// Identity is the opaque outcome of a successful authentication.
type Identity struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether the identity carries the given scope.
func (i *Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}

	return false
}

// Provider authenticates inbound requests.
type Provider interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// InitializeProvider creates the authentication provider selected by
// configuration. An empty provider name disables authentication.
func InitializeProvider(cfg config.AuthConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case "", ProviderNone:
		return &AllowAllProvider{}, nil
	case ProviderJWT:
		return createJWTProvider(cfg.JWT, logger)
	default:
		return nil, errors.NewValidationError("unsupported auth provider: " + cfg.Provider).
			WithComponent("auth")
	}
}

// AllowAllProvider accepts every request. Used when authentication is
// disabled.
type AllowAllProvider struct{}

// Authenticate accepts the request unconditionally.
func (p *AllowAllProvider) Authenticate(_ *http.Request) (*Identity, error) {
	return &Identity{Subject: SubjectAnonymous}, nil
}

// Claims represents the JWT claims the proxy understands.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the claims contain a specific scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}

	return false
}

// JWTProvider validates bearer tokens signed with a shared HMAC secret or
// an RSA key pair.
type JWTProvider struct {
	config    config.JWTConfig
	logger    *zap.Logger
	secretKey []byte
	publicKey *rsa.PublicKey
}

func createJWTProvider(cfg config.JWTConfig, logger *zap.Logger) (*JWTProvider, error) {
	p := &JWTProvider{
		config: cfg,
		logger: logger.With(zap.String("component", "auth_jwt")),
	}

	if cfg.SecretKeyEnv != "" {
		secretKey := os.Getenv(cfg.SecretKeyEnv)
		if secretKey == "" {
			return nil, errors.NewValidationError(
				fmt.Sprintf("JWT secret key environment variable %s not set", cfg.SecretKeyEnv)).
				WithComponent("auth_jwt")
		}

		p.secretKey = []byte(secretKey)
	}

	if cfg.PublicKeyPath != "" {
		keyData, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "read JWT public key").
				WithComponent("auth_jwt").
				WithContext("path", cfg.PublicKeyPath)
		}

		publicKey, err := jwt.ParseRSAPublicKeyFromPEM(keyData)
		if err != nil {
			return nil, errors.NewValidationError("parse JWT public key: "+err.Error()).
				WithComponent("auth_jwt")
		}

		p.publicKey = publicKey
	}

	if p.secretKey == nil && p.publicKey == nil {
		return nil, errors.NewValidationError("jwt auth requires a secret key env or public key path").
			WithComponent("auth_jwt")
	}

	return p, nil
}

// Authenticate extracts and validates the bearer token on the request.
func (p *JWTProvider) Authenticate(r *http.Request) (*Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errors.NewUnauthorizedError("missing Authorization header").
			WithComponent("auth_jwt").
			WithCode("MISSING_TOKEN")
	}

	parts := strings.SplitN(authHeader, " ", authHeaderParts)
	if len(parts) != authHeaderParts || parts[0] != "Bearer" {
		return nil, errors.NewUnauthorizedError("invalid Authorization header format").
			WithComponent("auth_jwt").
			WithCode("MALFORMED_HEADER")
	}

	claims, err := p.ValidateToken(parts[1])
	if err != nil {
		return nil, err
	}

	return &Identity{Subject: claims.Subject, Scopes: claims.Scopes}, nil
}

// ValidateToken parses and validates a JWT token string.
func (p *JWTProvider) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, p.getSigningKey)
	if err != nil {
		return nil, errors.NewUnauthorizedError("parse token: "+err.Error()).
			WithComponent("auth_jwt").
			WithCode("INVALID_TOKEN")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.NewUnauthorizedError("invalid token").
			WithComponent("auth_jwt").
			WithCode("INVALID_TOKEN")
	}

	if err := p.validateClaims(claims); err != nil {
		return nil, err
	}

	p.logger.Debug("token validated",
		zap.String("subject", claims.Subject),
		zap.Strings("scopes", claims.Scopes))

	return claims, nil
}

// getSigningKey returns the key matching the token's signing method.
func (p *JWTProvider) getSigningKey(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if p.secretKey == nil {
			return nil, errors.NewValidationError("HMAC key not configured").WithComponent("auth_jwt")
		}

		return p.secretKey, nil
	case *jwt.SigningMethodRSA:
		if p.publicKey == nil {
			return nil, errors.NewValidationError("RSA public key not configured").WithComponent("auth_jwt")
		}

		return p.publicKey, nil
	default:
		return nil, errors.NewValidationError(
			fmt.Sprintf("unexpected signing method: %v", token.Header["alg"])).
			WithComponent("auth_jwt")
	}
}

func (p *JWTProvider) validateClaims(claims *Claims) error {
	now := time.Now()

	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time) {
		return errors.NewUnauthorizedError("token expired").
			WithComponent("auth_jwt").
			WithCode("TOKEN_EXPIRED")
	}

	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return errors.NewUnauthorizedError("token not yet valid").
			WithComponent("auth_jwt").
			WithCode("TOKEN_NOT_YET_VALID")
	}

	if p.config.Issuer != "" && claims.Issuer != p.config.Issuer {
		return errors.NewUnauthorizedError("invalid issuer: "+claims.Issuer).
			WithComponent("auth_jwt").
			WithCode("INVALID_ISSUER")
	}

	return p.validateAudience(claims)
}

func (p *JWTProvider) validateAudience(claims *Claims) error {
	if p.config.Audience == "" {
		return nil
	}

	for _, aud := range claims.Audience {
		if aud == p.config.Audience {
			return nil
		}
	}

	return errors.NewUnauthorizedError("invalid audience").
		WithComponent("auth_jwt").
		WithCode("INVALID_AUDIENCE")
}
