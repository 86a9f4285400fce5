// Package auth establishes the identity behind an API request.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "lorachat/internal/errors"
	"lorachat/internal/httputil"
	"lorachat/internal/models"
	"lorachat/internal/validation"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	// IdentityHeader is read by the header authenticator. A fronting proxy is expected to set it.
	IdentityHeader = "X-Lorachat-Identity"
	// Anonymous is the identity given to every request when auth is disabled.
	Anonymous = "anonymous"
	// PeerIdentity is the identity of a peer relay that presented the shared peer token.
	PeerIdentity = "peer"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Authenticator maps a request to the identity that made it.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// New builds the authenticator selected by cfg.Mode.
func New(cfg models.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case models.AuthModeHeader, "":
		return HeaderAuthenticator{Header: IdentityHeader}, nil
	case models.AuthModeJWT:
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("jwt auth requires a secret")
		}
		return NewJWTAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer), nil
	case models.AuthModeNone:
		return AnonymousAuthenticator{}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// HeaderAuthenticator trusts an identity header set by a fronting proxy.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	identity := strings.TrimSpace(r.Header.Get(a.Header))
	if identity == "" {
		return "", ErrMissingCredentials
	}
	if err := validation.ValidateSender(identity); err != nil {
		return "", fmt.Errorf("identity header: %w", err)
	}
	return identity, nil
}

// AnonymousAuthenticator accepts every request.
type AnonymousAuthenticator struct{}

func (AnonymousAuthenticator) Authenticate(*http.Request) (string, error) {
	return Anonymous, nil
}

// JWTAuthenticator accepts HS256 bearer tokens; the subject claim is the identity.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func NewJWTAuthenticator(secret []byte, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, issuer: issuer}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return "", ErrMissingCredentials
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := validation.ValidateSender(claims.Subject); err != nil {
		return "", fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return claims.Subject, nil
}

// IssueToken signs a token for subject. A zero ttl issues a token without expiry.
func IssueToken(secret []byte, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// PeerTokenAuthenticator accepts the shared bearer token a peer relay presents.
type PeerTokenAuthenticator struct {
	token []byte
}

func NewPeerTokenAuthenticator(token string) PeerTokenAuthenticator {
	return PeerTokenAuthenticator{token: []byte(token)}
}

func (a PeerTokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw, ok := bearerToken(r)
	if !ok || len(a.token) == 0 {
		return "", ErrMissingCredentials
	}
	if subtle.ConstantTimeCompare([]byte(raw), a.token) != 1 {
		return "", ErrInvalidToken
	}
	return PeerIdentity, nil
}

// FirstOf tries each authenticator in order and returns the first success.
type FirstOf []Authenticator

func (f FirstOf) Authenticate(r *http.Request) (string, error) {
	err := ErrMissingCredentials
	for _, a := range f {
		identity, aerr := a.Authenticate(r)
		if aerr == nil {
			return identity, nil
		}
		if !errors.Is(aerr, ErrMissingCredentials) {
			err = aerr
		}
	}
	return "", err
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Middleware rejects unauthenticated requests with 401 and stores the identity
// in the request context.
func Middleware(a Authenticator, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.Authenticate(r)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"request_id": apperrors.RequestIDFromContext(r.Context()),
					"url":        r.URL.Path,
				}).WithError(err).Debug("Request not authenticated")
				httputil.WriteError(w, r, logger, apperrors.NewAuthError(err.Error()))
				return
			}
			next.ServeHTTP(w, r.WithContext(apperrors.ContextWithIdentity(r.Context(), identity)))
		})
	}
}

// IdentityFrom returns the identity Middleware stored in ctx.
func IdentityFrom(ctx context.Context) string {
	return apperrors.IdentityFromContext(ctx)
}
