package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultKeyCacheTTL = 15 * time.Minute
	clockLeeway        = time.Minute
)

var (
	errNotJWT       = errors.New("login token is not a JWT")
	errNoSubject    = errors.New("login token has no subject")
	errNoKeySet     = errors.New("jwks not configured")
	errTokenExpired = errors.New("login token expired")
)

// AuthOptions selects how login tokens are verified.
type AuthOptions struct {
	// SharedSecret switches to HS256 verification for local runs.
	SharedSecret []byte
	// KeyCacheTTL bounds how long JWKS keys are cached by kid.
	KeyCacheTTL time.Duration
}

// Auth verifies the login tokens the backend hands to the UI and reports the
// user they were issued to.
type Auth struct {
	jwks     *keyfunc.JWKS
	secret   []byte
	audience string
	issuer   string

	parser *jwt.Parser
	keys   sync.Map // kid -> cachedKey
	keyTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth verifies RS256 tokens against jwks, or HS256 tokens when
// opts.SharedSecret is set. Empty audience or issuer are not checked.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string, opts AuthOptions) *Auth {
	a := &Auth{
		jwks:     jwks,
		secret:   opts.SharedSecret,
		audience: audience,
		issuer:   issuer,
		keyTTL:   opts.KeyCacheTTL,
	}
	if a.keyTTL == 0 {
		a.keyTTL = defaultKeyCacheTTL
	}
	method := "RS256"
	if len(a.secret) > 0 {
		method = "HS256"
	}
	// time-based claims are checked in Subject with leeway
	a.parser = jwt.NewParser(jwt.WithValidMethods([]string{method}), jwt.WithoutClaimsValidation())
	return a
}

// Subject verifies token and returns its sub claim.
func (a *Auth) Subject(token string) (string, error) {
	if strings.Count(token, ".") != 2 {
		return "", errNotJWT
	}
	var claims jwt.RegisteredClaims
	if _, err := a.parser.ParseWithClaims(token, &claims, a.key); err != nil {
		return "", fmt.Errorf("verify login token: %w", err)
	}

	now := time.Now()
	switch {
	case !claims.VerifyExpiresAt(now.Add(-clockLeeway), true):
		return "", errTokenExpired
	case !claims.VerifyNotBefore(now.Add(clockLeeway), false):
		return "", errors.New("login token not valid yet")
	case !claims.VerifyIssuedAt(now.Add(clockLeeway), false):
		return "", errors.New("login token used before issued")
	case a.audience != "" && !claims.VerifyAudience(a.audience, true):
		return "", errors.New("login token has wrong audience")
	case a.issuer != "" && !claims.VerifyIssuer(a.issuer, true):
		return "", errors.New("login token has wrong issuer")
	case claims.Subject == "":
		return "", errNoSubject
	}
	return claims.Subject, nil
}

func (a *Auth) key(token *jwt.Token) (any, error) {
	if len(a.secret) > 0 {
		return a.secret, nil
	}
	if a.jwks == nil {
		return nil, errNoKeySet
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" {
		if cached, ok := a.keys.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keys.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		a.keys.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyTTL)})
	}
	return key, nil
}
