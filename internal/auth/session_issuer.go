package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute

	tokenIssuer   = "dropforge-api"
	tokenAudience = "dropforge-clients"
)

var (
	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingAddress       = errors.New("auth: payer address must be provided")
	errMissingSubjectClaim  = errors.New("auth: token missing subject claim")
)

// SessionIssuerConfig configures the payer session issuer.
type SessionIssuerConfig struct {
	SigningSecret []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// SessionIssuer binds a payer account address to API calls through short
// lived HS256 tokens. Wallet key custody and transaction signing stay
// external; the token only names which account a request acts for.
type SessionIssuer struct {
	config SessionIssuerConfig
	clock  func() time.Time
}

// NewSessionIssuer constructs a SessionIssuer with sane defaults.
func NewSessionIssuer(cfg SessionIssuerConfig) *SessionIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionIssuer{
		config: SessionIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueSession produces a signed session token and its expiry (seconds) for
// the payer address.
func (i *SessionIssuer) IssueSession(address string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return "", 0, errMissingAddress
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   address,
		Issuer:    tokenIssuer,
		Audience:  []string{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateSession ensures the session token is well formed and returns the
// payer address it names.
func (i *SessionIssuer) ValidateSession(tokenString string) (string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
