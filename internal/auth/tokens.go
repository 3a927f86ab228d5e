package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/marketplace-payments/internal/common"
)

// AdminRole is the role required on admin routes.
const AdminRole = "admin"

// Tokens parses and signs HS256 bearer tokens for operator access.
type Tokens struct {
	secret    []byte
	validator TokenValidator
	now       func() time.Time
}

// NewTokens returns an HS256 token service requiring role=admin.
func NewTokens(secret, issuer, audience string) (*Tokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &Tokens{
		secret: []byte(secret),
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			Role:      AdminRole,
			ClockSkew: 30 * time.Second,
			Algorithm: jwa.HS256,
		},
		now: time.Now,
	}, nil
}

// ParseToken verifies token and returns its subject.
func (t *Tokens) ParseToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", common.NewAppError("UNAUTHORIZED", "missing token", http.StatusUnauthorized, nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return "", common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	if algorithm != t.validator.Algorithm {
		return "", common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, t.secret), jwt.WithValidate(false))
	if err != nil {
		return "", common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	if err := t.validator.Validate(parsed, algorithm, t.now()); err != nil {
		if errors.Is(err, ErrRoleMismatch) {
			return "", common.NewAppError("FORBIDDEN", "admin role required", http.StatusForbidden, err)
		}
		return "", common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
	}
	return parsed.Subject(), nil
}

// Sign issues a token for subject carrying role, valid for ttl.
func (t *Tokens) Sign(subject, role string, ttl time.Duration) (string, error) {
	now := t.now()
	builder := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now.Add(-t.validator.ClockSkew)).
		Expiration(now.Add(ttl)).
		Claim(RoleClaim, role)
	if t.validator.Issuer != "" {
		builder = builder.Issuer(t.validator.Issuer)
	}
	if t.validator.Audience != "" {
		builder = builder.Audience([]string{t.validator.Audience})
	}
	token, err := builder.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(t.validator.Algorithm, t.secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", fmt.Errorf("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}
