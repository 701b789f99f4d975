package blob

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidGrant = errors.New("invalid or expired grant")

type Op string

const (
	OpPut Op = "put"
	OpGet Op = "get"
)

// Grant authorizes one operation on one key until ExpiresAt.
type Grant struct {
	Op          Op
	Key         string
	ContentType string
	MaxBytes    int64
	ExpiresAt   time.Time
}

type grantClaims struct {
	Op          Op     `json:"op"`
	Key         string `json:"key"`
	ContentType string `json:"ct,omitempty"`
	MaxBytes    int64  `json:"max,omitempty"`
	jwt.RegisteredClaims
}

// Signer turns grants into URL-safe tokens and back.
type Signer struct {
	secret []byte
	parser *jwt.Parser
}

func NewSigner(secret string) *Signer {
	return &Signer{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithAudience("blob"),
		),
	}
}

func (s *Signer) Sign(g Grant) (string, error) {
	claims := grantClaims{
		Op:          g.Op,
		Key:         g.Key,
		ContentType: g.ContentType,
		MaxBytes:    g.MaxBytes,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"blob"},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(g.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return token, nil
}

// Verify checks token and that it grants op on key.
func (s *Signer) Verify(token string, op Op, key string) (Grant, error) {
	claims := &grantClaims{}
	parsed, err := s.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Grant{}, ErrInvalidGrant
	}
	if claims.Op != op || claims.Key != key {
		return Grant{}, ErrInvalidGrant
	}
	return Grant{
		Op:          claims.Op,
		Key:         claims.Key,
		ContentType: claims.ContentType,
		MaxBytes:    claims.MaxBytes,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
