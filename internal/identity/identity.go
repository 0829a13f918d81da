// Package identity verifies client tokens. Token issuance happens outside
// this service; nodes only check signatures and extract the user id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("identity: invalid token")
	// ErrMissingSubject is returned when a valid token has no usable sub claim.
	ErrMissingSubject = errors.New("identity: token missing subject")
)

// Identity is an authenticated principal. It lives only as long as the
// connection that verified it.
type Identity struct {
	UserID  int64
	Subject string
}

// Verifier checks a bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT claim set accepted by JWTVerifier. The subject holds
// the decimal user id.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-signed JWTs.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
	issuer string
}

// NewJWTVerifier creates a verifier for the shared secret. A non-empty
// issuer is enforced on every token.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
		issuer: issuer,
	}
}

// Verify parses token and returns the identity in its sub claim.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, ErrMissingSubject
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Identity{}, fmt.Errorf("%w: %q", ErrMissingSubject, claims.Subject)
	}
	return Identity{UserID: id, Subject: claims.Subject}, nil
}

// Issue signs a token for userID. Used by orbitctl and tests; production
// tokens come from the account service.
func (v *JWTVerifier) Issue(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// StaticVerifier maps fixed tokens to identities.
type StaticVerifier map[string]Identity

// Verify looks the token up.
func (s StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	id, ok := s[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
