package auth

import (
	stderrors "errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var ErrInvalidToken = stderrors.New("invalid or expired token")

// Identity is what the auth service vouches for. It is consumed verbatim.
type Identity struct {
	UserID   string
	Username string
}

type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Verifier checks HS256 tokens issued by the external auth service.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer)}
}

func (v *Verifier) Verify(token string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Identity{}, errors.Wrap(ErrInvalidToken, "verify")
	}
	if claims.Subject == "" || strings.TrimSpace(claims.Username) == "" {
		return Identity{}, errors.Wrap(ErrInvalidToken, "missing subject or username")
	}
	return Identity{UserID: claims.Subject, Username: claims.Username}, nil
}

// Issue signs a token the Verifier accepts. Production tokens come from the
// auth service; this is for local play and tests.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: id.Username,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// Peek reads the identity from a token without checking its signature.
// The CLI uses it to label a session; the server still verifies every call.
func Peek(token string) (Identity, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &claims); err != nil {
		return Identity{}, errors.Wrap(ErrInvalidToken, "parse")
	}
	if claims.Subject == "" {
		return Identity{}, errors.Wrap(ErrInvalidToken, "missing subject")
	}
	return Identity{UserID: claims.Subject, Username: claims.Username}, nil
}
