package session

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of the bearer JWT this reference issuer mints.
// It mirrors the teacher's auth.Claims shape (auth/token.go) rather
// than inventing a new claim set.
type Claims struct {
	ClientCode string `json:"client_code"`
	FeedToken  string `json:"feed_token"`
	jwt.RegisteredClaims
}

// JWTIssuer is a minimal, self-contained Issuer: it signs its own
// short-lived session JWTs with a shared secret using
// github.com/golang-jwt/jwt/v5, the same library the teacher uses for
// its user-facing auth tokens. Production deployments that front a
// real vendor session service should implement Issuer directly
// instead; this type exists so streamconn.Connection has a concrete,
// testable Issuer to dial against out of the box.
type JWTIssuer struct {
	Secret     []byte
	APIKey     string
	ClientCode string
	FeedToken  string
	TTL        time.Duration
}

// NewJWTIssuer constructs a JWTIssuer with a 24h token lifetime,
// matching the teacher's default JWT expiry (auth/token.go).
func NewJWTIssuer(secret []byte, apiKey, clientCode, feedToken string) *JWTIssuer {
	return &JWTIssuer{
		Secret:     secret,
		APIKey:     apiKey,
		ClientCode: clientCode,
		FeedToken:  feedToken,
		TTL:        24 * time.Hour,
	}
}

func (i *JWTIssuer) Obtain(ctx context.Context) (Credentials, error) {
	now := time.Now()
	claims := &Claims{
		ClientCode: i.ClientCode,
		FeedToken:  i.FeedToken,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.TTL)),
			Issuer:    "marketfeed-session",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.Secret)
	if err != nil {
		return Credentials{}, err
	}

	return Credentials{
		JWT:        signed,
		APIKey:     i.APIKey,
		ClientCode: i.ClientCode,
		FeedToken:  i.FeedToken,
	}, nil
}
