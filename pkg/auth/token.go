// Package auth signs and checks bearer tokens of the prediction API.
//
// Tokens are JWS signed with a shared HS256 key.
package auth

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	apierr "github.com/opst/houseprice/pkg/api/types/errors"
)

var ErrInvalidToken = errors.New("invalid token")

// Issuer of tokens.
const Issuer = "houseprice"

// Issue signs a new token for the subject.
//
// # Args
//
// - key: HS256 key
//
// - subject: who uses the token
//
// - ttl: lifetime of the token. It should be positive.
//
// - now: issue time
//
// # Returns
//
// - string: JWS token
//
// - error: from [jwt.Token.SignedString], or when ttl is not positive.
func Issue(key []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		return "", errors.New("token lifetime should be positive")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(key)
}

// Verify checks the token is signed by key and is not expired.
//
// # Returns
//
// - *jwt.RegisteredClaims: claims of the token
//
// - error: wraps ErrInvalidToken when the token is malformed, signed by other key or expired.
func Verify(key []byte, token string, options ...jwt.ParserOption) (*jwt.RegisteredClaims, error) {
	options = append(
		[]jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuer(Issuer),
		},
		options...,
	)
	tok, err := jwt.ParseWithClaims(
		token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (interface{}, error) { return key, nil },
		options...,
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token.
//
// The subject of the token is set to the echo context as "subject".
func Middleware(key []byte, options ...jwt.ParserOption) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return apierr.Unauthorized(`set "Authorization: Bearer <token>" header`, nil)
			}
			claims, err := Verify(key, token, options...)
			if err != nil {
				return apierr.Unauthorized("the token is invalid or expired. get a new one", err)
			}
			c.Set("subject", claims.Subject)
			return next(c)
		}
	}
}
