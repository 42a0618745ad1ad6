package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var errNoSubject = errors.New("token has no subject")

// ParseIdentity validates an HS256 bearer token and extracts the sender
// identity from its claims. The sub claim becomes the sender id; name and
// picture are optional profile claims.
func ParseIdentity(tokenString, secret, issuer string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, errNoSubject
	}
	id := Identity{ID: sub}
	if v, ok := claims["name"].(string); ok {
		id.Name = v
	}
	if v, ok := claims["picture"].(string); ok {
		id.PhotoURL = v
	}
	return id, nil
}
