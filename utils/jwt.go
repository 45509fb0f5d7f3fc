package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the API caller that a request is admitted for.
type Claims struct {
	RequesterID string `json:"requester_id"`
	jwt.RegisteredClaims
}

// GenerateRequesterToken issues an HS256 token for requesterID.
func GenerateRequesterToken(requesterID, secret string, ttl time.Duration) (string, error) {
	claims := &Claims{
		RequesterID: requesterID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   requesterID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseRequesterToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.RequesterID == "" {
			return nil, errors.New("token has no requester")
		}
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
