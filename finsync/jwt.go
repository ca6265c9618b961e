// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package finsync

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-finsync/internal/auth"
)

// JWTAuth handles JWT authentication
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims carries the owner in 'sub' and the calling device in 'did'
type JWTClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken generates a JWT token for an owner on a device
func (j *JWTAuth) GenerateToken(ownerID, deviceID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "go-finsync",
			Subject:   ownerID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (owner ID) in token")
		}
		if claims.DeviceID == "" {
			return nil, fmt.Errorf("missing did (device ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("authorization header required")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader || tokenString == "" {
		return "", fmt.Errorf("bearer token required")
	}
	return tokenString, nil
}

// GetOwnerID extracts the owner from the request (implements OwnerAuthenticator)
func (j *JWTAuth) GetOwnerID(r *http.Request) (string, error) {
	if ownerID, ok := auth.GetOwnerID(r.Context()); ok {
		return ownerID, nil
	}
	tokenString, err := bearerToken(r)
	if err != nil {
		return "", err
	}
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, nil
}

// Middleware returns an HTTP middleware for JWT authentication
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, ErrKindUnauthorized, err.Error())
			return
		}

		claims, err := j.ValidateToken(tokenString)
		if err != nil {
			tokenPrefix := tokenString
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			writeJSONError(w, http.StatusUnauthorized, ErrKindUnauthorized, "invalid token")
			return
		}

		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.DeviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
