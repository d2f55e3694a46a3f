// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package broker

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pulse-sfu/harmony/apperror"
)

// tokenTTL is the CallToken expiry policy from spec §6: 60s from issuance.
const tokenTTL = 60 * time.Second

// CallToken is the signed credential {user_id, call_id, expires_at} a
// client presents to a pulse node to prove call membership (spec §3, §6).
type CallToken struct {
	UserID    string `json:"user_id"`
	CallID    string `json:"call_id"`
	ExpiresAt int64  `json:"expires_at"`
}

type callTokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	CallID string `json:"call_id"`
}

// TokenIssuer mints and verifies CallTokens with HS256, keyed by
// JWT_SECRET.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), now: time.Now}
}

func (i *TokenIssuer) Mint(userID, callID string) (string, error) {
	now := i.now()
	claims := callTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		UserID: userID,
		CallID: callID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign call token: %w", err)
	}

	return signed, nil
}

func (i *TokenIssuer) Verify(raw string) (CallToken, error) {
	var claims callTokenClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return CallToken{}, apperror.New(apperror.KindInvalidToken, "invalid or expired call token")
	}

	return CallToken{
		UserID:    claims.UserID,
		CallID:    claims.CallID,
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}
