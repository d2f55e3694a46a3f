// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package auth holds small crypto primitives: the random strings the RPC
// nonce pool (rpc/nonce.go) is built from, and bcrypt key-hashing helpers
// that no other package calls. User-facing CallToken issuance lives in
// broker.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinKeyLen is the minimum length for a generated secret.
const MinKeyLen = 32

// NewRandomToken returns a secure token with a fixed length of MinKeyLen
// characters.
func NewRandomToken() (string, error) {
	return NewRandomString(MinKeyLen)
}

// NewRandomString returns a secure random string of the given length. The
// resulting entropy is (6 * length) bits.
func NewRandomString(length int) (string, error) {
	data := make([]byte, 1+(length*4)/3)
	if n, err := rand.Read(data); err != nil {
		return "", err
	} else if n != len(data) {
		return "", fmt.Errorf("failed to read enough data")
	}
	return base64.RawURLEncoding.EncodeToString(data)[:length], nil
}

// HashKey hashes key with bcrypt. Nothing outside this package's tests
// calls it; user-facing CallTokens are signed, not hashed.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("invalid empty key")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CompareKeyHash compares hash and key using bcrypt.
func CompareKeyHash(hash string, key string) error {
	if hash == "" {
		return fmt.Errorf("invalid empty hash")
	}
	if key == "" {
		return fmt.Errorf("invalid empty key")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
}
