// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rpc

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// newEphemeralPublicKey mints a fresh X25519 keypair for one connection and
// returns the public half, base64-encoded for the wire. This mirrors the
// original implementation's per-connection ephemeral key in its Hello
// event; the private half is discarded immediately, matching the original,
// where the client's reciprocal key is likewise never used to derive a
// shared secret. It exists as a connection identity marker, not a
// functioning encryption layer.
func newEphemeralPublicKey() (string, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(pub), nil
}
