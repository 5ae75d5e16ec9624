// Copyright 2026 The zeroprov authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package keys generates the secrets loaded into a token during provisioning
// and derives the masks authenticating later configuration writes.
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the size of transport and read keys.
	KeySize = 32
	// MaskSize is the size of a derived write or read mask.
	MaskSize = 36
	// ScalarSize is the size of a P-256 private scalar.
	ScalarSize = 32

	padSize = 57
)

// writeSuffix is the secure element key write command header (opcode,
// param1, param2 and the first serial bytes) mixed into every mask.
var writeSuffix = [...]byte{0x15, 0x02, 0x01, 0x00, 0xee, 0x01, 0x23}

// Mask is a derived 36 byte authentication token.
type Mask [MaskSize]byte

// WriteMask derives the mask authenticating key writes from key:
//
//	h1 = SHA256(key || suffix || 0x00 * 57)
//	h2 = SHA256(h1)
//	mask = h1 || h2[0:4]
func WriteMask(key [KeySize]byte) (m Mask) {
	var in [KeySize + len(writeSuffix) + padSize]byte

	copy(in[:], key[:])
	copy(in[KeySize:], writeSuffix[:])

	h1 := sha256.Sum256(in[:])
	h2 := sha256.Sum256(h1[:])

	copy(m[:], h1[:])
	copy(m[len(h1):], h2[:4])

	return
}

// ReadMask derives the mask authenticating reads, it uses the same
// construction as WriteMask over an independent key.
func ReadMask(key [KeySize]byte) Mask {
	return WriteMask(key)
}

// NewKey reads a fresh 32 byte key from rand.
func NewKey(rand io.Reader) (k [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand, k[:]); err != nil {
		err = fmt.Errorf("failed to read random key: %w", err)
	}
	return
}

// NewAttestationKey generates the P-256 attestation key pair.
func NewAttestationKey(rand io.Reader) (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand)
}

// Scalar returns the big-endian, left padded private scalar of priv.
func Scalar(priv *ecdsa.PrivateKey) (s [ScalarSize]byte, err error) {
	if priv == nil || priv.Curve != elliptic.P256() {
		return s, errors.New("attestation key must be a P-256 key")
	}

	priv.D.FillBytes(s[:])

	return
}

// PublicKey returns the uncompressed SEC1 encoding of the public key of priv.
func PublicKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	pub, err := priv.PublicKey.ECDH()
	if err != nil {
		return nil, err
	}
	return pub.Bytes(), nil
}
