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

// Package crc implements the CRC16 checksums accepted by the secure element
// lock command.
//
// Two output conventions exist across token generations and they are not
// interchangeable: a lock request carrying the wrong one is rejected, and the
// configuration zone of that token can then no longer be committed with the
// intended data. The variant must therefore always be named explicitly.
package crc

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

const poly = 0xa001

// Variant selects the output convention of the checksum.
type Variant int

const (
	// ATECC bit-reverses the feed register, which yields the MSB-first
	// register without output reflection. This is the commit style checksum
	// expected by the ATECC508A lock command.
	ATECC Variant = iota + 1
	// ARC keeps the feed register as is, the standard reflected output
	// CRC-16/ARC.
	ARC
)

var variantNames = map[Variant]string{
	ATECC: "atecc",
	ARC:   "arc",
}

func (v Variant) String() string {
	if n, ok := variantNames[v]; ok {
		return n
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// Valid reports whether v names a known variant.
func (v Variant) Valid() bool {
	_, ok := variantNames[v]
	return ok
}

// ParseVariant returns the variant with the given name. There is no default:
// an empty or unknown name is an error.
func ParseVariant(s string) (Variant, error) {
	for v, n := range variantNames {
		if n == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown CRC variant %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("invalid CRC variant %d", int(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(b []byte) (err error) {
	*v, err = ParseVariant(string(b))
	return
}

func feed(crc uint16, b byte) uint16 {
	crc ^= uint16(b)

	for i := 0; i < 8; i++ {
		if crc&1 == 1 {
			crc = (crc >> 1) ^ poly
		} else {
			crc >>= 1
		}
	}

	return crc
}

// Sum returns the checksum of buf for the given variant. It panics on an
// invalid variant, callers are expected to obtain one from ParseVariant or
// the package constants.
func Sum(v Variant, buf []byte) uint16 {
	var crc uint16

	for _, b := range buf {
		crc = feed(crc, b)
	}

	switch v {
	case ATECC:
		return bits.Reverse16(crc)
	case ARC:
		return crc
	default:
		panic(fmt.Sprintf("crc: invalid variant %d", int(v)))
	}
}

// Bytes returns the checksum of buf split high byte first, as carried in the
// lock command payload.
func Bytes(v Variant, buf []byte) (b [2]byte) {
	binary.BigEndian.PutUint16(b[:], Sum(v, buf))
	return
}
