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

package crc

import (
	"bytes"
	"crypto/rand"
	"testing"
)

// msbFirst computes the checksum with the MSB-first shift register (poly
// 0x8005, seed 0) fed with bit-reversed input bytes and no output reflection.
func msbFirst(buf []byte) uint16 {
	var crc uint16
	for _, b := range buf {
		var r byte
		for i := 0; i < 8; i++ {
			if b&(1<<i) != 0 {
				r |= 1 << (7 - i)
			}
		}
		crc ^= uint16(r) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x8005
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func reverse(v uint16) (r uint16) {
	for i := 0; i < 16; i++ {
		if v&(1<<i) != 0 {
			r |= 1 << (15 - i)
		}
	}
	return
}

func TestKnownValues(t *testing.T) {
	for _, test := range []struct {
		name    string
		variant Variant
		in      []byte
		want    [2]byte
	}{
		{
			name:    "arc check string",
			variant: ARC,
			in:      []byte("123456789"),
			want:    [2]byte{0xbb, 0x3d},
		}, {
			name:    "atecc check string",
			variant: ATECC,
			in:      []byte("123456789"),
			want:    [2]byte{0xbc, 0xdd},
		}, {
			name:    "arc single byte",
			variant: ARC,
			in:      []byte{0x01},
			want:    [2]byte{0xc0, 0xc1},
		}, {
			name:    "atecc single byte",
			variant: ATECC,
			in:      []byte{0x01},
			want:    [2]byte{0x83, 0x03},
		}, {
			name:    "empty",
			variant: ARC,
			want:    [2]byte{0, 0},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := Bytes(test.variant, test.in); got != test.want {
				t.Fatalf("Bytes(%v, %x) = %x, want %x", test.variant, test.in, got, test.want)
			}
		})
	}
}

func TestVariantsAgreeWithShiftRegister(t *testing.T) {
	buf := make([]byte, 128)
	for i := 0; i < 32; i++ {
		if _, err := rand.Read(buf); err != nil {
			t.Fatal(err)
		}
		r := msbFirst(buf)
		if got, want := Sum(ATECC, buf), r; got != want {
			t.Fatalf("ATECC: got %04x, want %04x", got, want)
		}
		if got, want := Sum(ARC, buf), reverse(r); got != want {
			t.Fatalf("ARC: got %04x, want %04x", got, want)
		}
	}
}

func TestVariantsDistinguishable(t *testing.T) {
	// A zero seeded CRC maps all-zero input to zero in both variants.
	if a, b := Bytes(ARC, []byte{0}), Bytes(ATECC, []byte{0}); a != b {
		t.Fatalf("zero input: got %x and %x, want equal", a, b)
	}

	in := []byte{0x01}
	if a, b := Bytes(ARC, in), Bytes(ATECC, in); bytes.Equal(a[:], b[:]) {
		t.Fatalf("variants produced the same output %x", a)
	}
}

func TestParseVariant(t *testing.T) {
	for _, test := range []struct {
		in      string
		want    Variant
		wantErr bool
	}{
		{in: "arc", want: ARC},
		{in: "atecc", want: ATECC},
		{in: "reflected", wantErr: true},
		{in: "", wantErr: true},
		{in: "modbus", wantErr: true},
	} {
		t.Run(test.in, func(t *testing.T) {
			got, err := ParseVariant(test.in)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if got != test.want {
				t.Fatalf("Got %v, want %v", got, test.want)
			}
		})
	}
}

func TestSumPanicsOnInvalidVariant(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Sum(Variant(0), []byte{1})
}
