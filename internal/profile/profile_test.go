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

package profile

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/u2f-zero/zeroprov/internal/crc"
)

func TestFold(t *testing.T) {
	for i := 0; i < 8; i++ {
		var tmpl Template
		if _, err := rand.Read(tmpl[:]); err != nil {
			t.Fatal(err)
		}
		orig := tmpl

		for n := 0; n <= SerialPrefix; n++ {
			serial := make([]byte, n)
			if _, err := rand.Read(serial); err != nil {
				t.Fatal(err)
			}

			c, err := Fold(tmpl, serial)
			if err != nil {
				t.Fatalf("Fold(%d byte serial): %v", n, err)
			}
			if !bytes.Equal(c[:n], serial) {
				t.Fatalf("Got prefix %x, want %x", c[:n], serial)
			}
			if !bytes.Equal(c[n:], tmpl[n:]) {
				t.Fatalf("template remainder changed for %d byte serial", n)
			}
			if tmpl != orig {
				t.Fatal("Fold modified the template")
			}
		}
	}
}

func TestFoldExample(t *testing.T) {
	c, err := Fold(Template{}, []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte{0x01, 0x02, 0x03}, make([]byte, 125)...)
	if diff := cmp.Diff(want, c[:]); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestFoldSerialTooLong(t *testing.T) {
	if _, err := Fold(Template{}, make([]byte, SerialPrefix+1)); err == nil {
		t.Fatal("expected error")
	}
}

func TestBuiltin(t *testing.T) {
	if diff := cmp.Diff([]string{"atecc508a", "atecc508a-legacy"}, Names()); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	for _, test := range []struct {
		name        string
		wantVariant crc.Variant
		wantRev     string
		wantHead    []byte
	}{
		{
			name:        "atecc508a",
			wantVariant: crc.ATECC,
			wantRev:     "2.0.0",
			wantHead:    []byte{0x01, 0x23, 0x6d, 0x10, 0x00, 0x00, 0x50, 0x00, 0xd7, 0x2c, 0xa5, 0x71, 0xee, 0xc0, 0x85, 0x00},
		}, {
			name:        "atecc508a-legacy",
			wantVariant: crc.ATECC,
			wantRev:     "1.0.0",
			wantHead:    []byte{0x01, 0x23, 0x6d, 0x10, 0x00, 0x00, 0x50, 0x00, 0xd7, 0x2c, 0xa5, 0x71, 0xee, 0xc0, 0x85, 0x00},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			p, err := Builtin(test.name)
			if err != nil {
				t.Fatal(err)
			}
			if p.Variant != test.wantVariant {
				t.Fatalf("Got variant %v, want %v", p.Variant, test.wantVariant)
			}
			if got := p.Revision.String(); got != test.wantRev {
				t.Fatalf("Got revision %s, want %s", got, test.wantRev)
			}
			if !bytes.Equal(p.Template[:16], test.wantHead) {
				t.Fatalf("Got template head %x, want %x", p.Template[:16], test.wantHead)
			}
			if got, want := p.Template[ConfigSize-2], byte(0x33); got != want {
				t.Fatalf("Got template byte %#x, want %#x", got, want)
			}
		})
	}

	if _, err := Builtin("atecc608"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

// atecc computes the lock checksum of the secure element bit by bit: input
// bytes reflected, poly 0x8005 shifted MSB-first from a zero seed and no
// output reflection.
func atecc(buf []byte) [2]byte {
	var r uint16
	for _, b := range buf {
		var rb byte
		for i := 0; i < 8; i++ {
			rb = rb<<1 | (b>>i)&1
		}
		r ^= uint16(rb) << 8
		for i := 0; i < 8; i++ {
			if r&0x8000 != 0 {
				r = r<<1 ^ 0x8005
			} else {
				r <<= 1
			}
		}
	}
	return [2]byte{byte(r >> 8), byte(r)}
}

func TestBuiltinLockChecksum(t *testing.T) {
	serial := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0x01}

	for _, test := range []struct {
		name string
		want [2]byte
	}{
		{name: "atecc508a", want: [2]byte{0x8f, 0x52}},
		{name: "atecc508a-legacy", want: [2]byte{0xd0, 0x3e}},
	} {
		t.Run(test.name, func(t *testing.T) {
			p, err := Builtin(test.name)
			if err != nil {
				t.Fatal(err)
			}
			c, err := Fold(p.Template, serial)
			if err != nil {
				t.Fatal(err)
			}
			if got := atecc(c[:]); got != test.want {
				t.Fatalf("reference checksum %x, want %x", got, test.want)
			}
			if got := crc.Bytes(p.Variant, c[:]); got != test.want {
				t.Fatalf("Got lock checksum %x, want %x", got, test.want)
			}
		})
	}
}

const validTemplate = `
  00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00
  00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00
  00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00
  00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00
  00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00
  00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00
  00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00
  00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 ff
`

func doc(name, rev, variant, tmpl string) string {
	var b strings.Builder
	if name != "" {
		b.WriteString("name: " + name + "\n")
	}
	b.WriteString("hardware_revision: " + rev + "\n")
	if variant != "" {
		b.WriteString("crc_variant: " + variant + "\n")
	}
	b.WriteString("template: |\n")
	for _, l := range strings.Split(strings.TrimSpace(tmpl), "\n") {
		b.WriteString("  " + strings.TrimSpace(l) + "\n")
	}
	return b.String()
}

func TestParse(t *testing.T) {
	for _, test := range []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "valid",
			doc:  doc("test", "3.1.0", "atecc", validTemplate),
		}, {
			name:    "missing name",
			doc:     doc("", "3.1.0", "atecc", validTemplate),
			wantErr: true,
		}, {
			name:    "missing variant",
			doc:     doc("test", "3.1.0", "", validTemplate),
			wantErr: true,
		}, {
			name:    "unknown variant",
			doc:     doc("test", "3.1.0", "xmodem", validTemplate),
			wantErr: true,
		}, {
			name:    "bad revision",
			doc:     doc("test", "rev-b", "arc", validTemplate),
			wantErr: true,
		}, {
			name:    "short template",
			doc:     doc("test", "3.1.0", "arc", "00 01 02"),
			wantErr: true,
		}, {
			name:    "not hex",
			doc:     doc("test", "3.1.0", "arc", "zz"),
			wantErr: true,
		}, {
			name:    "not yaml",
			doc:     "name: [",
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			p, err := Parse([]byte(test.doc))
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				return
			}
			if got, want := p.Template[ConfigSize-1], byte(0xff); got != want {
				t.Fatalf("Got last template byte %#x, want %#x", got, want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(p, []byte(doc("custom", "3.0.0", "arc", validTemplate)), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != "custom" || got.Variant != crc.ARC {
		t.Fatalf("Got %+v", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
