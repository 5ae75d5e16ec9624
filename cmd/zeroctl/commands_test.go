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

package main

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/mod/sumdb/note"

	"github.com/u2f-zero/zeroprov/internal/profile"
	"github.com/u2f-zero/zeroprov/internal/provision"
	"github.com/u2f-zero/zeroprov/internal/record"
)

func TestLoadAttestKey(t *testing.T) {
	p := filepath.Join(t.TempDir(), "attest.pem")

	created, err := loadAttestKey(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	loaded, err := loadAttestKey(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !created.Equal(loaded) {
		t.Fatal("loaded key differs from the created one")
	}

	if k, err := loadAttestKey(""); k != nil || err != nil {
		t.Fatalf("Got %v, %v for empty path", k, err)
	}

	bad := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(bad, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadAttestKey(bad); err == nil {
		t.Fatal("expected error for invalid key file")
	}
}

func TestWriteRecord(t *testing.T) {
	defer func(c Config) { *conf = c }(*conf)

	p, err := profile.Builtin("atecc508a")
	if err != nil {
		t.Fatal(err)
	}
	res := &provision.Result{
		Serial:          []byte{0x01, 0x23},
		AttestPublicKey: []byte{0x04},
	}

	dir := t.TempDir()
	skey, vkey, err := note.GenerateKey(rand.Reader, "factory")
	if err != nil {
		t.Fatal(err)
	}
	signer := filepath.Join(dir, "signer.key")
	if err := os.WriteFile(signer, []byte(skey), 0o600); err != nil {
		t.Fatal(err)
	}

	conf.recordFile = filepath.Join(dir, "record.note")
	conf.recordSigner = signer
	if err := writeRecord(p, res); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}

	msg, err := os.ReadFile(conf.recordFile)
	if err != nil {
		t.Fatal(err)
	}
	v, err := note.NewVerifier(vkey)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := record.Open(msg, v)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if rec.Serial != "0123" || rec.Profile != "atecc508a" {
		t.Fatalf("Got %+v", rec)
	}

	conf.recordSigner = filepath.Join(dir, "missing.key")
	if err := writeRecord(p, res); err == nil {
		t.Fatal("expected error for missing signer")
	}

	conf.recordFile = ""
	if err := writeRecord(p, res); err != nil {
		t.Fatalf("writeRecord without file: %v", err)
	}
}

func TestNewBar(t *testing.T) {
	for _, test := range []struct {
		name  string
		total int64
		want  string
	}{
		{name: "known total", total: 2048, want: "40 B / 2.00 KiB"},
		{name: "unknown total", total: 0, want: "40 B"},
	} {
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			bar := newBar(&buf, test.total).SetWidth(80)
			bar.SetCurrent(40)

			if got := bar.Total(); got != test.total {
				t.Fatalf("Got total %d, want %d", got, test.total)
			}
			if !bar.GetBool(pb.Bytes) {
				t.Fatal("bar does not count bytes")
			}
			if got := bar.String(); !strings.Contains(got, test.want) {
				t.Fatalf("Got %q, want it to contain %q", got, test.want)
			}
			if err := bar.Err(); err != nil {
				t.Fatalf("Err: %v", err)
			}
		})
	}
}
