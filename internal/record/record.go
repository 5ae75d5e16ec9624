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

// Package record describes the outcome of a provisioning run, as handed to
// the firmware build embedding the token masks.
//
// A record is a YAML document, optionally wrapped in a signed note so that
// the build can check it was produced by a trusted provisioning host.
package record

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/mod/sumdb/note"
	"gopkg.in/yaml.v3"

	"github.com/u2f-zero/zeroprov/internal/crc"
	"github.com/u2f-zero/zeroprov/internal/provision"
)

// Record is the provisioning outcome of a single token.
type Record struct {
	Serial          string      `yaml:"serial"`
	Profile         string      `yaml:"profile"`
	Variant         crc.Variant `yaml:"crc_variant"`
	Checksum        string      `yaml:"checksum"`
	WriteMask       string      `yaml:"write_mask,omitempty"`
	ReadMask        string      `yaml:"read_mask,omitempty"`
	AttestPublicKey string      `yaml:"attestation_public_key,omitempty"`
	DeviceKey       string      `yaml:"device_key,omitempty"`
	Time            time.Time   `yaml:"time"`
}

// New returns the record of a successful run.
func New(profile string, v crc.Variant, res *provision.Result, now time.Time) *Record {
	r := &Record{
		Serial:   hex.EncodeToString(res.Serial),
		Profile:  profile,
		Variant:  v,
		Checksum: hex.EncodeToString(res.Checksum[:]),
		Time:     now.UTC(),
	}

	if len(res.AttestPublicKey) > 0 {
		r.WriteMask = hex.EncodeToString(res.WriteMask[:])
		r.ReadMask = hex.EncodeToString(res.ReadMask[:])
		r.AttestPublicKey = hex.EncodeToString(res.AttestPublicKey)
	}

	if len(res.DeviceKey) > 0 {
		r.DeviceKey = hex.EncodeToString(res.DeviceKey)
	}

	return r
}

// Marshal returns the YAML encoding of r.
func (r *Record) Marshal() ([]byte, error) {
	return yaml.Marshal(r)
}

// Unmarshal parses a YAML encoded record.
func Unmarshal(b []byte) (*Record, error) {
	r := &Record{}

	if err := yaml.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("invalid record: %v", err)
	}

	if len(r.Serial) == 0 {
		return nil, errors.New("invalid record: missing serial")
	}

	return r, nil
}

// Sign returns r as a note signed by every signer.
func (r *Record) Sign(signers ...note.Signer) ([]byte, error) {
	if len(signers) == 0 {
		return nil, errors.New("no signer")
	}

	text, err := r.Marshal()
	if err != nil {
		return nil, err
	}

	return note.Sign(&note.Note{Text: string(text)}, signers...)
}

// Open verifies a signed record and returns its content.
func Open(msg []byte, v note.Verifier) (*Record, error) {
	n, err := note.Open(msg, note.VerifierList(v))
	if err != nil {
		return nil, fmt.Errorf("failed to verify record: %w", err)
	}

	return Unmarshal([]byte(n.Text))
}

// SignerFromFile reads a note signer key from path.
func SignerFromFile(path string) (note.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return note.NewSigner(strings.TrimSpace(string(key)))
}
