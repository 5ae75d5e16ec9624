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

// Package profile describes the secure element configuration of each token
// generation.
//
// A profile binds a factory configuration zone template to the checksum
// variant the token firmware expects on lock. Both are fixed per hardware
// revision and are never guessed: the operator picks a profile by name.
package profile

import (
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/coreos/go-semver/semver"
	"gopkg.in/yaml.v3"

	"github.com/u2f-zero/zeroprov/internal/crc"
)

const (
	// ConfigSize is the size of the secure element configuration zone.
	ConfigSize = 128
	// SerialPrefix is the number of leading configuration bytes reserved
	// for the device serial number.
	SerialPrefix = 9
)

//go:embed profiles/*.yaml
var builtin embed.FS

// Template is a factory configuration zone template.
type Template [ConfigSize]byte

// ConfigBuffer is a configuration zone finalized with a device serial.
type ConfigBuffer [ConfigSize]byte

// Fold returns the configuration zone for a device: serial followed by the
// template remainder. The template is left untouched.
func Fold(t Template, serial []byte) (ConfigBuffer, error) {
	if len(serial) > SerialPrefix {
		return ConfigBuffer{}, fmt.Errorf("serial number too long (%d > %d)", len(serial), SerialPrefix)
	}

	c := ConfigBuffer(t)
	copy(c[:], serial)

	return c, nil
}

// Profile is the configuration of a token generation.
type Profile struct {
	Name        string
	Description string
	Revision    semver.Version
	Variant     crc.Variant
	Template    Template
}

type document struct {
	Name             string `yaml:"name"`
	Description      string `yaml:"description"`
	HardwareRevision string `yaml:"hardware_revision"`
	CRCVariant       string `yaml:"crc_variant"`
	Template         string `yaml:"template"`
}

// Parse decodes a YAML profile document.
func Parse(b []byte) (*Profile, error) {
	var doc document

	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}

	if len(doc.Name) == 0 {
		return nil, errors.New("profile name is missing")
	}

	rev, err := semver.NewVersion(doc.HardwareRevision)
	if err != nil {
		return nil, fmt.Errorf("profile %q: invalid hardware revision: %w", doc.Name, err)
	}

	v, err := crc.ParseVariant(doc.CRCVariant)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", doc.Name, err)
	}

	raw, err := hex.DecodeString(strings.Join(strings.Fields(doc.Template), ""))
	if err != nil {
		return nil, fmt.Errorf("profile %q: invalid template: %w", doc.Name, err)
	}

	if len(raw) != ConfigSize {
		return nil, fmt.Errorf("profile %q: template must be %d bytes, got %d", doc.Name, ConfigSize, len(raw))
	}

	p := &Profile{
		Name:        doc.Name,
		Description: doc.Description,
		Revision:    *rev,
		Variant:     v,
	}
	copy(p.Template[:], raw)

	return p, nil
}

// Load reads a profile from a YAML file.
func Load(p string) (*Profile, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Builtin returns the embedded profile with the given name.
func Builtin(name string) (*Profile, error) {
	b, err := builtin.ReadFile(path.Join("profiles", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown profile %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return Parse(b)
}

// Names lists the embedded profiles.
func Names() (names []string) {
	entries, _ := builtin.ReadDir("profiles")

	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}

	sort.Strings(names)

	return
}
