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

// Package api defines the wire constants shared by the host tooling and the
// token setup firmware.
package api

import (
	"bytes"
	"fmt"
)

const (
	// Silicon Labs EFM8 based U2F Zero token.
	VendorID  = 0x10c4
	ProductID = 0x8acf

	// EFM8 factory bootloader, used by the (external) flashing step.
	BootloaderProductID = 0xeacb

	// ReportSize is the HID report size of both IN and OUT endpoints.
	ReportSize = 64

	// ReportID is prepended to every OUT report, the token uses a single
	// unnumbered report.
	ReportID = 0x00

	// BootloaderCommand is the U2FHID vendor command making the production
	// firmware jump to the bootloader.
	BootloaderCommand = 0xc0
)

// Status sentinels carried in responses.
const (
	StatusFailure = 0x00
	StatusSuccess = 0x01
)

// Opcode identifies a configuration or custom command.
type Opcode byte

// Setup firmware configuration commands, sent as [0, opcode, payload...].
const (
	GetSerialNum  Opcode = 0x80
	IsBuild       Opcode = 0x81
	IsConfigured  Opcode = 0x82
	Lock          Opcode = 0x83
	GenKey        Opcode = 0x84
	LoadTransKey  Opcode = 0x85
	LoadWriteKey  Opcode = 0x86
	LoadAttestKey Opcode = 0x87
)

// Production firmware custom commands, sent with the extended framing.
const (
	CustomRNG        Opcode = 0x21
	CustomSeed       Opcode = 0x22
	CustomWipe       Opcode = 0x23
	CustomPulse      Opcode = 0x24
	CustomIdleColor  Opcode = 0x25
	CustomIdleColorP Opcode = 0x26
)

// ExtendedPrefix precedes the opcode of custom commands. It addresses the
// U2FHID broadcast channel.
var ExtendedPrefix = []byte{ReportID, 0xff, 0xff, 0xff, 0xff}

var names = map[Opcode]string{
	GetSerialNum:     "GET_SERIAL_NUM",
	IsBuild:          "IS_BUILD",
	IsConfigured:     "IS_CONFIGURED",
	Lock:             "LOCK",
	GenKey:           "GENKEY",
	LoadTransKey:     "LOAD_TRANS_KEY",
	LoadWriteKey:     "LOAD_WRITE_KEY",
	LoadAttestKey:    "LOAD_ATTEST_KEY",
	CustomRNG:        "CUSTOM_RNG",
	CustomSeed:       "CUSTOM_SEED",
	CustomWipe:       "CUSTOM_WIPE",
	CustomPulse:      "CUSTOM_PULSE",
	CustomIdleColor:  "CUSTOM_IDLE_COLOR",
	CustomIdleColorP: "CUSTOM_IDLE_COLORP",
}

func (o Opcode) String() string {
	if n, ok := names[o]; ok {
		return n
	}
	return fmt.Sprintf("opcode(%#02x)", byte(o))
}

// Status represents the answers of the read-only setup queries.
type Status struct {
	Serial     []byte
	Build      bool
	Configured bool
}

// Print returns the token status in textual format.
func (s *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------------- Token ----\n")
	status.WriteString(fmt.Sprintf("Serial number ..........: %X\n", s.Serial))
	status.WriteString(fmt.Sprintf("Setup firmware .........: %v\n", s.Build))
	status.WriteString(fmt.Sprintf("Configured .............: %v", s.Configured))

	return status.String()
}
