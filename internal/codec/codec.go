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

// Package codec encodes token commands into HID reports and decodes the
// reports sent back.
//
// Two framings are in use. Setup firmware commands are plain:
//
//	[0x00, opcode, payload...]
//
// while custom commands of the production firmware are addressed to the
// U2FHID broadcast channel and carry an explicit length:
//
//	[0x00, 0xff, 0xff, 0xff, 0xff, opcode, len_hi, len_lo, payload...]
package codec

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/u2f-zero/zeroprov/api"
)

const (
	// MaxPayload is the largest payload of a plain command.
	MaxPayload = api.ReportSize - 2
	// MaxExtendedPayload is the largest payload of an extended command.
	MaxExtendedPayload = api.ReportSize - extHeaderSize

	// channel (4), opcode, length (2)
	extHeaderSize = 7
	extOpcode     = 4
)

// ErrTimeout is returned when no response, or a truncated one, was received
// within the read budget.
var ErrTimeout = errors.New("timeout waiting for response")

// MismatchError reports a response which does not correspond to the request
// it answers.
type MismatchError struct {
	Want   api.Opcode
	Got    api.Opcode
	Reason string
}

func (e *MismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("protocol mismatch on %v: %s", e.Want, e.Reason)
	}
	return fmt.Sprintf("protocol mismatch: sent %v, device echoed %v", e.Want, e.Got)
}

// DeviceError reports a response carrying a failure status.
type DeviceError struct {
	Opcode api.Opcode
	Status byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%v failed (status %#02x)", e.Opcode, e.Status)
}

// Encode returns the OUT report for a plain command.
func Encode(op api.Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%v payload too large (%d > %d)", op, len(payload), MaxPayload)
	}

	buf := make([]byte, 0, 2+len(payload))
	buf = append(buf, api.ReportID, byte(op))
	buf = append(buf, payload...)

	return buf, nil
}

// EncodeExtended returns the OUT report for a custom command.
func EncodeExtended(op api.Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxExtendedPayload {
		return nil, fmt.Errorf("%v payload too large (%d > %d)", op, len(payload), MaxExtendedPayload)
	}

	b := cryptobyte.NewBuilder(make([]byte, 0, len(api.ExtendedPrefix)+3+len(payload)))
	b.AddBytes(api.ExtendedPrefix)
	b.AddUint8(byte(op))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(payload)
	})

	return b.Bytes()
}

// Response is a decoded IN report.
type Response struct {
	// Opcode is the echoed command opcode.
	Opcode api.Opcode
	// Status is the success sentinel position of the response.
	Status byte
	// Payload holds the response bytes following the header.
	Payload []byte

	raw []byte
}

// Raw returns the undecoded report.
func (r *Response) Raw() []byte {
	return r.raw
}

// Decode parses a plain response, where byte 0 echoes the opcode and byte 1
// holds the status.
func Decode(raw []byte) (*Response, error) {
	if len(raw) < 2 {
		return nil, ErrTimeout
	}

	return &Response{
		Opcode:  api.Opcode(raw[0]),
		Status:  raw[1],
		Payload: raw[2:],
		raw:     raw,
	}, nil
}

// DecodeExtended parses a custom command response. The status sentinel is
// the first payload byte.
func DecodeExtended(raw []byte) (*Response, error) {
	if len(raw) < extHeaderSize+1 {
		return nil, ErrTimeout
	}

	var (
		op      uint8
		payload cryptobyte.String
	)

	s := cryptobyte.String(raw[extOpcode:])
	if !s.ReadUint8(&op) || !s.ReadUint16LengthPrefixed(&payload) {
		return nil, &MismatchError{
			Want:   api.Opcode(op),
			Reason: "declared length exceeds report",
		}
	}

	return &Response{
		Opcode:  api.Opcode(op),
		Status:  raw[extHeaderSize],
		Payload: payload,
		raw:     raw,
	}, nil
}

// Expect checks that the response echoes op.
func (r *Response) Expect(op api.Opcode) error {
	if r.Opcode != op {
		return &MismatchError{Want: op, Got: r.Opcode}
	}
	return nil
}

// Check verifies the status sentinel of a response to op.
func (r *Response) Check(op api.Opcode) error {
	if r.Status != api.StatusSuccess {
		return &DeviceError{Opcode: op, Status: r.Status}
	}
	return nil
}

// Serial extracts the length prefixed serial number of a GET_SERIAL_NUM
// response. The returned slice is a copy.
func (r *Response) Serial() ([]byte, error) {
	if err := r.Expect(api.GetSerialNum); err != nil {
		return nil, err
	}

	var serial cryptobyte.String

	s := cryptobyte.String(r.raw[1:])
	if !s.ReadUint8LengthPrefixed(&serial) {
		return nil, &MismatchError{
			Want:   api.GetSerialNum,
			Got:    r.Opcode,
			Reason: fmt.Sprintf("declared serial length %d exceeds report", r.Status),
		}
	}

	out := make([]byte, len(serial))
	copy(out, serial)

	return out, nil
}
