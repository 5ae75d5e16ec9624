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

// Package testonly provides an in-memory token for transport tests.
package testonly

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/u2f-zero/zeroprov/api"
	"github.com/u2f-zero/zeroprov/internal/crc"
)

const (
	serialPrefix = 9
	channel      = 0xffffffff
)

// Token is a simple in-memory token running either the setup or the
// production firmware. It implements transport.Transport.
type Token struct {
	// Serial is the secure element serial number.
	Serial []byte
	// Template and Variant define the checksum accepted by LOCK.
	Template []byte
	Variant  crc.Variant
	// Build reports whether the setup firmware is running.
	Build bool
	// Configured is answered to IS_CONFIGURED.
	Configured bool

	// Fail makes the response to an opcode carry a failure status.
	Fail map[api.Opcode]bool
	// Timeouts holds the number of reads timing out before the response to
	// an opcode is delivered. A negative value never delivers it.
	Timeouts map[api.Opcode]int
	// Echo replaces the opcode echoed in the response to an opcode.
	Echo map[api.Opcode]api.Opcode
	// WriteErr fails the write of a request for an opcode.
	WriteErr map[api.Opcode]error
	// ReadErr fails every read.
	ReadErr error

	// OnWrite is called after each report has been received.
	OnWrite func(req []byte)

	Locked       bool
	LockCRC      []byte
	TransKey     []byte
	WriteMask    []byte
	AttestKey    []byte
	GeneratedKey []byte
	Seeded       []byte
	Wiped        bool
	Pulse        uint16
	IdleColor    []byte
	ButtonColor  []byte

	// Writes records every report received.
	Writes [][]byte
	// Closed is set by Close.
	Closed bool

	pending [][]byte
}

// NewToken returns a blank token running the setup firmware.
func NewToken(t *testing.T, serial, template []byte, v crc.Variant) *Token {
	t.Helper()
	return &Token{
		Serial:   serial,
		Template: template,
		Variant:  v,
		Build:    true,
	}
}

// Opcodes returns the opcodes of all received reports, in order.
func (tk *Token) Opcodes() (ops []api.Opcode) {
	for _, w := range tk.Writes {
		if isExtended(w) {
			ops = append(ops, api.Opcode(w[5]))
		} else if len(w) > 1 {
			ops = append(ops, api.Opcode(w[1]))
		}
	}
	return
}

// Count returns how many reports carried op.
func (tk *Token) Count(op api.Opcode) (n int) {
	for _, o := range tk.Opcodes() {
		if o == op {
			n++
		}
	}
	return
}

// Write implements transport.Transport.
func (tk *Token) Write(p []byte) error {
	if len(p) < 2 || p[0] != api.ReportID {
		return fmt.Errorf("malformed report %x", p)
	}
	if len(p) > api.ReportSize+1 {
		return fmt.Errorf("report too large (%d)", len(p))
	}

	req := append([]byte(nil), p...)

	var (
		op  api.Opcode
		res []byte
	)

	if isExtended(req) {
		op = api.Opcode(req[5])
		if err := tk.WriteErr[op]; err != nil {
			return err
		}
		res = tk.custom(op, req[6:])
	} else {
		op = api.Opcode(req[1])
		if err := tk.WriteErr[op]; err != nil {
			return err
		}
		res = tk.setup(op, req[2:])
	}

	tk.Writes = append(tk.Writes, req)

	n, ok := tk.Timeouts[op]
	switch {
	case ok && n < 0:
		res = nil
	case ok:
		for i := 0; i < n; i++ {
			tk.pending = append(tk.pending, nil)
		}
	}

	if res != nil {
		tk.pending = append(tk.pending, pad(res))
	}

	if tk.OnWrite != nil {
		tk.OnWrite(req)
	}

	return nil
}

// Read implements transport.Transport.
func (tk *Token) Read(_ time.Duration) ([]byte, error) {
	if tk.ReadErr != nil {
		return nil, tk.ReadErr
	}
	if len(tk.pending) == 0 {
		return nil, nil
	}

	res := tk.pending[0]
	tk.pending = tk.pending[1:]

	return res, nil
}

// Close implements transport.Transport.
func (tk *Token) Close() error {
	if tk.Closed {
		return errors.New("already closed")
	}
	tk.Closed = true
	return nil
}

// ConfigZone returns the configuration zone the token expects to be locked
// with: its serial followed by the template remainder.
func (tk *Token) ConfigZone() []byte {
	zone := append([]byte(nil), tk.Template...)
	copy(zone, tk.Serial)
	return zone
}

func (tk *Token) status(op api.Opcode, ok bool) []byte {
	echo := op
	if e, found := tk.Echo[op]; found {
		echo = e
	}

	if tk.Fail[op] || !ok {
		return []byte{byte(echo), api.StatusFailure}
	}

	return []byte{byte(echo), api.StatusSuccess}
}

func (tk *Token) setup(op api.Opcode, payload []byte) []byte {
	if !tk.Build {
		return nil
	}

	switch op {
	case api.IsBuild:
		return tk.status(op, true)
	case api.IsConfigured:
		return tk.status(op, tk.Configured)
	case api.GetSerialNum:
		res := tk.status(op, true)
		res[1] = byte(len(tk.Serial))
		if tk.Fail[op] {
			res[1] = 0xff
		}
		return append(res, tk.Serial...)
	case api.Lock:
		want := crc.Bytes(tk.Variant, tk.ConfigZone())
		ok := !tk.Locked && len(tk.Serial) <= serialPrefix && len(payload) >= 2 && bytes.Equal(payload[:2], want[:])
		if ok && !tk.Fail[op] {
			tk.Locked = true
			tk.LockCRC = append([]byte(nil), payload[:2]...)
		}
		return tk.status(op, ok)
	case api.GenKey:
		if !tk.Locked {
			return make([]byte, api.ReportSize)
		}
		key := make([]byte, api.ReportSize)
		for i := range key {
			key[i] = byte(0x40 + i)
		}
		tk.GeneratedKey = key
		return key
	case api.LoadTransKey:
		ok := tk.Locked && len(payload) >= 32
		if ok && !tk.Fail[op] {
			tk.TransKey = append([]byte(nil), payload[:32]...)
		}
		return tk.status(op, ok)
	case api.LoadWriteKey:
		ok := tk.TransKey != nil && len(payload) >= 36
		if ok && !tk.Fail[op] {
			tk.WriteMask = append([]byte(nil), payload[:36]...)
		}
		return tk.status(op, ok)
	case api.LoadAttestKey:
		ok := tk.WriteMask != nil && len(payload) >= 32
		if ok && !tk.Fail[op] {
			tk.AttestKey = append([]byte(nil), payload[:32]...)
			tk.Configured = true
		}
		return tk.status(op, ok)
	}

	return tk.status(op, false)
}

func (tk *Token) custom(op api.Opcode, frame []byte) []byte {
	if len(frame) < 2 {
		return nil
	}

	l := int(binary.BigEndian.Uint16(frame))
	payload := frame[2:]
	if l > len(payload) {
		return tk.extended(op, []byte{api.StatusFailure})
	}
	payload = payload[:l]

	ok := true

	switch op {
	case api.CustomRNG:
		rnd := make([]byte, 32)
		for i := range rnd {
			rnd[i] = byte(len(tk.Writes) + i)
		}
		if tk.Fail[op] {
			rnd = rnd[:16]
		}
		return tk.extended(op, rnd)
	case api.CustomSeed:
		ok = l <= 20
		if ok && !tk.Fail[op] {
			tk.Seeded = append(tk.Seeded, payload...)
		}
	case api.CustomWipe:
		if !tk.Fail[op] {
			tk.Wiped = true
		}
	case api.CustomPulse:
		ok = l == 2
		if ok {
			tk.Pulse = binary.BigEndian.Uint16(payload)
		}
	case api.CustomIdleColor:
		ok = l == 4
		if ok {
			tk.IdleColor = append([]byte(nil), payload[1:4]...)
		}
	case api.CustomIdleColorP:
		ok = l == 4
		if ok {
			tk.ButtonColor = append([]byte(nil), payload[1:4]...)
		}
	default:
		ok = false
	}

	if tk.Fail[op] || !ok {
		return tk.extended(op, []byte{api.StatusFailure})
	}

	return tk.extended(op, []byte{api.StatusSuccess})
}

func (tk *Token) extended(op api.Opcode, payload []byte) []byte {
	echo := op
	if e, found := tk.Echo[op]; found {
		echo = e
	}

	res := binary.BigEndian.AppendUint32(nil, channel)
	res = append(res, byte(echo))
	res = binary.BigEndian.AppendUint16(res, uint16(len(payload)))

	return append(res, payload...)
}

func isExtended(req []byte) bool {
	return len(req) >= 8 && bytes.Equal(req[:5], api.ExtendedPrefix)
}

func pad(res []byte) []byte {
	if len(res) >= api.ReportSize {
		return res
	}
	return append(res, make([]byte, api.ReportSize-len(res))...)
}
