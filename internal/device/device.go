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

// Package device implements the one-shot commands of a provisioned token.
package device

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"k8s.io/klog"

	"github.com/u2f-zero/zeroprov/api"
	"github.com/u2f-zero/zeroprov/internal/codec"
	"github.com/u2f-zero/zeroprov/internal/transport"
)

const (
	// RandomSize is the number of random bytes returned by a single RNG
	// command.
	RandomSize = 32
	// SeedChunk is the largest seed accepted by a single SEED command.
	SeedChunk = 20

	DefaultTimeout = time.Second

	// DefaultWipeTimeout bounds each wait for the button presses confirming
	// a wipe.
	DefaultWipeTimeout  = 10 * time.Second
	DefaultWipeAttempts = 6
)

// Device sends commands to a token. The caller keeps ownership of the
// transport.
type Device struct {
	t transport.Transport

	Timeout      time.Duration
	WipeTimeout  time.Duration
	WipeAttempts int
}

// New returns a Device talking over t.
func New(t transport.Transport) *Device {
	return &Device{
		t:            t,
		Timeout:      DefaultTimeout,
		WipeTimeout:  DefaultWipeTimeout,
		WipeAttempts: DefaultWipeAttempts,
	}
}

func (d *Device) send(ctx context.Context, pkt []byte, timeout time.Duration, attempts int) ([]byte, error) {
	klog.V(2).Infof("> %x", pkt)

	if err := d.t.Write(pkt); err != nil {
		return nil, err
	}

	res, err := transport.ReadRetry(ctx, d.t, timeout, attempts)
	if err != nil {
		return nil, err
	}

	klog.V(2).Infof("< %x", res)

	return res, nil
}

func (d *Device) custom(ctx context.Context, op api.Opcode, payload []byte, timeout time.Duration, attempts int) (*codec.Response, error) {
	pkt, err := codec.EncodeExtended(op, payload)
	if err != nil {
		return nil, err
	}

	raw, err := d.send(ctx, pkt, timeout, attempts)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", op, err)
	}

	res, err := codec.DecodeExtended(raw)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", op, err)
	}

	if err = res.Expect(op); err != nil {
		return nil, err
	}

	return res, nil
}

// setup sends a setup firmware query. Status only answers are not checked
// for the opcode echo, the serial number answer is checked by Serial.
func (d *Device) setup(ctx context.Context, op api.Opcode) (*codec.Response, error) {
	pkt, err := codec.Encode(op, nil)
	if err != nil {
		return nil, err
	}

	raw, err := d.send(ctx, pkt, d.Timeout, 1)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", op, err)
	}

	res, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", op, err)
	}

	return res, nil
}

// IsConfigured asks the setup firmware whether the secure element holds its
// keys.
func (d *Device) IsConfigured(ctx context.Context) (bool, error) {
	res, err := d.setup(ctx, api.IsConfigured)
	if err != nil {
		return false, err
	}

	return res.Status == api.StatusSuccess, nil
}

// Status collects the answers to the setup firmware queries. A token not
// answering IS_BUILD runs the production firmware and is reported as such.
func (d *Device) Status(ctx context.Context) (*api.Status, error) {
	s := &api.Status{}

	res, err := d.setup(ctx, api.IsBuild)
	switch {
	case errors.Is(err, codec.ErrTimeout):
		return s, nil
	case err != nil:
		return nil, err
	}

	if s.Build = res.Status == api.StatusSuccess; !s.Build {
		return s, nil
	}

	if res, err = d.setup(ctx, api.GetSerialNum); err != nil {
		return nil, err
	}

	if s.Serial, err = res.Serial(); err != nil {
		return nil, err
	}

	if s.Configured, err = d.IsConfigured(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// RNG returns RandomSize bytes from the hardware random number generator.
func (d *Device) RNG(ctx context.Context) ([]byte, error) {
	res, err := d.custom(ctx, api.CustomRNG, nil, d.Timeout, 1)
	if err != nil {
		return nil, err
	}

	if len(res.Payload) != RandomSize {
		return nil, &codec.MismatchError{
			Want:   api.CustomRNG,
			Got:    res.Opcode,
			Reason: fmt.Sprintf("got %d random bytes, want %d", len(res.Payload), RandomSize),
		}
	}

	return append([]byte(nil), res.Payload...), nil
}

type chunk struct {
	buf []byte
	err error
}

// readChunks reads r SeedChunk bytes at a time until a read fails or done is
// closed.
func readChunks(r io.Reader, done <-chan struct{}) <-chan chunk {
	ch := make(chan chunk)

	go func() {
		defer close(ch)

		for {
			buf := make([]byte, SeedChunk)
			c, err := io.ReadFull(r, buf)

			select {
			case ch <- chunk{buf: buf[:c], err: err}:
			case <-done:
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// Seed feeds r into the hardware random number generator seed, SeedChunk
// bytes at a time, until r is exhausted or ctx is done. It returns the number
// of bytes accepted by the token, also on failure. progress, when set, is
// called with that number after every chunk.
//
// Seed returns as soon as ctx is done, even while a read from r is blocked.
// That read is then abandoned and its data, if any, is never sent.
func (d *Device) Seed(ctx context.Context, r io.Reader, progress func(n int)) (n int, err error) {
	done := make(chan struct{})
	defer close(done)

	chunks := readChunks(r, done)

	for {
		if err = ctx.Err(); err != nil {
			return
		}

		var c chunk

		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case c = <-chunks:
		}

		if len(c.buf) > 0 {
			if err = d.status(ctx, api.CustomSeed, c.buf, d.Timeout, 1); err != nil {
				return
			}

			n += len(c.buf)

			if progress != nil {
				progress(n)
			}
		}

		switch {
		case c.err == io.EOF || c.err == io.ErrUnexpectedEOF:
			return n, nil
		case c.err != nil:
			return n, fmt.Errorf("failed to read seed: %w", c.err)
		}
	}
}

// Wipe erases every registered key. The token only answers once its button
// has been pressed repeatedly, this is not reversible.
func (d *Device) Wipe(ctx context.Context) error {
	return d.status(ctx, api.CustomWipe, nil, d.WipeTimeout, d.WipeAttempts)
}

// Pulse sets the LED pulse period in milliseconds.
func (d *Device) Pulse(ctx context.Context, ms uint16) error {
	return d.status(ctx, api.CustomPulse, binary.BigEndian.AppendUint16(nil, ms), d.Timeout, 1)
}

// IdleColor sets the LED colour shown while waiting.
func (d *Device) IdleColor(ctx context.Context, rgb [3]byte) error {
	return d.status(ctx, api.CustomIdleColor, colorPayload(rgb), d.Timeout, 1)
}

// ButtonColor sets the LED colour shown while a button press is expected.
func (d *Device) ButtonColor(ctx context.Context, rgb [3]byte) error {
	return d.status(ctx, api.CustomIdleColorP, colorPayload(rgb), d.Timeout, 1)
}

func (d *Device) status(ctx context.Context, op api.Opcode, payload []byte, timeout time.Duration, attempts int) error {
	res, err := d.custom(ctx, op, payload, timeout, attempts)
	if err != nil {
		return err
	}

	return res.Check(op)
}

func colorPayload(rgb [3]byte) []byte {
	return []byte{0, rgb[0], rgb[1], rgb[2]}
}

// ParseColor parses a hex RGB triplet, with or without a leading '#'.
func ParseColor(s string) (rgb [3]byte, err error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "#"))
	if err != nil {
		return rgb, fmt.Errorf("invalid colour %q: %v", s, err)
	}

	if len(b) != len(rgb) {
		return rgb, fmt.Errorf("invalid colour %q: want rrggbb", s)
	}

	copy(rgb[:], b)

	return
}
