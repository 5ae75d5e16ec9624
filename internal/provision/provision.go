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

// Package provision takes a token running the setup firmware from its
// factory state to a locked, key provisioned state.
//
// The run is a strict sequence of steps, each gated by the response to the
// previous one:
//
//	AwaitReady → FetchSerial → Lock → LoadTransportKey → LoadWriteKey → LoadAttestKey → Done
//
// *WARNING*: the Lock step is a one-time irreversible operation on the
// secure element. Any failure from that step onwards is reported wrapping
// ErrIrreversible and must be handled by an operator.
package provision

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"k8s.io/klog"

	"github.com/u2f-zero/zeroprov/api"
	"github.com/u2f-zero/zeroprov/internal/codec"
	"github.com/u2f-zero/zeroprov/internal/crc"
	"github.com/u2f-zero/zeroprov/internal/keys"
	"github.com/u2f-zero/zeroprov/internal/profile"
	"github.com/u2f-zero/zeroprov/internal/transport"
)

const (
	DefaultAttempts   = 5
	DefaultTimeout    = time.Second
	DefaultKeyTimeout = 10 * time.Second
	DefaultSettle     = 250 * time.Millisecond
)

// Options configures a provisioning run.
type Options struct {
	// Template is the factory configuration zone, the leading bytes are
	// replaced by the device serial before locking.
	Template profile.Template
	// Variant is the checksum accepted by the token on lock, it has no
	// default.
	Variant crc.Variant
	// Plan selects the steps following the lock.
	Plan Plan

	// Attempts is the number of reads before a step preceding the lock
	// fails on timeout. Steps from the lock onwards read once.
	Attempts int
	// Timeout is the read timeout of each step.
	Timeout time.Duration
	// KeyTimeout is the read timeout of LOAD_TRANS_KEY.
	KeyTimeout time.Duration
	// Settle is the pause between two steps.
	Settle time.Duration

	// Rand is the entropy source of generated keys.
	Rand io.Reader
	// AttestKey is loaded as attestation key, when nil a new P-256 key is
	// generated.
	AttestKey *ecdsa.PrivateKey

	// Observer, when set, is called on every state transition. It must not
	// call back into the Machine.
	Observer func(from, to State)
}

// Result holds what a successful run produced.
type Result struct {
	// Serial is the secure element serial number.
	Serial []byte
	// Config is the configuration zone the token was locked with.
	Config profile.ConfigBuffer
	// Checksum is the lock command payload.
	Checksum [2]byte

	// WriteMask authenticates configuration writes, ReadMask reads.
	WriteMask keys.Mask
	ReadMask  keys.Mask
	// AttestPublicKey is the SEC1 encoded attestation public key.
	AttestPublicKey []byte

	// DeviceKey is the GENKEY response of a DeviceKey plan run.
	DeviceKey []byte
}

// Machine runs the provisioning of a single token. A Machine runs once.
type Machine struct {
	mu sync.Mutex

	t     transport.Transport
	opts  Options
	state State
	err   *StepError

	res      Result
	transKey [keys.KeySize]byte
	readKey  [keys.KeySize]byte
	attest   *ecdsa.PrivateKey
}

// New returns a Machine provisioning the token behind t. The caller keeps
// ownership of t and must close it.
func New(t transport.Transport, opts Options) (*Machine, error) {
	if t == nil {
		return nil, errors.New("no transport")
	}

	if !opts.Variant.Valid() {
		return nil, errors.New("checksum variant must be selected explicitly")
	}

	if _, ok := plans[opts.Plan]; !ok {
		return nil, fmt.Errorf("unknown plan %d", opts.Plan)
	}

	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if opts.KeyTimeout <= 0 {
		opts.KeyTimeout = DefaultKeyTimeout
	}

	if opts.Settle < 0 {
		opts.Settle = 0
	}

	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}

	return &Machine{
		t:     t,
		opts:  opts,
		state: AwaitReady,
	}, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Err returns the failure of a Failed run.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err == nil {
		return nil
	}

	return m.err
}

// Run executes every step of the plan. On failure the returned error is a
// *StepError naming the failed step, the machine is left Failed and no
// further command is sent.
//
// Cancelling ctx is honoured until the Lock step starts. From then on the
// run proceeds to Done or Failed regardless of ctx.
func (m *Machine) Run(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != AwaitReady {
		return nil, fmt.Errorf("provisioning already ran (state %v)", m.state)
	}

	if err := m.prepare(); err != nil {
		return nil, m.fail(err)
	}

	for !m.state.Terminal() {
		if m.state.Irreversible() {
			ctx = context.WithoutCancel(ctx)
		}

		if err := m.settle(ctx); err != nil {
			return nil, m.fail(err)
		}

		if err := m.step(ctx); err != nil {
			return nil, m.fail(err)
		}

		m.advance(m.opts.Plan.next(m.state))
	}

	res := m.res

	return &res, nil
}

// prepare generates every host side secret before the first command, so that
// no entropy failure can interrupt the run once the token is locked.
func (m *Machine) prepare() (err error) {
	if m.opts.Plan != HostKeys {
		return
	}

	if m.transKey, err = keys.NewKey(m.opts.Rand); err != nil {
		return
	}

	if m.readKey, err = keys.NewKey(m.opts.Rand); err != nil {
		return
	}

	m.attest = m.opts.AttestKey

	if m.attest == nil {
		if m.attest, err = keys.NewAttestationKey(m.opts.Rand); err != nil {
			return fmt.Errorf("failed to generate attestation key: %w", err)
		}
	}

	if _, err = keys.Scalar(m.attest); err != nil {
		return
	}

	if m.res.AttestPublicKey, err = keys.PublicKey(m.attest); err != nil {
		return
	}

	m.res.ReadMask = keys.ReadMask(m.readKey)

	return
}

func (m *Machine) advance(to State) {
	from := m.state
	m.state = to

	klog.V(1).Infof("provisioning %v -> %v", from, to)

	if m.opts.Observer != nil {
		m.opts.Observer(from, to)
	}
}

func (m *Machine) fail(err error) error {
	m.err = &StepError{
		Step: m.state,
		Err:  err,
	}

	m.advance(Failed)

	return m.err
}

func (m *Machine) settle(ctx context.Context) error {
	if m.state == AwaitReady || m.opts.Settle == 0 {
		return ctx.Err()
	}

	t := time.NewTimer(m.opts.Settle)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Machine) step(ctx context.Context) error {
	switch m.state {
	case AwaitReady:
		return m.awaitReady(ctx)
	case FetchSerial:
		return m.fetchSerial(ctx)
	case Lock:
		return m.lock(ctx)
	case LoadTransportKey:
		return m.load(ctx, api.LoadTransKey, m.transKey[:], m.opts.KeyTimeout)
	case LoadWriteKey:
		m.res.WriteMask = keys.WriteMask(m.transKey)
		return m.load(ctx, api.LoadWriteKey, m.res.WriteMask[:], m.opts.Timeout)
	case LoadAttestKey:
		s, err := keys.Scalar(m.attest)
		if err != nil {
			return err
		}
		return m.load(ctx, api.LoadAttestKey, s[:], m.opts.Timeout)
	case GenerateKey:
		return m.generateKey(ctx)
	}

	return fmt.Errorf("no action for state %v", m.state)
}

// command sends op and returns the raw response. Reads are retried on
// timeout only before the lock.
func (m *Machine) command(ctx context.Context, op api.Opcode, payload []byte, timeout time.Duration) ([]byte, error) {
	pkt, err := codec.Encode(op, payload)
	if err != nil {
		return nil, err
	}

	attempts := m.opts.Attempts
	if m.state.Irreversible() {
		attempts = 1
	}

	klog.V(2).Infof("> %x", pkt)

	if err = m.t.Write(pkt); err != nil {
		return nil, fmt.Errorf("failed to send %v: %w", op, err)
	}

	res, err := transport.ReadRetry(ctx, m.t, timeout, attempts)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v response: %w", op, err)
	}

	klog.V(2).Infof("< %x", res)

	return res, nil
}

func (m *Machine) status(ctx context.Context, op api.Opcode, payload []byte, timeout time.Duration) error {
	raw, err := m.command(ctx, op, payload, timeout)
	if err != nil {
		return err
	}

	res, err := codec.Decode(raw)
	if err != nil {
		return fmt.Errorf("%v: %w", op, err)
	}

	return res.Check(op)
}

func (m *Machine) awaitReady(ctx context.Context) error {
	if err := m.status(ctx, api.IsBuild, nil, m.opts.Timeout); err != nil {
		return fmt.Errorf("setup firmware not ready: %w", err)
	}

	klog.Info("setup firmware ready")

	return nil
}

func (m *Machine) fetchSerial(ctx context.Context) error {
	raw, err := m.command(ctx, api.GetSerialNum, nil, m.opts.Timeout)
	if err != nil {
		return err
	}

	res, err := codec.Decode(raw)
	if err != nil {
		return fmt.Errorf("%v: %w", api.GetSerialNum, err)
	}

	serial, err := res.Serial()
	if err != nil {
		return err
	}

	config, err := profile.Fold(m.opts.Template, serial)
	if err != nil {
		return err
	}

	m.res.Serial = serial
	m.res.Config = config

	klog.Infof("serial number %X", serial)

	return nil
}

func (m *Machine) lock(ctx context.Context) error {
	m.res.Checksum = crc.Bytes(m.opts.Variant, m.res.Config[:])

	klog.Infof("locking configuration zone (%v checksum %X)", m.opts.Variant, m.res.Checksum)

	if err := m.status(ctx, api.Lock, m.res.Checksum[:], m.opts.Timeout); err != nil {
		return err
	}

	klog.Info("configuration zone locked")

	return nil
}

func (m *Machine) load(ctx context.Context, op api.Opcode, payload []byte, timeout time.Duration) error {
	if err := m.status(ctx, op, payload, timeout); err != nil {
		return err
	}

	klog.V(1).Infof("%v done", op)

	return nil
}

func (m *Machine) generateKey(ctx context.Context) error {
	raw, err := m.command(ctx, api.GenKey, nil, m.opts.Timeout)
	if err != nil {
		return err
	}

	res, err := codec.Decode(raw)
	if err != nil {
		return fmt.Errorf("%v: %w", api.GenKey, err)
	}

	// The whole report is the key, there is no status byte.
	key := res.Raw()
	if len(key) < api.ReportSize {
		return fmt.Errorf("%v: %w", api.GenKey, codec.ErrTimeout)
	}

	m.res.DeviceKey = append([]byte(nil), key[:api.ReportSize]...)

	return nil
}
