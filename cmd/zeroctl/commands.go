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
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog"

	"github.com/u2f-zero/zeroprov/api"
	"github.com/u2f-zero/zeroprov/internal/bootloader"
	"github.com/u2f-zero/zeroprov/internal/device"
	"github.com/u2f-zero/zeroprov/internal/keys"
	"github.com/u2f-zero/zeroprov/internal/profile"
	"github.com/u2f-zero/zeroprov/internal/provision"
	"github.com/u2f-zero/zeroprov/internal/record"
	"github.com/u2f-zero/zeroprov/internal/transport"
)

// withToken opens the token, runs f and always closes the transport.
func withToken(f func(t transport.Transport) error) (err error) {
	h, err := transport.Open(api.VendorID, api.ProductID, conf.path)
	if err != nil {
		return
	}

	klog.Infof("using %s", transport.Describe(h.Info()))

	defer func() {
		if cerr := h.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return f(h)
}

func withDevice(f func(d *device.Device) error) error {
	return withToken(func(t transport.Transport) error {
		d := device.New(t)
		d.Timeout = conf.timeout
		return f(d)
	})
}

func loadProfile() (*profile.Profile, error) {
	if len(conf.profileFile) > 0 {
		return profile.Load(conf.profileFile)
	}

	return profile.Builtin(conf.profile)
}

func status(ctx context.Context, _ []string) error {
	return withDevice(func(d *device.Device) error {
		s, err := d.Status(ctx)
		if err != nil {
			return err
		}

		fmt.Println(s.Print())

		return nil
	})
}

func runMachine(ctx context.Context, p *profile.Profile, plan provision.Plan, attest *ecdsa.PrivateKey) (res *provision.Result, err error) {
	klog.Infof("provisioning with profile %s (hardware revision %v, %v checksum)", p.Name, p.Revision, p.Variant)

	err = withToken(func(t transport.Transport) error {
		m, err := provision.New(t, provision.Options{
			Template:  p.Template,
			Variant:   p.Variant,
			Plan:      plan,
			Attempts:  conf.attempts,
			Timeout:   conf.timeout,
			Settle:    conf.settle,
			AttestKey: attest,
			Observer: func(from, to provision.State) {
				if to.Irreversible() && !from.Irreversible() {
					klog.Warningf("entering %v, the token can no longer be reverted to its factory state", to)
				}
			},
		})
		if err != nil {
			return err
		}

		res, err = m.Run(ctx)

		return err
	})

	if errors.Is(err, provision.ErrIrreversible) {
		klog.Errorf("token left partially provisioned, do not retry without inspecting it")
	}

	return
}

func provisionToken(ctx context.Context, _ []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}

	attest, err := loadAttestKey(conf.attestKeyFile)
	if err != nil {
		return err
	}

	res, err := runMachine(ctx, p, provision.HostKeys, attest)
	if err != nil {
		return err
	}

	klog.Infof("token %X provisioned", res.Serial)
	klog.Infof("write mask %X", res.WriteMask)
	klog.Infof("read mask %X", res.ReadMask)

	if err = writeRecord(p, res); err != nil {
		return err
	}

	if conf.reset {
		return resetToken()
	}

	return nil
}

func configure(ctx context.Context, args []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}

	res, err := runMachine(ctx, p, provision.DeviceKey, nil)
	if err != nil {
		return err
	}

	if err = os.WriteFile(args[0], []byte(hex.EncodeToString(res.DeviceKey)), 0o644); err != nil {
		return err
	}

	klog.Infof("generated key written to %s", args[0])

	return writeRecord(p, res)
}

// loadAttestKey reads the attestation key from path. A missing file is
// created with a new key before any command is sent, so that the key
// survives the run. An empty path leaves the generation to the run, the
// private key is then never stored.
func loadAttestKey(path string) (*ecdsa.PrivateKey, error) {
	if len(path) == 0 {
		klog.Warning("no -attest_key_file, the attestation private key will not be stored")
		return nil, nil
	}

	buf, err := os.ReadFile(path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		return createAttestKey(path)
	case err != nil:
		return nil, err
	}

	block, _ := pem.Decode(buf)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("%s: no EC PRIVATE KEY block", path)
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	if _, err = keys.Scalar(key); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	klog.Infof("loaded attestation key from %s", path)

	return key, nil
}

func createAttestKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := keys.NewAttestationKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err = pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}); err != nil {
		return nil, err
	}

	klog.Infof("new attestation key written to %s", path)

	return key, f.Sync()
}

func writeRecord(p *profile.Profile, res *provision.Result) error {
	if len(conf.recordFile) == 0 {
		return nil
	}

	rec := record.New(p.Name, p.Variant, res, time.Now())

	var (
		buf []byte
		err error
	)

	if len(conf.recordSigner) > 0 {
		var s note.Signer

		if s, err = record.SignerFromFile(conf.recordSigner); err != nil {
			return fmt.Errorf("failed to load record signer: %v", err)
		}

		buf, err = rec.Sign(s)
	} else {
		buf, err = rec.Marshal()
	}

	if err != nil {
		return err
	}

	if err = os.WriteFile(conf.recordFile, buf, 0o644); err != nil {
		return err
	}

	klog.Infof("provisioning record written to %s", conf.recordFile)

	return nil
}

func resetToken() error {
	err := bootloader.Reset(nil, api.VendorID, api.ProductID, conf.path, byte(conf.bootloaderCmd))

	if bootloader.Ignorable(err) {
		klog.Infof("no token to reset (%v)", err)
		return nil
	}

	return err
}

func bootloaderCmd(_ context.Context, _ []string) error {
	return resetToken()
}

// newBar returns a byte counting progress bar writing to w, total may be 0
// when unknown.
func newBar(w io.Writer, total int64) *pb.ProgressBar {
	return pb.New64(total).
		SetTemplate(pb.Full).
		SetWriter(w).
		Set(pb.Bytes, true)
}

func rng(ctx context.Context, _ []string) error {
	return withDevice(func(d *device.Device) error {
		var bar *pb.ProgressBar

		if conf.count > 0 {
			bar = newBar(os.Stderr, conf.count).Start()
			defer bar.Finish()
		}

		for n := int64(0); conf.count == 0 || n < conf.count; {
			if ctx.Err() != nil {
				return nil
			}

			buf, err := d.RNG(ctx)
			if err != nil {
				return err
			}

			if conf.count > 0 && int64(len(buf)) > conf.count-n {
				buf = buf[:conf.count-n]
			}

			if _, err = os.Stdout.Write(buf); err != nil {
				return err
			}

			n += int64(len(buf))

			if bar != nil {
				bar.SetCurrent(n)
			}
		}

		return nil
	})
}

func seed(ctx context.Context, _ []string) error {
	var total int64

	if fi, err := os.Stdin.Stat(); err == nil && fi.Mode().IsRegular() {
		total = fi.Size()
	}

	bar := newBar(os.Stderr, total).Start()

	return withDevice(func(d *device.Device) error {
		n, err := d.Seed(ctx, os.Stdin, func(n int) {
			bar.SetCurrent(int64(n))
		})
		bar.Finish()

		klog.Infof("seeded %d bytes", n)

		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})
}

func wipe(ctx context.Context, _ []string) error {
	return withDevice(func(d *device.Device) error {
		klog.Info("press the token button repeatedly until the LED is no longer red")

		if err := d.Wipe(ctx); err != nil {
			return fmt.Errorf("wipe failed: %w", err)
		}

		klog.Info("wipe succeeded")

		return nil
	})
}

func pulse(ctx context.Context, args []string) error {
	ms, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid pulse period %q: %v", args[0], err)
	}

	return withDevice(func(d *device.Device) error {
		return d.Pulse(ctx, uint16(ms))
	})
}

func idleColor(ctx context.Context, args []string) error {
	rgb, err := device.ParseColor(args[0])
	if err != nil {
		return err
	}

	return withDevice(func(d *device.Device) error {
		return d.IdleColor(ctx, rgb)
	})
}

func buttonColor(ctx context.Context, args []string) error {
	rgb, err := device.ParseColor(args[0])
	if err != nil {
		return err
	}

	return withDevice(func(d *device.Device) error {
		return d.ButtonColor(ctx, rgb)
	})
}
