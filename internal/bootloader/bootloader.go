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

// Package bootloader moves a token running the production firmware back to
// its bootloader, ahead of flashing the setup firmware.
package bootloader

import (
	"errors"
	"fmt"

	"github.com/flynn/u2f/u2fhid"
	"k8s.io/klog"

	"github.com/u2f-zero/zeroprov/internal/transport"
)

// Commander sends a U2FHID command and returns its response.
type Commander interface {
	Command(cmd byte, data []byte) ([]byte, error)
	Close()
}

// Opener opens the U2FHID interface of a token.
type Opener func(vid, pid uint16, path string) (Commander, error)

// Open finds the token and opens its U2FHID interface.
func Open(vid, pid uint16, path string) (Commander, error) {
	d, err := transport.Find(vid, pid, path)
	if err != nil {
		return nil, err
	}

	dev, err := u2fhid.Open(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	return dev, nil
}

// Reset sends cmd to the token with the given identifiers. A token already
// in its bootloader, or never programmed, does not enumerate with them and
// yields an error wrapping transport.ErrUnavailable.
func Reset(open Opener, vid, pid uint16, path string, cmd byte) error {
	if open == nil {
		open = Open
	}

	dev, err := open(vid, pid, path)
	if err != nil {
		return err
	}
	defer dev.Close()

	klog.Infof("resetting %04x:%04x into bootloader (command %#02x)", vid, pid, cmd)

	// The token detaches while jumping to the bootloader, the command is
	// not expected to be answered.
	if _, err := dev.Command(cmd, nil); err != nil {
		klog.V(1).Infof("bootloader command: %v", err)
	}

	return nil
}

// Ignorable reports whether a Reset error only means there was no device to
// reset. Every other error must be surfaced.
func Ignorable(err error) bool {
	return err != nil && errors.Is(err, transport.ErrUnavailable)
}
