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

package transport

import (
	"errors"
	"fmt"
	"time"

	flynn_hid "github.com/flynn/hid"
	"k8s.io/klog"
)

// HID is a Transport over a raw USB HID interface.
type HID struct {
	dev  flynn_hid.Device
	info *flynn_hid.DeviceInfo
}

// Find returns the first HID interface matching the given USB identifiers,
// when path is not empty only the interface with that path matches.
func Find(vid, pid uint16, path string) (*flynn_hid.DeviceInfo, error) {
	devices, err := flynn_hid.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: enumeration failed: %v", ErrUnavailable, err)
	}

	for _, d := range devices {
		if d.VendorID != vid || d.ProductID != pid {
			continue
		}

		if len(path) > 0 && d.Path != path {
			continue
		}

		return d, nil
	}

	return nil, fmt.Errorf("%w: no device %04x:%04x found", ErrUnavailable, vid, pid)
}

// Open opens the first HID interface matching the given USB identifiers.
func Open(vid, pid uint16, path string) (*HID, error) {
	info, err := Find(vid, pid, path)
	if err != nil {
		return nil, err
	}

	dev, err := info.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, info.Path, err)
	}

	klog.V(1).Infof("opened %s", Describe(info))

	return &HID{
		dev:  dev,
		info: info,
	}, nil
}

// Describe formats info for logging.
func Describe(info *flynn_hid.DeviceInfo) string {
	if info == nil {
		return "unknown device"
	}

	return fmt.Sprintf("%04x:%04x %s %s v%x at %s", info.VendorID, info.ProductID, info.Manufacturer, info.Product, info.VersionNumber, info.Path)
}

// Info returns the description of the opened interface.
func (h *HID) Info() *flynn_hid.DeviceInfo {
	return h.info
}

// Write implements Transport.
func (h *HID) Write(p []byte) error {
	return h.dev.Write(p)
}

// Read implements Transport.
func (h *HID) Read(timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case buf, ok := <-h.dev.ReadCh():
		if !ok {
			if err := h.dev.ReadError(); err != nil {
				return nil, err
			}
			return nil, errors.New("device closed")
		}
		return buf, nil
	case <-t.C:
		return nil, nil
	}
}

// Close implements Transport.
func (h *HID) Close() error {
	h.dev.Close()
	return nil
}
