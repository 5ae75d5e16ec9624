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
	"context"
	"errors"
	"testing"
	"time"

	flynn_hid "github.com/flynn/hid"
)

// scriptedReader answers reads from a fixed script, nil entries time out.
type scriptedReader struct {
	script [][]byte
	err    error
	reads  int
}

func (r *scriptedReader) Read(time.Duration) ([]byte, error) {
	r.reads++
	if r.err != nil {
		return nil, r.err
	}
	if len(r.script) == 0 {
		return nil, nil
	}
	b := r.script[0]
	r.script = r.script[1:]
	return b, nil
}

func TestReadRetry(t *testing.T) {
	RetryDelay = 0

	for _, test := range []struct {
		name      string
		script    [][]byte
		attempts  int
		wantEmpty bool
		wantReads int
	}{
		{
			name:      "first read",
			script:    [][]byte{{0x81, 0x01}},
			attempts:  5,
			wantReads: 1,
		}, {
			name:      "succeeds on last attempt",
			script:    [][]byte{nil, nil, nil, nil, {0x81, 0x01}},
			attempts:  5,
			wantReads: 5,
		}, {
			name:      "budget exhausted",
			script:    [][]byte{nil, nil, nil, nil, nil, {0x81, 0x01}},
			attempts:  5,
			wantEmpty: true,
			wantReads: 5,
		}, {
			name:      "single attempt",
			script:    [][]byte{nil, {0x81, 0x01}},
			attempts:  0,
			wantEmpty: true,
			wantReads: 1,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := &scriptedReader{script: test.script}
			buf, err := ReadRetry(context.Background(), r, time.Second, test.attempts)
			if err != nil {
				t.Fatalf("ReadRetry: %v", err)
			}
			if got := len(buf) == 0; got != test.wantEmpty {
				t.Fatalf("Got %x, wantEmpty %t", buf, test.wantEmpty)
			}
			if r.reads != test.wantReads {
				t.Fatalf("Got %d reads, want %d", r.reads, test.wantReads)
			}
		})
	}
}

func TestReadRetryTransportError(t *testing.T) {
	RetryDelay = 0

	wantErr := errors.New("unplugged")
	r := &scriptedReader{err: wantErr}
	if _, err := ReadRetry(context.Background(), r, time.Second, 5); !errors.Is(err, wantErr) {
		t.Fatalf("Got %v, want %v", err, wantErr)
	}
	if r.reads != 1 {
		t.Fatalf("Got %d reads, want 1", r.reads)
	}
}

func TestReadRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &scriptedReader{}
	if _, err := ReadRetry(ctx, r, time.Second, 5); !errors.Is(err, context.Canceled) {
		t.Fatalf("Got %v, want context.Canceled", err)
	}
	if r.reads != 0 {
		t.Fatalf("Got %d reads, want 0", r.reads)
	}
}

func TestDescribe(t *testing.T) {
	for _, test := range []struct {
		name string
		info *flynn_hid.DeviceInfo
		want string
	}{
		{
			name: "token",
			info: &flynn_hid.DeviceInfo{
				Path:          "/dev/hidraw3",
				VendorID:      0x10c4,
				ProductID:     0x8acf,
				VersionNumber: 0x100,
				Manufacturer:  "ConorCo LLC",
				Product:       "U2F Zero",
			},
			want: "10c4:8acf ConorCo LLC U2F Zero v100 at /dev/hidraw3",
		}, {
			name: "nil",
			want: "unknown device",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := Describe(test.info); got != test.want {
				t.Fatalf("Got %q, want %q", got, test.want)
			}
			if got := (&HID{info: test.info}).Info(); got != test.info {
				t.Fatalf("Got info %v, want %v", got, test.info)
			}
		})
	}
}
