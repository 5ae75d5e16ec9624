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

// Package transport provides the report channel to a token.
package transport

import (
	"context"
	"errors"
	"time"

	"gopkg.in/retry.v1"
	"k8s.io/klog"
)

// ErrUnavailable is returned when no matching device could be found or
// opened.
var ErrUnavailable = errors.New("device unavailable")

// Transport is a duplex channel of fixed size reports.
type Transport interface {
	// Write sends a single report.
	Write(p []byte) error
	// Read waits up to timeout for a single report. A timeout is not an
	// error, it yields an empty report.
	Read(timeout time.Duration) ([]byte, error)
	// Close releases the channel.
	Close() error
}

// Reader is the read half of a Transport.
type Reader interface {
	Read(timeout time.Duration) ([]byte, error)
}

// RetryDelay is the pause between two read attempts.
var RetryDelay = 100 * time.Millisecond

// ReadRetry reads a report, repeating timed out reads until attempts reads
// have been made. An empty report is returned if every attempt timed out.
// Transport errors are returned immediately.
func ReadRetry(ctx context.Context, r Reader, timeout time.Duration, attempts int) (buf []byte, err error) {
	if attempts < 1 {
		attempts = 1
	}

	strategy := retry.LimitCount(attempts, retry.Exponential{
		Initial: RetryDelay,
		Factor:  1,
	})

	for attempt := retry.Start(strategy, nil); attempt.Next(); {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		if buf, err = r.Read(timeout); err != nil || len(buf) > 0 {
			return
		}

		klog.V(2).Infof("read timed out after %v (attempt %d/%d)", timeout, attempt.Count(), attempts)
	}

	return nil, nil
}
