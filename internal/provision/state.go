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

package provision

import (
	"errors"
	"fmt"
)

// State is a provisioning step.
type State int

const (
	AwaitReady State = iota
	FetchSerial
	Lock
	LoadTransportKey
	LoadWriteKey
	LoadAttestKey
	GenerateKey
	Done
	Failed
)

var stateNames = [...]string{
	AwaitReady:       "AwaitReady",
	FetchSerial:      "FetchSerial",
	Lock:             "Lock",
	LoadTransportKey: "LoadTransportKey",
	LoadWriteKey:     "LoadWriteKey",
	LoadAttestKey:    "LoadAttestKey",
	GenerateKey:      "GenerateKey",
	Done:             "Done",
	Failed:           "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Irreversible reports whether entering s commits the token: from the Lock
// step onwards the token can no longer return to its factory state.
func (s State) Irreversible() bool {
	return s >= Lock && s <= GenerateKey
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Plan selects the key provisioning steps following the lock.
type Plan int

const (
	// HostKeys loads a transport key, its write mask and a host generated
	// attestation key.
	HostKeys Plan = iota
	// DeviceKey has the secure element generate its own key.
	DeviceKey
)

var plans = map[Plan][]State{
	HostKeys:  {AwaitReady, FetchSerial, Lock, LoadTransportKey, LoadWriteKey, LoadAttestKey, Done},
	DeviceKey: {AwaitReady, FetchSerial, Lock, GenerateKey, Done},
}

// Steps returns the states visited by a successful run of p.
func (p Plan) Steps() []State {
	return append([]State(nil), plans[p]...)
}

func (p Plan) next(s State) State {
	steps := plans[p]
	for i := 0; i < len(steps)-1; i++ {
		if steps[i] == s {
			return steps[i+1]
		}
	}
	return Failed
}

// ErrIrreversible is wrapped by every failure occurring at or after the Lock
// step. Such failures must never be retried automatically.
var ErrIrreversible = errors.New("failure after configuration lock, token may be partially provisioned")

// StepError tags a failure with the step it occurred in.
type StepError struct {
	Step State
	Err  error
}

func (e *StepError) Error() string {
	if e.Step.Irreversible() {
		return fmt.Sprintf("FATAL %v: %v (%v)", e.Step, e.Err, ErrIrreversible)
	}
	return fmt.Sprintf("%v: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	if e.Step.Irreversible() {
		return []error{e.Err, ErrIrreversible}
	}
	return []error{e.Err}
}
