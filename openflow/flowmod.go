// Copyright 2023 The go-gretunnel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package openflow

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// errEmptyMatch is returned when a match renders to nothing.
	errEmptyMatch = errors.New("match is empty")
)

// A FlowModError is an error encountered while marshaling a flow mod.
type FlowModError struct {
	Str string
	Err error
}

// Error implements error.
func (e *FlowModError) Error() string {
	return fmt.Sprintf("flow mod error due to %q: %v", e.Str, e.Err)
}

// A FlowMod is a single flow table modification.  The target table rides
// in the upper byte of Command (see TableCommand); the flow-mod-table-id
// extension must be enabled on the session for it to be honored.  The
// zero value of OutPort means "unrestricted"; it is only consulted for
// delete commands.
type FlowMod struct {
	Cookie      uint64
	Command     Command
	Priority    int
	Matches     []Match
	Actions     []Action
	IdleTimeout int
	HardTimeout int
	OutPort     PortNo
}

// TargetTable returns the table carried in the upper byte of Command.
func (f *FlowMod) TargetTable() Table {
	table, _ := f.Command.Split()
	return table
}

// MarshalText marshals a FlowMod into its canonical textual form, used by
// logs and tests.  Field order is fixed: table, command, priority, matches
// in caller order, out_port when set, then actions.
func (f *FlowMod) MarshalText() ([]byte, error) {
	var b bytes.Buffer

	table, command := f.Command.Split()
	fmt.Fprintf(&b, "table=%d,%s,priority=%d", table, command.String(), f.Priority)

	for _, m := range f.Matches {
		mb, err := m.MarshalText()
		if err != nil {
			return nil, &FlowModError{Str: "match", Err: err}
		}
		if len(mb) == 0 {
			return nil, &FlowModError{Str: "match", Err: errEmptyMatch}
		}

		b.WriteByte(',')
		b.Write(mb)
	}

	if f.OutPort != 0 {
		fmt.Fprintf(&b, ",out_port=%d", f.OutPort)
	}

	b.WriteString(",actions=")
	if len(f.Actions) == 0 {
		b.WriteString("drop")
		return b.Bytes(), nil
	}

	for i, a := range f.Actions {
		ab, err := a.MarshalText()
		if err != nil {
			return nil, &FlowModError{Str: "action", Err: err}
		}

		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(ab)
	}

	return b.Bytes(), nil
}

// String returns the textual form of a FlowMod, or an error placeholder
// when it does not marshal.
func (f *FlowMod) String() string {
	b, err := f.MarshalText()
	if err != nil {
		return fmt.Sprintf("invalid flow mod: %v", err)
	}
	return string(b)
}
