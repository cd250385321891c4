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

// Package store holds the in-memory authoritative state of the controller:
// tenant networks with their ports and MAC registrations, tunnel key and
// tunnel port bindings, and per-switch configuration.  Every successful
// mutation publishes exactly one typed event on the owning brick; failed
// mutations return an error and publish nothing.
package store

import (
	"errors"
)

// Reserved network identifiers.  A port bound to NetworkVPortGRE is a GRE
// tunnel endpoint, not a VM port.
const (
	NetworkExternal = "__NW_ID_EXTERNAL"
	NetworkVPortGRE = "__NW_ID_VPORT_GRE"
	NetworkUnknown  = "__NW_ID_UNKNOWN"
)

// IsReservedNetwork reports whether id never denotes a tenant network.
func IsReservedNetwork(id string) bool {
	switch id {
	case NetworkExternal, NetworkVPortGRE, NetworkUnknown:
		return true
	}
	return false
}

// Errors returned by store mutations and lookups.  The set is closed;
// callers select behavior with errors.Is.
var (
	ErrNetworkNotFound       = errors.New("network not found")
	ErrNetworkAlreadyExists  = errors.New("network already exists")
	ErrNetworkInUse          = errors.New("network still has ports")
	ErrPortNotFound          = errors.New("port not found")
	ErrPortAlreadyExists     = errors.New("port already exists")
	ErrMacAlreadyExists      = errors.New("mac address already exists")
	ErrTunnelKeyNotFound     = errors.New("tunnel key not found")
	ErrTunnelKeyAlreadyBound = errors.New("tunnel key already bound")
	ErrTunnelKeyInUse        = errors.New("tunnel key in use by another network")
	ErrReserved              = errors.New("reserved identifier")
	ErrDPIDNotFound          = errors.New("datapath not found")
	ErrKeyNotFound           = errors.New("key not found")
)
