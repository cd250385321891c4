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

// Package ovsdb is a minimal OVSDB management-protocol client, covering
// what the tunnel-port provisioner needs: database listing and
// transactions against the Open_vSwitch schema.
package ovsdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ovsnet/go-gretunnel/ovsdb/internal/jsonrpc"
)

// DefaultDatabase is the standard Open vSwitch configuration database.
const DefaultDatabase = "Open_vSwitch"

// A Client is an OVSDB client.
type Client struct {
	c *jsonrpc.Conn
}

// Dial connects to an OVSDB server.  The address uses the OVSDB
// "method:host:port" convention, e.g. "tcp:192.0.2.10:6640"; a bare
// "host:port" implies TCP.
func Dial(addr string) (*Client, error) {
	network := "tcp"
	if method, rest, ok := strings.Cut(addr, ":"); ok {
		switch method {
		case "tcp", "unix":
			network, addr = method, rest
		}
	}

	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New wraps an existing connection to an OVSDB server and returns a
// Client.
func New(conn net.Conn) *Client {
	return &Client{
		c: jsonrpc.NewConn(conn, log.WithField("component", "ovsdb")),
	}
}

// Close closes a Client's connection.
func (c *Client) Close() error {
	return c.c.Close()
}

// ListDatabases returns the name of all databases known to the OVSDB
// server.
func (c *Client) ListDatabases() ([]string, error) {
	var dbs []string
	if err := c.rpc("list_dbs", &dbs); err != nil {
		return nil, err
	}
	return dbs, nil
}

// Transact applies the operations atomically against a database and
// returns the per-operation results.
func (c *Client) Transact(db string, ops ...TransactOp) ([]OpResult, error) {
	var results []OpResult
	if err := c.rpc("transact", &results, transactArg{Database: db, Ops: ops}); err != nil {
		return nil, err
	}

	if len(results) < len(ops) {
		return nil, fmt.Errorf("transaction returned %d results for %d operations", len(results), len(ops))
	}
	for _, res := range results {
		if res.Error != "" {
			return nil, &Error{Err: res.Error, Details: res.Details}
		}
	}
	return results, nil
}

// rpc performs a single RPC request, and checks the response for errors.
func (c *Client) rpc(method string, out interface{}, args ...interface{}) error {
	// Captures any OVSDB errors.
	r := result{
		Reply: out,
	}

	req := jsonrpc.Request{
		Method: method,
		Params: args,
		// The connection assigns the request ID.
	}

	if err := c.c.Execute(req, &r); err != nil {
		return err
	}

	// OVSDB server returned an error, return it.
	if r.Err != nil {
		return r.Err
	}
	return nil
}

// A result is used to unmarshal JSON-RPC results, and to check for any
// errors.
type result struct {
	Reply interface{}
	Err   *Error
}

// errPrefix is a prefix that occurs if an error is present in a JSON-RPC
// result.
var errPrefix = []byte(`{"error":`)

// UnmarshalJSON implements json.Unmarshaler.
func (r *result) UnmarshalJSON(b []byte) error {
	// No error? Return the result.
	if !bytes.HasPrefix(b, errPrefix) {
		return json.Unmarshal(b, r.Reply)
	}

	// Found an error, unmarshal and return it later.
	var e Error
	if err := json.Unmarshal(b, &e); err != nil {
		return err
	}

	r.Err = &e
	return nil
}

var _ error = &Error{}

// An Error is an error returned by an OVSDB server.  Its fields can be
// used to determine the cause of an error.
type Error struct {
	Err     string `json:"error"`
	Details string `json:"details"`
	Syntax  string `json:"syntax"`
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Err, e.Details, e.Syntax)
}

// An OpResult is the result of one operation within a transaction.
type OpResult struct {
	UUID    UUID                     `json:"uuid"`
	Rows    []map[string]interface{} `json:"rows"`
	Error   string                   `json:"error"`
	Details string                   `json:"details"`
	Count   int                      `json:"count"`
}

// A UUID is an OVSDB row identifier, wire-encoded as ["uuid", "..."].
type UUID struct {
	UUID string
}

// MarshalJSON implements json.Marshaler.
func (u UUID) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{"uuid", u.UUID})
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *UUID) UnmarshalJSON(b []byte) error {
	var pair [2]string
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	u.UUID = pair[1]
	return nil
}

// A NamedUUID references a row inserted earlier in the same transaction.
type NamedUUID struct {
	Name string
}

// MarshalJSON implements json.Marshaler.
func (u NamedUUID) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{"named-uuid", u.Name})
}
