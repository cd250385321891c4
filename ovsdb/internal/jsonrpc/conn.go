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

// Package jsonrpc implements the subset of JSON-RPC 1.0 spoken by OVSDB
// servers: synchronous request/response with client-assigned IDs.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

// A Request is a JSON-RPC request.
type Request struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// A Response is either a JSON-RPC response, or a JSON-RPC request
// notification.
type Response struct {
	// Non-null for a response; null for a request notification.
	ID *string `json:"id"`

	// Response fields.
	Result json.RawMessage `json:"result,omitempty"`
	Error  interface{}     `json:"error"`

	// Request notification fields.
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Err returns an error, if one occurred in a Response.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return fmt.Errorf("received JSON-RPC error: %#v", r.Error)
}

// NewConn creates a new Conn wrapping the input stream.
func NewConn(rwc io.ReadWriteCloser, ll *log.Entry) *Conn {
	return &Conn{
		c:   rwc,
		ll:  ll,
		enc: json.NewEncoder(rwc),
		dec: json.NewDecoder(rwc),
	}
}

// A Conn is a JSON-RPC connection.
type Conn struct {
	c  io.Closer
	ll *log.Entry

	mu     sync.Mutex
	enc    *json.Encoder
	dec    *json.Decoder
	nextID int
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// Execute performs a single request/response round trip, assigning the
// request ID and unmarshaling the result into out.  Request notifications
// received while waiting are skipped.
func (c *Conn) Execute(req Request, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req.ID = strconv.Itoa(c.nextID)
	c.nextID++

	// A non-nil params array is required for ovsdb-server to reply.
	if req.Params == nil {
		req.Params = []interface{}{}
	}

	if c.ll != nil {
		c.ll.Debugf("jsonrpc send: id %s method %s", req.ID, req.Method)
	}
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("failed to encode JSON-RPC request: %v", err)
	}

	for {
		var res Response
		if err := c.dec.Decode(&res); err != nil {
			// Don't mask EOF errors with added detail.
			if err == io.EOF {
				return err
			}
			return fmt.Errorf("failed to decode JSON-RPC response: %v", err)
		}

		// Skip request notifications such as "echo".
		if res.ID == nil {
			continue
		}
		if *res.ID != req.ID {
			return fmt.Errorf("JSON-RPC response ID mismatch: want %q, got %q", req.ID, *res.ID)
		}

		if err := res.Err(); err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if res.Result == nil {
			return errors.New("JSON-RPC response carried no result")
		}
		return json.Unmarshal(res.Result, out)
	}
}
