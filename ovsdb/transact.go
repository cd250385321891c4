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

package ovsdb

import "encoding/json"

// A Cond is a conditional expression which is evaluated by the OVSDB
// server in a transaction.
type Cond struct {
	Column   string
	Function string
	Value    interface{}
}

// Equal creates a Cond that ensures a column's value equals the
// specified value.
func Equal(column string, value interface{}) Cond {
	return Cond{
		Column:   column,
		Function: "==",
		Value:    value,
	}
}

// MarshalJSON implements json.Marshaler.
func (c Cond) MarshalJSON() ([]byte, error) {
	// Conditionals are expected in three element arrays.
	return json.Marshal([3]interface{}{
		c.Column,
		c.Function,
		c.Value,
	})
}

// A TransactOp is an operation that can be applied with Client.Transact.
type TransactOp interface {
	json.Marshaler
}

// transactArg is the wire argument for a "transact" RPC: a JSON array
// whose first element is the database name, followed by one element
// per operation.
type transactArg struct {
	Database string
	Ops      []TransactOp
}

// MarshalJSON implements json.Marshaler.
func (t transactArg) MarshalJSON() ([]byte, error) {
	arr := make([]interface{}, 0, len(t.Ops)+1)
	arr = append(arr, t.Database)
	for _, op := range t.Ops {
		arr = append(arr, op)
	}
	return json.Marshal(arr)
}

var _ TransactOp = Select{}

// Select is a TransactOp which fetches information from a database.
type Select struct {
	// The name of the table to select from.
	Table string

	// Zero or more Conds for conditional select.
	Where []Cond

	// Optional columns to fetch; all when empty.
	Columns []string
}

// MarshalJSON implements json.Marshaler.
func (s Select) MarshalJSON() ([]byte, error) {
	// Send an empty array instead of nil if no where clause.
	where := s.Where
	if where == nil {
		where = []Cond{}
	}

	sel := struct {
		Op      string   `json:"op"`
		Table   string   `json:"table"`
		Where   []Cond   `json:"where"`
		Columns []string `json:"columns,omitempty"`
	}{
		Op:      "select",
		Table:   s.Table,
		Where:   where,
		Columns: s.Columns,
	}

	return json.Marshal(sel)
}

var _ TransactOp = Insert{}

// Insert is a TransactOp which creates a row, optionally naming its UUID
// for later references within the same transaction.
type Insert struct {
	Table    string
	Row      map[string]interface{}
	UUIDName string
}

// MarshalJSON implements json.Marshaler.
func (i Insert) MarshalJSON() ([]byte, error) {
	ins := struct {
		Op       string                 `json:"op"`
		Table    string                 `json:"table"`
		Row      map[string]interface{} `json:"row"`
		UUIDName string                 `json:"uuid-name,omitempty"`
	}{
		Op:       "insert",
		Table:    i.Table,
		Row:      i.Row,
		UUIDName: i.UUIDName,
	}

	return json.Marshal(ins)
}

// A Mutation is one column change applied by a Mutate operation.
type Mutation struct {
	Column  string
	Mutator string
	Value   interface{}
}

// MarshalJSON implements json.Marshaler.
func (m Mutation) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{
		m.Column,
		m.Mutator,
		m.Value,
	})
}

var _ TransactOp = Mutate{}

// Mutate is a TransactOp which modifies columns of existing rows.
type Mutate struct {
	Table     string
	Where     []Cond
	Mutations []Mutation
}

// MarshalJSON implements json.Marshaler.
func (m Mutate) MarshalJSON() ([]byte, error) {
	where := m.Where
	if where == nil {
		where = []Cond{}
	}

	mut := struct {
		Op        string     `json:"op"`
		Table     string     `json:"table"`
		Where     []Cond     `json:"where"`
		Mutations []Mutation `json:"mutations"`
	}{
		Op:        "mutate",
		Table:     m.Table,
		Where:     where,
		Mutations: m.Mutations,
	}

	return json.Marshal(mut)
}

// OVSMap encodes a Go map as an OVSDB map value: ["map", [[k, v], ...]].
type OVSMap map[string]string

// MarshalJSON implements json.Marshaler.
func (m OVSMap) MarshalJSON() ([]byte, error) {
	pairs := make([][2]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, [2]string{k, v})
	}
	return json.Marshal([]interface{}{"map", pairs})
}
