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

package dpset

import (
	"errors"
	"testing"
	"time"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/openflow"
	"github.com/ovsnet/go-gretunnel/openflow/oftest"
)

func newTestSet(t *testing.T) (*DPSet, chan appbus.Event) {
	t.Helper()

	bus := appbus.New()
	s := New(bus.NewBrick(BrickName))

	events := make(chan appbus.Event, 64)
	sink := bus.NewBrick("sink")
	for _, ev := range []appbus.Event{
		&EventDP{}, &EventPortAdd{}, &EventPortDelete{}, &EventPortModify{},
	} {
		ev := ev
		sink.RegisterHandler(ev, func(got appbus.Event) {
			events <- got
		})
		s.Brick().RegisterObserver(ev, "sink")
	}
	sink.Start()
	t.Cleanup(sink.Stop)

	return s, events
}

func recv(t *testing.T, events chan appbus.Event) appbus.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dpset event")
		return nil
	}
}

func TestDPSetLifecycle(t *testing.T) {
	s, events := newTestSet(t)

	dp := oftest.NewDatapath(1)
	s.Register(dp, []openflow.Port{{No: 2}, {No: 5, State: openflow.PortStateLinkDown}})

	ev := recv(t, events).(*EventDP)
	if !ev.Enter || ev.DP.ID() != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if s.Get(1) == nil {
		t.Fatal("expected datapath 1 to be registered")
	}
	if s.Get(2) != nil {
		t.Fatal("expected datapath 2 to be unknown")
	}

	if !s.LinkUp(1, 2) {
		t.Fatal("expected port 2 link up")
	}
	if s.LinkUp(1, 5) {
		t.Fatal("expected port 5 link down")
	}
	if s.LinkUp(1, 9) {
		t.Fatal("expected unknown port to read as down")
	}
	if _, err := s.PortState(1, 9); !errors.Is(err, ErrPortNotFound) {
		t.Fatalf("expected ErrPortNotFound, got %v", err)
	}
	if _, err := s.PortState(2, 1); !errors.Is(err, ErrDPNotFound) {
		t.Fatalf("expected ErrDPNotFound, got %v", err)
	}

	s.ModifyPort(1, openflow.Port{No: 5})
	mod := recv(t, events).(*EventPortModify)
	if mod.Port.No != 5 || mod.Port.State.LinkDown() {
		t.Fatalf("unexpected event: %+v", mod)
	}
	if !s.LinkUp(1, 5) {
		t.Fatal("expected port 5 link up after modify")
	}

	s.AddPort(1, openflow.Port{No: 7})
	add := recv(t, events).(*EventPortAdd)
	if add.Port.No != 7 {
		t.Fatalf("unexpected event: %+v", add)
	}

	s.DeletePort(1, openflow.Port{No: 7})
	del := recv(t, events).(*EventPortDelete)
	if del.Port.No != 7 {
		t.Fatalf("unexpected event: %+v", del)
	}
	if s.LinkUp(1, 7) {
		t.Fatal("expected deleted port to read as down")
	}

	s.Unregister(1)
	leave := recv(t, events).(*EventDP)
	if leave.Enter {
		t.Fatalf("unexpected event: %+v", leave)
	}
	if s.Get(1) != nil {
		t.Fatal("expected datapath 1 to be gone")
	}

	// Port updates for unknown sessions are ignored.
	s.AddPort(1, openflow.Port{No: 2})
	s.Unregister(1)
}
