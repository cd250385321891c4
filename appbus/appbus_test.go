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

package appbus

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testEvent struct {
	n int
}

type otherEvent struct{}

type pingRequest struct {
	RequestBase
	payload string
}

type pingReply struct {
	ReplyBase
	payload string
}

func TestBrickDispatchFIFO(t *testing.T) {
	bus := New()
	brick := bus.NewBrick("sink")

	got := make(chan int, 16)
	brick.RegisterHandler(&testEvent{}, func(ev Event) {
		got <- ev.(*testEvent).n
	})

	brick.Start()
	defer brick.Stop()

	src := bus.NewBrick("src")
	for i := 0; i < 5; i++ {
		src.SendEvent("sink", &testEvent{n: i}, StateNone)
	}

	want := []int{0, 1, 2, 3, 4}
	var ns []int
	for range want {
		ns = append(ns, recvInt(t, got))
	}

	if diff := cmp.Diff(want, ns); diff != "" {
		t.Fatalf("unexpected delivery order (-want +got):\n%s", diff)
	}
}

func TestBrickStateFiltering(t *testing.T) {
	bus := New()
	brick := bus.NewBrick("sink")

	main := make(chan int, 16)
	all := make(chan int, 16)
	brick.RegisterHandler(&testEvent{}, func(ev Event) {
		main <- ev.(*testEvent).n
	}, StateMain)
	brick.RegisterHandler(&testEvent{}, func(ev Event) {
		all <- ev.(*testEvent).n
	})

	brick.Start()
	defer brick.Stop()

	src := bus.NewBrick("src")
	src.SendEvent("sink", &testEvent{n: 1}, StateHandshake)
	src.SendEvent("sink", &testEvent{n: 2}, StateMain)
	// Events without a session state match every handler.
	src.SendEvent("sink", &testEvent{n: 3}, StateNone)

	if want, got := 2, recvInt(t, main); want != got {
		t.Fatalf("unexpected state-filtered event: want %d, got %d", want, got)
	}
	if want, got := 3, recvInt(t, main); want != got {
		t.Fatalf("unexpected state-filtered event: want %d, got %d", want, got)
	}

	for _, want := range []int{1, 2, 3} {
		if got := recvInt(t, all); want != got {
			t.Fatalf("unexpected unfiltered event: want %d, got %d", want, got)
		}
	}
}

func TestObserverFanOut(t *testing.T) {
	bus := New()
	producer := bus.NewBrick("producer")

	chans := make(map[string]chan int)
	for _, name := range []string{"a", "b"} {
		name := name
		brick := bus.NewBrick(name)
		ch := make(chan int, 16)
		chans[name] = ch
		brick.RegisterHandler(&testEvent{}, func(ev Event) {
			ch <- ev.(*testEvent).n
		})
		producer.RegisterObserver(&testEvent{}, name)
		brick.Start()
		defer brick.Stop()
	}

	// A brick that never declared itself an observer sees nothing.
	silent := bus.NewBrick("silent")
	silentCh := make(chan int, 16)
	silent.RegisterHandler(&testEvent{}, func(ev Event) {
		silentCh <- ev.(*testEvent).n
	})
	silent.Start()
	defer silent.Stop()

	producer.SendEventToObservers(&testEvent{n: 7}, StateNone)

	for name, ch := range chans {
		if want, got := 7, recvInt(t, ch); want != got {
			t.Fatalf("observer %q: want %d, got %d", name, want, got)
		}
	}

	select {
	case n := <-silentCh:
		t.Fatalf("non-observer received event %d", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserverStateSet(t *testing.T) {
	bus := New()
	producer := bus.NewBrick("producer")

	brick := bus.NewBrick("obs")
	ch := make(chan int, 16)
	brick.RegisterHandler(&testEvent{}, func(ev Event) {
		ch <- ev.(*testEvent).n
	})
	producer.RegisterObserver(&testEvent{}, "obs", StateMain)
	brick.Start()
	defer brick.Stop()

	producer.SendEventToObservers(&testEvent{n: 1}, StateHandshake)
	producer.SendEventToObservers(&testEvent{n: 2}, StateMain)

	if want, got := 2, recvInt(t, ch); want != got {
		t.Fatalf("unexpected event past observer state set: want %d, got %d", want, got)
	}
}

func TestSendEventUnknownTarget(t *testing.T) {
	bus := New()
	src := bus.NewBrick("src")

	// Must not panic or block.
	src.SendEvent("nobody", &testEvent{n: 1}, StateNone)
}

func TestRequestReply(t *testing.T) {
	bus := New()

	server := bus.NewBrick("server")
	server.RegisterHandler(&pingRequest{}, func(ev Event) {
		req := ev.(*pingRequest)
		server.ReplyToRequest(req, &pingReply{payload: req.payload + " pong"})
	})
	server.Start()
	defer server.Stop()

	client := bus.NewBrick("client")
	client.Start()
	defer client.Stop()

	rep := client.SendRequest(&pingRequest{
		RequestBase: RequestBase{Dst: "server"},
		payload:     "ping",
	})

	if want, got := "ping pong", rep.(*pingReply).payload; want != got {
		t.Fatalf("unexpected reply: want %q, got %q", want, got)
	}
}

func TestHandlerPanicContained(t *testing.T) {
	bus := New()
	brick := bus.NewBrick("sink")

	got := make(chan int, 16)
	brick.RegisterHandler(&testEvent{}, func(ev Event) {
		if ev.(*testEvent).n == 0 {
			panic("boom")
		}
		got <- ev.(*testEvent).n
	})

	brick.Start()
	defer brick.Stop()

	src := bus.NewBrick("src")
	src.SendEvent("sink", &testEvent{n: 0}, StateNone)
	src.SendEvent("sink", &testEvent{n: 1}, StateNone)

	if want, g := 1, recvInt(t, got); want != g {
		t.Fatalf("loop did not survive handler panic: want %d, got %d", want, g)
	}
}

func TestStopDrainsMailbox(t *testing.T) {
	bus := New()
	brick := bus.NewBrick("sink")

	got := make(chan int, mailboxDepth)
	brick.RegisterHandler(&testEvent{}, func(ev Event) {
		got <- ev.(*testEvent).n
	})

	src := bus.NewBrick("src")
	for i := 0; i < 10; i++ {
		src.SendEvent("sink", &testEvent{n: i}, StateNone)
	}

	// Events queued before the stop must still be dispatched.
	brick.Start()
	brick.Stop()

	if want, got := 10, len(got); want != got {
		t.Fatalf("mailbox not drained on stop: want %d events, got %d", want, got)
	}
}

func TestDuplicateBrickPanics(t *testing.T) {
	bus := New()
	bus.NewBrick("dup")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate brick name")
		}
	}()
	bus.NewBrick("dup")
}

func recvInt(t *testing.T, ch chan int) int {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return 0
	}
}
