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

// Package appbus implements the application bus: named bricks with bounded
// mailboxes, typed event dispatch filtered by dispatcher state, observer
// fan-out and synchronous request/reply.
//
// A brick runs exactly one goroutine which drains its mailbox in FIFO
// order.  Ordering holds only within a single mailbox; producers sending
// to a full mailbox block until the consumer catches up.
package appbus

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// mailboxDepth is the bounded capacity of every brick mailbox.
const mailboxDepth = 128

// A State is the dispatcher state of an OpenFlow session.  Events that do
// not belong to a session carry StateNone and match every handler.
type State int

// Dispatcher states, in handshake order.
const (
	StateNone State = iota
	StateHandshake
	StateConfig
	StateMain
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateHandshake:
		return "handshake"
	case StateConfig:
		return "config"
	case StateMain:
		return "main"
	case StateDead:
		return "dead"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// An Event is any value dispatched through the bus.  Dispatch is keyed by
// the event's dynamic type.
type Event interface{}

// A Handler consumes one event on its brick's goroutine.
type Handler func(ev Event)

// A Request is an event that demands a synchronous reply.  Embed
// RequestBase to implement it.
type Request interface {
	Event
	setSource(name string)
	setSync()
	Source() string
	Destination() string
	Sync() bool
}

// A Reply answers a Request.  Embed ReplyBase to implement it.
type Reply interface {
	Event
	setDestination(name string)
	Destination() string
}

// RequestBase carries the routing fields of a Request.
type RequestBase struct {
	Src   string
	Dst   string
	Synch bool
}

func (r *RequestBase) setSource(name string) { r.Src = name }
func (r *RequestBase) setSync()              { r.Synch = true }

// Source returns the name of the requesting brick.
func (r *RequestBase) Source() string { return r.Src }

// Destination returns the name of the brick the request is routed to.
func (r *RequestBase) Destination() string { return r.Dst }

// Sync reports whether the requester is blocked on the reply.
func (r *RequestBase) Sync() bool { return r.Synch }

// ReplyBase carries the routing fields of a Reply.
type ReplyBase struct {
	Dst string
}

func (r *ReplyBase) setDestination(name string) { r.Dst = name }

// Destination returns the name of the brick the reply is routed to.
func (r *ReplyBase) Destination() string { return r.Dst }

// stopEvent shuts down a brick's loop.  Never delivered to handlers.
type stopEvent struct{}

type message struct {
	ev    Event
	state State
}

// A Bus owns the brick registry.  All bricks of one controller process
// share a single Bus.
type Bus struct {
	mu     sync.RWMutex
	bricks map[string]*Brick
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		bricks: make(map[string]*Brick),
	}
}

// NewBrick creates and registers a brick.  Brick names are process-wide
// unique; a duplicate name is a programming error and panics.
func (b *Bus) NewBrick(name string) *Brick {
	brick := &Brick{
		name:      name,
		bus:       b,
		log:       log.WithField("brick", name),
		events:    make(chan message, mailboxDepth),
		replies:   make(chan Event, 1),
		handlers:  make(map[reflect.Type][]handlerEntry),
		observers: make(map[reflect.Type]map[string]stateSet),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bricks[name]; ok {
		panic(fmt.Sprintf("appbus: duplicate brick %q", name))
	}
	b.bricks[name] = brick

	return brick
}

// Lookup returns the registered brick with the given name, or nil.
func (b *Bus) Lookup(name string) *Brick {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bricks[name]
}

// StartAll starts the event loop of every registered brick.
func (b *Bus) StartAll() {
	for _, brick := range b.all() {
		brick.Start()
	}
}

// StopAll stops every registered brick, draining mailboxes first.
func (b *Bus) StopAll() {
	for _, brick := range b.all() {
		brick.Stop()
	}
}

func (b *Bus) all() []*Brick {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bricks := make([]*Brick, 0, len(b.bricks))
	for _, brick := range b.bricks {
		bricks = append(bricks, brick)
	}
	sort.Slice(bricks, func(i, j int) bool { return bricks[i].name < bricks[j].name })
	return bricks
}

// Report logs, for every brick, the events it provides to observers and
// the events it consumes.
func (b *Bus) Report() {
	for _, brick := range b.all() {
		brick.mu.Lock()
		for typ, obs := range brick.observers {
			names := make([]string, 0, len(obs))
			for name := range obs {
				names = append(names, name)
			}
			sort.Strings(names)
			brick.log.Debugf("BRICK %s PROVIDES %s TO %v", brick.name, typ, names)
		}
		for typ := range brick.handlers {
			brick.log.Debugf("BRICK %s CONSUMES %s", brick.name, typ)
		}
		brick.mu.Unlock()
	}
}

type stateSet map[State]struct{}

func newStateSet(states []State) stateSet {
	if len(states) == 0 {
		return nil
	}
	set := make(stateSet, len(states))
	for _, s := range states {
		set[s] = struct{}{}
	}
	return set
}

// matches reports whether a handler or observer registered with this set
// should see an event posted under state.  An empty set means all states,
// and StateNone events match every set.
func (s stateSet) matches(state State) bool {
	if len(s) == 0 || state == StateNone {
		return true
	}
	_, ok := s[state]
	return ok
}

type handlerEntry struct {
	states stateSet
	fn     Handler
}

// A Brick is a named, independently scheduled component with its own
// mailbox.  Wiring (RegisterHandler, RegisterObserver) must complete
// before Start.
type Brick struct {
	name string
	bus  *Bus
	log  *log.Entry

	events  chan message
	replies chan Event

	mu        sync.Mutex
	handlers  map[reflect.Type][]handlerEntry
	observers map[reflect.Type]map[string]stateSet

	stopOnce sync.Once
	done     chan struct{}
}

// Name returns the brick's registered name.
func (b *Brick) Name() string { return b.name }

// RegisterHandler registers fn for events of ev's dynamic type.  The
// handler only fires when the event's dispatcher state is in states; an
// empty states list means all states.
func (b *Brick) RegisterHandler(ev Event, fn Handler, states ...State) {
	typ := reflect.TypeOf(ev)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[typ] = append(b.handlers[typ], handlerEntry{
		states: newStateSet(states),
		fn:     fn,
	})
}

// RegisterObserver declares that the named brick observes events of ev's
// dynamic type emitted by this brick via SendEventToObservers.
func (b *Brick) RegisterObserver(ev Event, name string, states ...State) {
	typ := reflect.TypeOf(ev)
	b.mu.Lock()
	defer b.mu.Unlock()
	obs, ok := b.observers[typ]
	if !ok {
		obs = make(map[string]stateSet)
		b.observers[typ] = obs
	}
	obs[name] = newStateSet(states)
}

// SendEvent enqueues ev on the named brick's mailbox, blocking while the
// mailbox is full.  Events to unknown bricks are dropped with a log entry.
func (b *Brick) SendEvent(dst string, ev Event, state State) {
	target := b.bus.Lookup(dst)
	if target == nil {
		eventsLost.WithLabelValues(b.name).Inc()
		b.log.Debugf("EVENT LOST %s->%s %T %s", b.name, dst, ev, state)
		return
	}

	if req, ok := ev.(Request); ok {
		req.setSource(b.name)
	}

	b.log.Debugf("EVENT %s->%s %T %s", b.name, dst, ev, state)
	target.post(ev, state)
}

// SendEventToObservers fans ev out to every brick that registered as an
// observer for its type under the given state.  Delivery order across
// observers is unspecified.
func (b *Brick) SendEventToObservers(ev Event, state State) {
	typ := reflect.TypeOf(ev)

	b.mu.Lock()
	var names []string
	for name, states := range b.observers[typ] {
		if states.matches(state) {
			names = append(names, name)
		}
	}
	b.mu.Unlock()

	for _, name := range names {
		b.SendEvent(name, ev, state)
	}
}

// SendRequest routes req to its destination brick and blocks until the
// callee answers via ReplyToRequest.
func (b *Brick) SendRequest(req Request) Event {
	req.setSync()
	b.SendEvent(req.Destination(), req, StateNone)
	return <-b.replies
}

// ReplyToRequest delivers rep to the brick that issued req.  The callee
// must call it exactly once per request.
func (b *Brick) ReplyToRequest(req Request, rep Reply) {
	rep.setDestination(req.Source())
	if !req.Sync() {
		b.SendEvent(rep.Destination(), rep, StateNone)
		return
	}

	src := b.bus.Lookup(rep.Destination())
	if src == nil {
		b.log.Warnf("REPLY LOST %s->%s %T", b.name, rep.Destination(), rep)
		return
	}
	src.replies <- rep
}

func (b *Brick) post(ev Event, state State) {
	b.events <- message{ev: ev, state: state}
}

// Start spawns the brick's event loop.
func (b *Brick) Start() {
	go b.loop()
}

// Stop posts the internal stop event and waits for the loop to drain its
// mailbox and exit.
func (b *Brick) Stop() {
	b.stopOnce.Do(func() {
		b.post(stopEvent{}, StateNone)
	})
	<-b.done
}

func (b *Brick) loop() {
	defer close(b.done)
	for {
		msg := <-b.events
		if _, ok := msg.ev.(stopEvent); ok {
			// Drain whatever was enqueued before the stop, then exit.
			for {
				select {
				case msg = <-b.events:
					b.dispatch(msg)
				default:
					return
				}
			}
		}
		b.dispatch(msg)
	}
}

func (b *Brick) dispatch(msg message) {
	eventsDispatched.WithLabelValues(b.name).Inc()

	typ := reflect.TypeOf(msg.ev)
	b.mu.Lock()
	entries := append([]handlerEntry(nil), b.handlers[typ]...)
	b.mu.Unlock()

	for _, entry := range entries {
		if !entry.states.matches(msg.state) {
			continue
		}
		b.invoke(entry.fn, msg)
	}
}

// invoke runs one handler, containing panics so a broken handler cannot
// kill the brick's loop.
func (b *Brick) invoke(fn Handler, msg message) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanics.WithLabelValues(b.name).Inc()
			b.log.WithFields(log.Fields{
				"event": fmt.Sprintf("%T", msg.ev),
				"state": msg.state.String(),
			}).Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn(msg.ev)
}
