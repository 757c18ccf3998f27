// Package actor is a small in-process actor runtime. Every actor is a goroutine that owns its
// state and serves method calls from a mailbox one at a time. Calls are dispatched without
// waiting and their results are collected through futures.
package actor

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrUnknownMethod is returned for calls to a method the actor does not serve.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrStopped is returned for calls to an actor that has been stopped.
	ErrStopped = errors.New("actor stopped")
)

// Handler serves one method. It runs on the actor goroutine.
type Handler func(args ...any) (any, error)

type result struct {
	value any
	err   error
}

type request struct {
	method string
	args   []any
	reply  chan result
}

// Ref is the handle to a running actor.
type Ref struct {
	pid     uuid.UUID
	name    string
	methods map[string]Handler
	sys     *System

	mux     sync.Mutex
	queue   []*request
	stopped bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// PID is an accessor for the actor id
func (r *Ref) PID() uuid.UUID {
	return r.pid
}

// Name the actor was spawned with
func (r *Ref) Name() string {
	return r.name
}

func (r *Ref) String() string {
	return fmt.Sprintf("%s(%s)", r.name, r.pid)
}

func (r *Ref) enqueue(method string, args []any) chan result {
	reply := make(chan result, 1)
	r.mux.Lock()
	if r.stopped {
		r.mux.Unlock()
		reply <- result{err: errors.Wrapf(ErrStopped, "%s.%s", r.name, method)}
		return reply
	}
	r.sys.begin()
	r.queue = append(r.queue, &request{method: method, args: args, reply: reply})
	r.mux.Unlock()

	select {
	case r.wake <- struct{}{}:
	default: // a wake up is already pending
	}
	return reply
}

func (r *Ref) next() *request {
	r.mux.Lock()
	defer r.mux.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	req := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return req
}

// run is the actor's process loop.
func (r *Ref) run() {
	defer close(r.done)
	for {
		select {
		case <-r.wake:
		case <-r.quit:
			r.mux.Lock()
			r.stopped = true
			pending := r.queue
			r.queue = nil
			r.mux.Unlock()
			for _, req := range pending {
				req.reply <- result{err: errors.Wrapf(ErrStopped, "%s.%s", r.name, req.method)}
				r.sys.end()
			}
			return
		}
		for req := r.next(); req != nil; req = r.next() {
			req.reply <- r.serve(req)
			r.sys.end()
		}
	}
}

func (r *Ref) serve(req *request) (res result) {
	defer func() {
		if p := recover(); p != nil {
			klog.Errorf("actor %s: method %s panicked: %v", r.name, req.method, p)
			res = result{err: errors.Errorf("actor %s: method %s panicked: %v", r.name, req.method, p)}
		}
	}()
	h, ok := r.methods[req.method]
	if !ok {
		return result{err: errors.Wrapf(ErrUnknownMethod, "actor %s: %q", r.name, req.method)}
	}
	v, err := h(req.args...)
	return result{value: v, err: err}
}

// Stop terminates the actor after the call it is serving. Queued calls fail with ErrStopped.
func (r *Ref) Stop() {
	r.once.Do(func() { close(r.quit) })
	<-r.done
	r.sys.forget(r)
}

// System tracks the actors of one controller and the calls in flight between them.
type System struct {
	mux      sync.Mutex
	idle     *sync.Cond
	inflight int
	actors   map[uuid.UUID]*Ref
}

func NewSystem() *System {
	s := &System{actors: make(map[uuid.UUID]*Ref)}
	s.idle = sync.NewCond(&s.mux)
	return s
}

// Spawn starts an actor serving methods.
func (s *System) Spawn(name string, methods map[string]Handler) *Ref {
	r := &Ref{
		pid:     uuid.New(),
		name:    name,
		methods: methods,
		sys:     s,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.mux.Lock()
	s.actors[r.pid] = r
	s.mux.Unlock()
	go r.run()
	klog.V(2).Infof("spawned actor %s", r)
	return r
}

func (s *System) begin() {
	s.mux.Lock()
	s.inflight++
	s.mux.Unlock()
}

func (s *System) end() {
	s.mux.Lock()
	s.inflight--
	if s.inflight == 0 {
		s.idle.Broadcast()
	}
	s.mux.Unlock()
}

func (s *System) forget(r *Ref) {
	s.mux.Lock()
	delete(s.actors, r.pid)
	s.mux.Unlock()
}

// Drain blocks until no call is queued or running on any actor.
func (s *System) Drain() {
	s.mux.Lock()
	for s.inflight > 0 {
		s.idle.Wait()
	}
	s.mux.Unlock()
}

// Len is the number of live actors.
func (s *System) Len() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.actors)
}

// Stop stops every actor.
func (s *System) Stop() {
	s.mux.Lock()
	refs := make([]*Ref, 0, len(s.actors))
	for _, r := range s.actors {
		refs = append(refs, r)
	}
	s.mux.Unlock()
	for _, r := range refs {
		r.Stop()
	}
}
