/*
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package registry provides the in-process service registry the remote
// service admin hangs off of: services register under a name with free-form
// properties, and trackers observe matching services through add/remove
// callbacks.
//
// All tracker callbacks run on one dispatch goroutine, in the order the
// triggering events happened. Stopping a tracker is asynchronous: the
// registry first delivers a remove callback for every service the tracker
// still sees, then invokes the stop completion, after which no further
// callbacks for that tracker can run. Callers use the completion to tear
// down callback state safely.
package registry

import (
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
)

// Property keys the registry maintains on every service it holds.
const (
	// PropServiceID carries the registry-assigned service id in decimal.
	PropServiceID = "service.id"

	// PropObjectClass carries the service name.
	PropObjectClass = "objectClass"
)

// Ref describes one registered service. Refs handed to tracker callbacks
// stay valid for the duration of the callback; holders that keep one longer
// must be prepared for the service object to be gone.
type Ref struct {
	ID         int64
	Name       string
	Object     any
	Properties endpoint.Properties
}

// TrackerOptions configures Track. Either callback may be nil.
type TrackerOptions struct {
	// Filter selects services by a "(key=value)" expression. The keys
	// service.id and objectClass are always present; a value of "*" matches
	// any service carrying the key.
	Filter string

	// OnAdd fires once for every service that matches the filter, including
	// services registered before the tracker started.
	OnAdd func(ref *Ref)

	// OnRemove fires once for every previously added service when it is
	// unregistered or when the tracker stops.
	OnRemove func(ref *Ref)
}

type tracker struct {
	id       int64
	flt      filter
	onAdd    func(*Ref)
	onRemove func(*Ref)
	// tracked is maintained under the registry mutex at event enqueue time,
	// so stop can compute the pending removals without racing dispatch.
	tracked map[int64]*Ref
}

// Registry is the concurrency-safe service registry. The zero value is not
// usable; construct with New and release with Close.
type Registry struct {
	log logrus.FieldLogger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []func()
	services map[int64]*Ref
	trackers map[int64]*tracker
	nextSvc  int64
	nextTrk  int64
	closed   bool

	done chan struct{}
}

// New creates a registry and starts its dispatch goroutine.
func New(log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Registry{
		log:      log.WithField("component", "registry"),
		services: make(map[int64]*Ref),
		trackers: make(map[int64]*tracker),
		nextSvc:  1,
		nextTrk:  1,
		done:     make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.dispatch()
	return r
}

func (r *Registry) dispatch() {
	defer close(r.done)
	r.mu.Lock()
	for {
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		fn := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		r.run(fn)
		r.mu.Lock()
	}
}

// run executes one queued callback, containing panics so a misbehaving
// tracker cannot kill the dispatch goroutine.
func (r *Registry) run(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.WithField("panic", p).Error("tracker callback panicked")
		}
	}()
	fn()
}

// enqueue appends fn to the event queue. Caller holds r.mu.
func (r *Registry) enqueue(fn func()) {
	r.queue = append(r.queue, fn)
	r.cond.Signal()
}

// Register adds svc under name and returns its service id. The registry
// clones props and adds the service.id and objectClass entries.
func (r *Registry) Register(name string, svc any, props endpoint.Properties) (int64, error) {
	if name == "" {
		return 0, status.Error(codes.InvalidArgument, "registry: empty service name")
	}
	if svc == nil {
		return 0, status.Error(codes.InvalidArgument, "registry: nil service object")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, status.Error(codes.FailedPrecondition, "registry: closed")
	}

	id := r.nextSvc
	r.nextSvc++
	p := props.Clone()
	p.SetInt64(PropServiceID, id)
	p.Set(PropObjectClass, name)
	ref := &Ref{ID: id, Name: name, Object: svc, Properties: p}
	r.services[id] = ref

	for _, trk := range r.trackers {
		if trk.flt.matches(ref) {
			trk.tracked[id] = ref
			if cb := trk.onAdd; cb != nil {
				r.enqueue(func() { cb(ref) })
			}
		}
	}
	return id, nil
}

// Unregister removes the service with the given id. Trackers that saw the
// service receive a remove callback. Unknown ids are ignored.
func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.services[id]
	if !ok {
		return
	}
	delete(r.services, id)
	for _, trk := range r.trackers {
		if _, seen := trk.tracked[id]; seen {
			delete(trk.tracked, id)
			if cb := trk.onRemove; cb != nil {
				r.enqueue(func() { cb(ref) })
			}
		}
	}
}

// Find returns the service ref matching the filter expression, or nil when
// none matches. When several match, the one with the lowest id wins.
func (r *Registry) Find(expr string) (*Ref, error) {
	flt, err := parseFilter(expr)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Ref
	for _, ref := range r.services {
		if flt.matches(ref) && (best == nil || ref.ID < best.ID) {
			best = ref
		}
	}
	return best, nil
}

// Track starts a tracker and returns its id. Matching services that already
// exist are delivered through OnAdd before any later event.
func (r *Registry) Track(opts TrackerOptions) (int64, error) {
	flt, err := parseFilter(opts.Filter)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, status.Error(codes.FailedPrecondition, "registry: closed")
	}

	id := r.nextTrk
	r.nextTrk++
	trk := &tracker{
		id:       id,
		flt:      flt,
		onAdd:    opts.OnAdd,
		onRemove: opts.OnRemove,
		tracked:  make(map[int64]*Ref),
	}
	r.trackers[id] = trk

	for _, ref := range r.services {
		if flt.matches(ref) {
			trk.tracked[ref.ID] = ref
			if cb := trk.onAdd; cb != nil {
				ref := ref
				r.enqueue(func() { cb(ref) })
			}
		}
	}
	return id, nil
}

// StopTracker stops the tracker asynchronously. Remove callbacks for all
// currently tracked services are delivered first, then done (if non-nil)
// runs on the dispatch goroutine. After done fires no further callbacks for
// this tracker execute. Stopping an unknown tracker still fires done.
func (r *Registry) StopTracker(id int64, done func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trk, ok := r.trackers[id]
	if ok {
		delete(r.trackers, id)
		for _, ref := range trk.tracked {
			if cb := trk.onRemove; cb != nil {
				ref := ref
				r.enqueue(func() { cb(ref) })
			}
		}
		trk.tracked = nil
	}
	if done != nil {
		r.enqueue(done)
	}
}

// Close stops all trackers, drains the event queue and stops the dispatch
// goroutine. It blocks until the last callback has returned.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	for id, trk := range r.trackers {
		delete(r.trackers, id)
		for _, ref := range trk.tracked {
			if cb := trk.onRemove; cb != nil {
				ref := ref
				r.enqueue(func() { cb(ref) })
			}
		}
	}
	r.services = make(map[int64]*Ref)
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	<-r.done
}
