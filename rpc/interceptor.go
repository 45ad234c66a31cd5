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

package rpc

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/QPC-github/celix/endpoint"
	"github.com/QPC-github/celix/registry"
)

// InterceptorServiceName is the objectClass interceptor services register
// under to be picked up by the chain. Registrations may carry a
// service.ranking property; higher rankings run earlier.
const InterceptorServiceName = "remote.interceptor"

// RankingProperty orders interceptors within the chain.
const RankingProperty = "service.ranking"

// Interceptor observes and can veto remote calls. svcProps are the
// properties of the endpoint the call addresses, method is the decoded call
// signature and md is the per-call metadata, which interceptors may mutate.
// Implementations must be safe for concurrent use.
type Interceptor interface {
	// PreProxyCall runs on the consumer side before the request is sent.
	// Returning false vetoes the call.
	PreProxyCall(svcProps endpoint.Properties, method string, md endpoint.Properties) bool

	// PostProxyCall runs on the consumer side after the reply arrived.
	PostProxyCall(svcProps endpoint.Properties, method string, md endpoint.Properties)

	// PreExportCall runs on the provider side before the service is
	// invoked. Returning false vetoes the call; a vetoed exported call
	// completes with an empty reply.
	PreExportCall(svcProps endpoint.Properties, method string, md endpoint.Properties) bool

	// PostExportCall runs on the provider side after the invocation
	// attempt, on failure as well, so interceptors observe exceptions.
	PostExportCall(svcProps endpoint.Properties, method string, md endpoint.Properties)
}

// InterceptorChain tracks Interceptor services in a registry and applies
// them around remote calls, ordered by descending service.ranking and
// ascending service id within one ranking.
type InterceptorChain struct {
	log logrus.FieldLogger
	reg *registry.Registry

	mu        sync.RWMutex
	trackerID int64
	entries   []chainEntry
}

type chainEntry struct {
	id      int64
	ranking int64
	ic      Interceptor
}

// NewInterceptorChain starts tracking interceptor services in reg.
func NewInterceptorChain(reg *registry.Registry, log logrus.FieldLogger) (*InterceptorChain, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &InterceptorChain{
		log: log.WithField("component", "interceptors"),
		reg: reg,
	}
	tid, err := reg.Track(registry.TrackerOptions{
		Filter:   "(objectClass=" + InterceptorServiceName + ")",
		OnAdd:    c.add,
		OnRemove: c.remove,
	})
	if err != nil {
		return nil, err
	}
	c.trackerID = tid
	return c, nil
}

func (c *InterceptorChain) add(ref *registry.Ref) {
	ic, ok := ref.Object.(Interceptor)
	if !ok {
		c.log.WithField("service.id", ref.ID).Warn("registered interceptor does not implement rpc.Interceptor")
		return
	}
	e := chainEntry{id: ref.ID, ranking: ref.Properties.GetInt64(RankingProperty, 0), ic: ic}
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := len(c.entries)
	for i, cur := range c.entries {
		if e.ranking > cur.ranking || (e.ranking == cur.ranking && e.id < cur.id) {
			pos = i
			break
		}
	}
	c.entries = append(c.entries, chainEntry{})
	copy(c.entries[pos+1:], c.entries[pos:])
	c.entries[pos] = e
}

func (c *InterceptorChain) remove(ref *registry.Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.id == ref.ID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// PreProxyCall runs the chain in order; the first veto stops it.
func (c *InterceptorChain) PreProxyCall(svcProps endpoint.Properties, method string, md endpoint.Properties) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if !e.ic.PreProxyCall(svcProps, method, md) {
			return false
		}
	}
	return true
}

// PostProxyCall runs the chain in order.
func (c *InterceptorChain) PostProxyCall(svcProps endpoint.Properties, method string, md endpoint.Properties) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		e.ic.PostProxyCall(svcProps, method, md)
	}
}

// PreExportCall runs the chain in order; the first veto stops it.
func (c *InterceptorChain) PreExportCall(svcProps endpoint.Properties, method string, md endpoint.Properties) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if !e.ic.PreExportCall(svcProps, method, md) {
			return false
		}
	}
	return true
}

// PostExportCall runs the chain in order.
func (c *InterceptorChain) PostExportCall(svcProps endpoint.Properties, method string, md endpoint.Properties) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		e.ic.PostExportCall(svcProps, method, md)
	}
}

// Close stops tracking and blocks until the tracker has quiesced.
func (c *InterceptorChain) Close() {
	done := make(chan struct{})
	c.reg.StopTracker(c.trackerID, func() { close(done) })
	<-done
}
