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

package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
	"github.com/QPC-github/celix/registry"
	"github.com/QPC-github/celix/rpc"
)

// Endpoint is the provider-side half of the codec. It tracks a single local
// service by id, decodes call envelopes into reflective invocations and
// encodes the results. The endpoint outlives restarts of the service: while
// the service is away calls fail with FailedPrecondition, and a re-registered
// service with the same id binds again.
type Endpoint struct {
	log     logrus.FieldLogger
	reg     *registry.Registry
	chain   *rpc.InterceptorChain
	callLog *rpc.CallLog
	svcID   int64

	// mu orders bind and unbind against in-flight calls. HandleRequest
	// invokes under the read side so an unbind waits for running calls.
	mu       sync.RWMutex
	svcName  string
	svcProps endpoint.Properties
	table    *methodTable

	trackerID int64
	closeOnce sync.Once
	done      chan struct{}
}

func newEndpoint(log logrus.FieldLogger, reg *registry.Registry, chain *rpc.InterceptorChain, callLog *rpc.CallLog, serviceID int64) (*Endpoint, error) {
	e := &Endpoint{
		log:     log.WithField("service.id", serviceID),
		reg:     reg,
		chain:   chain,
		callLog: callLog,
		svcID:   serviceID,
		done:    make(chan struct{}),
	}
	id, err := reg.Track(registry.TrackerOptions{
		Filter:   fmt.Sprintf("(%s=%d)", registry.PropServiceID, serviceID),
		OnAdd:    e.bind,
		OnRemove: e.unbind,
	})
	if err != nil {
		return nil, err
	}
	e.trackerID = id
	return e, nil
}

func (e *Endpoint) bind(ref *registry.Ref) {
	table, err := buildMethodTable(ref.Object)
	if err != nil {
		e.log.WithError(err).Error("Cannot reflect service, endpoint stays unbound")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.table != nil {
		return
	}
	e.svcName = ref.Name
	e.svcProps = ref.Properties
	e.table = table
	e.log.WithField("service", ref.Name).Debug("Endpoint bound")
}

func (e *Endpoint) unbind(*registry.Ref) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table = nil
	e.svcProps = nil
	e.log.Debug("Endpoint unbound")
}

// HandleRequest decodes one call envelope, runs it against the bound service
// and encodes the reply. A veto by an interceptor yields a nil response with
// a nil error and skips the post hooks; every other path, including
// failures, runs the post hooks after the attempted execution. Exactly one
// call-log record is written per request.
func (e *Endpoint) HandleRequest(ctx context.Context, md endpoint.Properties, request []byte) ([]byte, error) {
	if len(request) == 0 {
		return nil, status.Error(codes.InvalidArgument, "jsonrpc: empty request")
	}
	var call wireCall
	if err := json.Unmarshal(request, &call); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "jsonrpc: undecodable request: %v", err)
	}
	if call.Method == "" {
		return nil, status.Error(codes.InvalidArgument, "jsonrpc: request names no method")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.chain != nil && !e.chain.PreExportCall(e.svcProps, call.Method, md) {
		e.callLog.Record(e.svcName, e.svcID, request, nil, nil)
		return nil, nil
	}

	response, err := e.invoke(ctx, &call)

	if e.chain != nil {
		e.chain.PostExportCall(e.svcProps, call.Method, md)
	}
	e.callLog.Record(e.svcName, e.svcID, request, response, err)
	return response, err
}

// invoke runs the decoded call, caller holds e.mu.RLock.
func (e *Endpoint) invoke(ctx context.Context, call *wireCall) ([]byte, error) {
	if e.table == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "jsonrpc: service %d is not available", e.svcID)
	}
	result, err := e.table.call(ctx, call.Method, call.Args)
	if err != nil {
		if _, ok := status.FromError(err); !ok {
			err = status.Errorf(codes.Internal, "jsonrpc: %s.%s: %v", e.svcName, call.Method, err)
		}
		return nil, err
	}

	env := wireResult{}
	if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			return nil, status.Errorf(codes.Internal, "jsonrpc: encode %s.%s result: %v", e.svcName, call.Method, merr)
		}
		env.Result = raw
	}
	response, merr := json.Marshal(&env)
	if merr != nil {
		return nil, status.Errorf(codes.Internal, "jsonrpc: encode %s.%s reply: %v", e.svcName, call.Method, merr)
	}
	return response, nil
}

// Close releases the endpoint. The backing tracker stops asynchronously;
// in-flight calls finish because unbind waits for the write lock.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.reg.StopTracker(e.trackerID, func() { close(e.done) })
	})
}

// Done reports tracker teardown, for tests and orderly admin shutdown.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}
