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
	"strconv"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
	"github.com/QPC-github/celix/rpc"
)

// Proxy is the consumer-facing face of one imported service. It implements
// rpc.Invoker; every Invoke is encoded as a JSON envelope and pushed
// through the transport sender bound at creation.
type Proxy struct {
	log    logrus.FieldLogger
	chain  *rpc.InterceptorChain
	desc   *endpoint.Description
	sender rpc.RequestSender
	closed atomic.Bool
}

func newProxy(log logrus.FieldLogger, chain *rpc.InterceptorChain, desc *endpoint.Description, sender rpc.RequestSender) *Proxy {
	return &Proxy{
		log:    log.WithField("service", desc.ServiceName),
		chain:  chain,
		desc:   desc.Clone(),
		sender: sender,
	}
}

// Description returns the imported endpoint description backing the proxy.
func (p *Proxy) Description() *endpoint.Description {
	return p.desc
}

// invalidate cuts the proxy off from the transport. Subsequent Invoke
// calls fail with FailedPrecondition.
func (p *Proxy) invalidate() {
	p.closed.Store(true)
}

// Invoke implements rpc.Invoker.
func (p *Proxy) Invoke(ctx context.Context, method string, args []any, result any) error {
	if method == "" {
		return status.Error(codes.InvalidArgument, "jsonrpc: empty method name")
	}
	if p.closed.Load() {
		return status.Errorf(codes.FailedPrecondition, "jsonrpc: proxy for %s destroyed", p.desc.ServiceName)
	}

	md := endpoint.Properties{
		rpc.MetaServiceName:    p.desc.ServiceName,
		rpc.MetaServiceID:      strconv.FormatInt(p.desc.ServiceID, 10),
		endpoint.KeyEndpointID: p.desc.ID,
	}
	if p.chain != nil && !p.chain.PreProxyCall(p.desc.Properties, method, md) {
		return status.Errorf(codes.PermissionDenied, "jsonrpc: call %s.%s vetoed", p.desc.ServiceName, method)
	}

	request, err := json.Marshal(callEnvelope{Method: method, Args: args})
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "jsonrpc: encode %s.%s: %v", p.desc.ServiceName, method, err)
	}

	reply, callErr := p.sender.SendRequest(ctx, p.desc, md, request)
	if callErr == nil && len(reply) > 0 {
		if err := p.decodeReply(method, reply, result); err != nil {
			callErr = err
		}
	}

	if p.chain != nil {
		p.chain.PostProxyCall(p.desc.Properties, method, md)
	}
	return callErr
}

// decodeReply unwraps the result envelope into result. Decode failures are
// reported to the sender's failure accounting when it supports that.
func (p *Proxy) decodeReply(method string, reply []byte, result any) error {
	var env wireResult
	err := json.Unmarshal(reply, &env)
	if err == nil && result != nil && len(env.Result) > 0 {
		err = json.Unmarshal(env.Result, result)
	}
	if err == nil {
		return nil
	}
	if fr, ok := p.sender.(rpc.FailureReporter); ok {
		fr.ReportCallFailure(p.desc)
	}
	return status.Errorf(codes.InvalidArgument, "jsonrpc: undecodable reply for %s.%s: %v", p.desc.ServiceName, method, err)
}
