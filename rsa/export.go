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

package rsa

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
	"github.com/QPC-github/celix/registry"
	"github.com/QPC-github/celix/rpc"
)

// ExportRegistration connects an exported local service to a codec factory
// for inbound calls. The first factory matching the endpoint's RPC type
// creates the export endpoint; inbound requests are delegated through Call.
type ExportRegistration struct {
	log  logrus.FieldLogger
	reg  *registry.Registry
	desc *endpoint.Description

	// mu orders codec bind and unbind against in-flight calls.
	mu        sync.RWMutex
	factory   rpc.Factory
	factoryID int64
	ep        rpc.Endpoint

	trackerID int64
	closeOnce sync.Once
	done      chan struct{}
}

// NewExportRegistration validates desc, resolves its codec tag and starts
// tracking codec factories. The registration owns a clone of desc.
func NewExportRegistration(log logrus.FieldLogger, reg *registry.Registry, desc *endpoint.Description) (*ExportRegistration, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if reg == nil {
		return nil, status.Error(codes.InvalidArgument, "rsa: nil registry")
	}
	if !desc.Valid() {
		return nil, status.Error(codes.InvalidArgument, "rsa: invalid endpoint description")
	}
	tag, ok := rpc.SelectType(desc)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "rsa: endpoint %s advertises no rpc codec", desc.ID)
	}
	flt := fmt.Sprintf("(%s=%s)", rpc.TypeKey, tag)
	if len(flt) > registry.MaxFilterLen {
		return nil, status.Errorf(codes.InvalidArgument, "rsa: rpc type %q is too long for a tracker filter", tag)
	}

	exp := &ExportRegistration{
		log:  log.WithField("endpoint", desc.ID),
		reg:  reg,
		desc: desc.Clone(),
		done: make(chan struct{}),
	}
	trkID, err := reg.Track(registry.TrackerOptions{
		Filter:   flt,
		OnAdd:    exp.addFactory,
		OnRemove: exp.removeFactory,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "rsa: track codec factories: %v", err)
	}
	exp.trackerID = trkID
	return exp, nil
}

func (r *ExportRegistration) addFactory(ref *registry.Ref) {
	fac, ok := ref.Object.(rpc.Factory)
	if !ok {
		r.log.WithField("service.id", ref.ID).Warn("Service is not a codec factory")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factory != nil {
		r.log.Info("An endpoint supports only one codec factory")
		return
	}
	ep, err := fac.CreateEndpoint(r.desc.ServiceID)
	if err != nil {
		r.log.WithError(err).WithField("service", r.desc.ServiceName).Error("Cannot install endpoint")
		return
	}
	r.factory = fac
	r.factoryID = ref.ID
	r.ep = ep
}

func (r *ExportRegistration) removeFactory(ref *registry.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factory == nil || r.factoryID != ref.ID {
		return
	}
	r.ep.Close()
	r.factory = nil
	r.factoryID = 0
	r.ep = nil
}

// Call dispatches one inbound request to the export endpoint. While no codec
// is bound, calls fail with FailedPrecondition.
func (r *ExportRegistration) Call(ctx context.Context, md endpoint.Properties, request []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ep == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "rsa: endpoint %s has no codec bound", r.desc.ID)
	}
	return r.ep.HandleRequest(ctx, md, request)
}

// ExportedEndpoint returns the endpoint description advertised for the
// export. Callers must treat it as read-only.
func (r *ExportRegistration) ExportedEndpoint() *endpoint.Description {
	return r.desc
}

// Destroy stops factory tracking. The bound endpoint is released through the
// tracker's remove callback; the registration itself is released once the
// tracker has quiesced.
func (r *ExportRegistration) Destroy() {
	r.closeOnce.Do(func() {
		r.reg.StopTracker(r.trackerID, func() { close(r.done) })
	})
}

// Done reports teardown completion.
func (r *ExportRegistration) Done() <-chan struct{} {
	return r.done
}
