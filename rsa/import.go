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
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
	"github.com/QPC-github/celix/registry"
	"github.com/QPC-github/celix/rpc"
)

// ImportRegistration connects an imported endpoint description to a codec
// factory. The first factory matching the endpoint's RPC type installs a
// proxy service; when that factory goes away the proxy is destroyed, and the
// next factory to appear binds fresh.
type ImportRegistration struct {
	log    logrus.FieldLogger
	reg    *registry.Registry
	desc   *endpoint.Description
	sender rpc.RequestSender

	mu        sync.Mutex
	factory   rpc.Factory
	factoryID int64
	proxyID   int64

	trackerID int64
	closeOnce sync.Once
	done      chan struct{}
}

// NewImportRegistration validates desc, resolves its codec tag and starts
// tracking codec factories. The registration owns a clone of desc.
func NewImportRegistration(log logrus.FieldLogger, reg *registry.Registry, desc *endpoint.Description, sender rpc.RequestSender) (*ImportRegistration, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if reg == nil {
		return nil, status.Error(codes.InvalidArgument, "rsa: nil registry")
	}
	if !desc.Valid() {
		return nil, status.Error(codes.InvalidArgument, "rsa: invalid endpoint description")
	}
	if sender == nil {
		return nil, status.Error(codes.InvalidArgument, "rsa: nil request sender")
	}
	tag, ok := rpc.SelectType(desc)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "rsa: endpoint %s advertises no rpc codec", desc.ID)
	}
	flt := fmt.Sprintf("(%s=%s)", rpc.TypeKey, tag)
	if len(flt) > registry.MaxFilterLen {
		return nil, status.Errorf(codes.InvalidArgument, "rsa: rpc type %q is too long for a tracker filter", tag)
	}

	imp := &ImportRegistration{
		log:     log.WithField("endpoint", desc.ID),
		reg:     reg,
		desc:    desc.Clone(),
		sender:  sender,
		proxyID: -1,
		done:    make(chan struct{}),
	}
	trkID, err := reg.Track(registry.TrackerOptions{
		Filter:   flt,
		OnAdd:    imp.addFactory,
		OnRemove: imp.removeFactory,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "rsa: track codec factories: %v", err)
	}
	imp.trackerID = trkID
	return imp, nil
}

func (r *ImportRegistration) addFactory(ref *registry.Ref) {
	fac, ok := ref.Object.(rpc.Factory)
	if !ok {
		r.log.WithField("service.id", ref.ID).Warn("Service is not a codec factory")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factory != nil {
		r.log.Info("A proxy supports only one codec factory")
		return
	}
	proxyID, err := fac.CreateProxy(r.desc, r.sender)
	if err != nil {
		r.log.WithError(err).WithField("service", r.desc.ServiceName).Error("Cannot install proxy")
		return
	}
	r.factory = fac
	r.factoryID = ref.ID
	r.proxyID = proxyID
}

func (r *ImportRegistration) removeFactory(ref *registry.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factory == nil || r.factoryID != ref.ID {
		return
	}
	if r.proxyID >= 0 {
		r.factory.DestroyProxy(r.proxyID)
	}
	r.factory = nil
	r.factoryID = 0
	r.proxyID = -1
}

// ImportedEndpoint returns the endpoint description backing the import.
// Callers must treat it as read-only.
func (r *ImportRegistration) ImportedEndpoint() *endpoint.Description {
	return r.desc
}

// GetException reports a deferred import failure. This admin resolves
// imports synchronously, so there is never one to report.
func (r *ImportRegistration) GetException() error {
	return status.Error(codes.Unimplemented, "rsa: import exceptions are not recorded")
}

// ImportReference is kept for API symmetry with other admins.
func (r *ImportRegistration) ImportReference() (any, error) {
	return nil, status.Error(codes.Unimplemented, "rsa: import references are not supported")
}

// Destroy stops factory tracking. Teardown is asynchronous: the bound proxy
// is destroyed through the tracker's remove callback and the registration is
// released once the tracker has quiesced.
func (r *ImportRegistration) Destroy() {
	r.closeOnce.Do(func() {
		r.reg.StopTracker(r.trackerID, func() { close(r.done) })
	})
}

// Done reports teardown completion.
func (r *ImportRegistration) Done() <-chan struct{} {
	return r.done
}
