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

// Package rsa implements the shared memory remote service admin. It exports
// local registry services for inbound calls, imports remote endpoint
// descriptions as local proxy services and routes inbound requests from the
// transport to the matching export.
package rsa

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
	"github.com/QPC-github/celix/internal/transport/shm"
	"github.com/QPC-github/celix/registry"
	"github.com/QPC-github/celix/rpc"
)

const (
	// ConfigType tags endpoints reachable through this admin.
	ConfigType = "celix.remote.admin.shm"

	// DefaultRPCType is the codec tag exported services advertise unless
	// configured otherwise.
	DefaultRPCType = "rsa_json_rpc"
)

// Admin is the remote service admin. One admin owns one transport instance:
// a receiver bound to its server name and a sender manager for outbound
// calls to other instances.
type Admin struct {
	cfg    Config
	log    logrus.FieldLogger
	reg    *registry.Registry
	fwUUID string

	server *shm.Server
	client *shm.ClientManager

	mu      sync.Mutex
	exports map[string]*ExportRegistration
	imports map[*ImportRegistration]struct{}
	closed  bool
}

// New starts an admin: it generates the framework uuid, binds the shared
// memory receiver under cfg.ServerName and prepares the sender manager. A
// nil promReg leaves the transport collectors unregistered.
func New(cfg Config, log logrus.FieldLogger, reg *registry.Registry, promReg prometheus.Registerer) (*Admin, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if reg == nil {
		return nil, status.Error(codes.InvalidArgument, "rsa: nil registry")
	}
	if cfg.ServerName == "" {
		return nil, status.Error(codes.InvalidArgument, "rsa: empty server name")
	}
	if cfg.RPCType == "" {
		cfg.RPCType = DefaultRPCType
	}

	a := &Admin{
		cfg:     cfg,
		log:     log.WithField("component", "rsa"),
		reg:     reg,
		fwUUID:  uuid.NewString(),
		exports: make(map[string]*ExportRegistration),
		imports: make(map[*ImportRegistration]struct{}),
	}

	shmCfg := shm.Config{
		Name:            cfg.ServerName,
		PoolSize:        cfg.PoolSize,
		MsgTimeout:      cfg.MsgTimeout,
		MaxConcurrent:   cfg.MaxConcurrent,
		MaxFailures:     cfg.MaxFailures,
		BreakerCooldown: cfg.BreakerCooldown,
		ReplyReserve:    cfg.ReplyReserve,
		Logger:          log,
		Registerer:      promReg,
	}
	server, err := shm.NewServer(shmCfg, a.dispatch)
	if err != nil {
		return nil, err
	}
	client, err := shm.NewClientManager(shmCfg)
	if err != nil {
		server.Close()
		return nil, err
	}
	a.server = server
	a.client = client
	a.log.WithFields(logrus.Fields{"server": cfg.ServerName, "framework": a.fwUUID}).Info("Remote service admin started")
	return a, nil
}

// FrameworkUUID returns the identity stamped on every exported endpoint.
func (a *Admin) FrameworkUUID() string {
	return a.fwUUID
}

// ExportService publishes the registry service with the given id for remote
// access. props carries the service properties to advertise; a nil props
// reads them from the registry. The service name property is required.
func (a *Admin) ExportService(serviceID int64, props endpoint.Properties) (*ExportRegistration, error) {
	if serviceID <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "rsa: invalid service id %d", serviceID)
	}
	if props == nil {
		ref, err := a.reg.Find(fmt.Sprintf("(%s=%d)", registry.PropServiceID, serviceID))
		if err != nil {
			return nil, err
		}
		if ref == nil {
			return nil, status.Errorf(codes.InvalidArgument, "rsa: no service with id %d", serviceID)
		}
		props = ref.Properties
	}
	name := props.Get(endpoint.KeyServiceName, "")
	if name == "" {
		return nil, status.Errorf(codes.InvalidArgument, "rsa: service properties carry no %s", endpoint.KeyServiceName)
	}

	rpcType := props.Get(rpc.TypeKey, a.cfg.RPCType)
	epProps := props.Clone()
	epProps.Set(endpoint.KeyServiceName, name)
	epProps.Set(endpoint.KeyEndpointID, uuid.NewString())
	epProps.Set(endpoint.KeyFrameworkUUID, a.fwUUID)
	epProps.SetInt64(endpoint.KeyServiceID, serviceID)
	epProps.Set(endpoint.KeyImportedConfigs, ConfigType+","+rpcType)
	epProps.Set(endpoint.KeyServerName, a.cfg.ServerName)

	desc, err := endpoint.NewDescription(epProps)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, status.Error(codes.FailedPrecondition, "rsa: admin closed")
	}
	er, err := NewExportRegistration(a.log, a.reg, desc)
	if err != nil {
		return nil, err
	}
	a.exports[desc.ID] = er
	a.log.WithFields(logrus.Fields{"service": name, "endpoint": desc.ID}).Info("Exported service")
	return er, nil
}

// ImportService makes the remote endpoint described by desc callable as a
// local proxy service. The description must advertise the shared memory
// config type and name its destination server.
func (a *Admin) ImportService(desc *endpoint.Description) (*ImportRegistration, error) {
	if !desc.Valid() {
		return nil, status.Error(codes.InvalidArgument, "rsa: invalid endpoint description")
	}
	if !desc.HasConfig(ConfigType) {
		return nil, status.Errorf(codes.InvalidArgument, "rsa: endpoint %s does not use %s", desc.ID, ConfigType)
	}
	server := desc.Properties.Get(endpoint.KeyServerName, "")
	if server == "" {
		return nil, status.Errorf(codes.InvalidArgument, "rsa: endpoint %s names no destination server", desc.ID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, status.Error(codes.FailedPrecondition, "rsa: admin closed")
	}
	ir, err := NewImportRegistration(a.log, a.reg, desc, &shmSender{client: a.client, server: server})
	if err != nil {
		return nil, err
	}
	a.imports[ir] = struct{}{}
	a.log.WithFields(logrus.Fields{"service": desc.ServiceName, "endpoint": desc.ID, "server": server}).Info("Imported service")
	return ir, nil
}

// UnexportService destroys r and forgets it. Unknown registrations are
// destroyed all the same.
func (a *Admin) UnexportService(r *ExportRegistration) {
	if r == nil {
		return
	}
	a.mu.Lock()
	delete(a.exports, r.desc.ID)
	a.mu.Unlock()
	r.Destroy()
}

// UnimportService destroys r and forgets it.
func (a *Admin) UnimportService(r *ImportRegistration) {
	if r == nil {
		return
	}
	a.mu.Lock()
	delete(a.imports, r)
	a.mu.Unlock()
	r.Destroy()
}

// dispatch routes one inbound request to the exported endpoint named in the
// call metadata.
func (a *Admin) dispatch(ctx context.Context, md endpoint.Properties, request []byte) ([]byte, error) {
	epID := md.Get(endpoint.KeyEndpointID, "")
	if epID == "" {
		return nil, status.Error(codes.InvalidArgument, "rsa: request names no endpoint")
	}
	a.mu.Lock()
	er := a.exports[epID]
	a.mu.Unlock()
	if er == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "rsa: no exported endpoint %s", epID)
	}
	return er.Call(ctx, md, request)
}

// Close destroys every registration and stops the transport. Registrations
// finish tearing down on the registry's dispatch goroutine, so the registry
// must outlive this call. Close is idempotent.
func (a *Admin) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	exports := a.exports
	imports := a.imports
	a.exports = make(map[string]*ExportRegistration)
	a.imports = make(map[*ImportRegistration]struct{})
	a.mu.Unlock()

	for _, er := range exports {
		er.Destroy()
	}
	for ir := range imports {
		ir.Destroy()
	}

	err := multierr.Append(a.server.Close(), a.client.Close())
	a.log.Info("Remote service admin stopped")
	return err
}

// shmSender adapts the transport's client manager to the codec-facing
// sender contract for one destination.
type shmSender struct {
	client *shm.ClientManager
	server string
}

func (s *shmSender) SendRequest(ctx context.Context, _ *endpoint.Description, md endpoint.Properties, request []byte) ([]byte, error) {
	return s.client.SendRequest(ctx, s.server, md, request)
}

// ReportCallFailure feeds a decode failure detected by the codec into the
// destination's breaker accounting.
func (s *shmSender) ReportCallFailure(*endpoint.Description) {
	s.client.RecordFailure(s.server)
}
