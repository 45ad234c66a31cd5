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

package shm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
)

// socketPrefix namespaces the descriptor sockets in the abstract unix
// socket namespace.
const socketPrefix = "celix_rsa_shm_"

// socketAddr returns the abstract socket address of a transport instance.
func socketAddr(name string) string {
	return "@" + socketPrefix + name
}

// Config carries the tunables of one transport instance. Zero fields fall
// back to the package defaults.
type Config struct {
	// Name identifies the transport instance. Servers bind their
	// descriptor socket under it; clients address requests to it.
	Name string

	PoolSize        uint64
	MsgTimeout      time.Duration
	MaxConcurrent   int
	MaxFailures     int
	BreakerCooldown time.Duration
	ReplyReserve    uint32

	Logger     logrus.FieldLogger
	Clock      clock.Clock
	Registerer prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MsgTimeout == 0 {
		c.MsgTimeout = DefaultMsgTimeout
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.ReplyReserve == 0 {
		c.ReplyReserve = DefaultReplyReserve
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// errRemoteDecode stands in for failures detected above the transport when
// they are fed into breaker accounting.
var errRemoteDecode = errors.New("reply decode failure")

// ClientManager is the caller side of the transport. One manager owns one
// pool segment and fans out calls to any number of destination transport
// instances, each with its own admission gate and circuit breaker.
type ClientManager struct {
	cfg     Config
	log     logrus.FieldLogger
	pool    *Pool
	metrics *ClientMetrics

	mu     sync.Mutex
	dests  map[string]*destination
	closed bool
	wg     sync.WaitGroup
}

// destination bundles the per-destination call state.
type destination struct {
	name    string
	gate    *gate
	breaker *Breaker

	connMu sync.Mutex
	conn   *net.UnixConn
}

// NewClientManager creates the pool segment and an idle manager. The
// segment is named after the process so a crashed process's leftovers are
// attributable.
func NewClientManager(cfg Config) (*ClientManager, error) {
	cfg = cfg.withDefaults()
	segName := fmt.Sprintf("%d_%s", os.Getpid(), uuid.NewString()[:8])
	pool, err := NewPool(segName, cfg.PoolSize, uint32(cfg.MaxConcurrent), cfg.ReplyReserve, cfg.Logger)
	if err != nil {
		return nil, err
	}
	m := &ClientManager{
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "shm-client"),
		pool:    pool,
		metrics: NewClientMetrics(cfg.Registerer),
		dests:   make(map[string]*destination),
	}
	m.metrics.observePool(cfg.Registerer, pool)
	return m, nil
}

// destination returns the per-destination state, creating it on first use.
func (m *ClientManager) destination(name string) *destination {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dests[name]
	if !ok {
		d = &destination{
			name:    name,
			gate:    newGate(m.cfg.MaxConcurrent),
			breaker: NewBreaker(m.cfg.MaxFailures, m.cfg.BreakerCooldown, m.cfg.Clock),
		}
		m.dests[name] = d
	}
	return d
}

// SendRequest performs one remote call against the named transport
// instance: admit, stage the message in a pool slot, announce the slot and
// block for the reply.
func (m *ClientManager) SendRequest(ctx context.Context, serverName string, md endpoint.Properties, request []byte) ([]byte, error) {
	if serverName == "" {
		return nil, status.Error(codes.InvalidArgument, "shm client: empty server name")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, status.Error(codes.FailedPrecondition, "shm client: closed")
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	dest := m.destination(serverName)

	if err := dest.breaker.Allow(); err != nil {
		m.metrics.CallsTotal.WithLabelValues(serverName, outcomeBreakerOpen).Inc()
		m.metrics.BreakerState.WithLabelValues(serverName).Set(breakerStateValue(dest.breaker.State()))
		return nil, err
	}
	if !dest.gate.tryAcquire() {
		m.metrics.CallsTotal.WithLabelValues(serverName, outcomeBusy).Inc()
		return nil, status.Errorf(codes.ResourceExhausted,
			"shm client: %d calls to %s already in flight", m.cfg.MaxConcurrent, serverName)
	}
	defer dest.gate.release()
	m.metrics.InFlight.WithLabelValues(serverName).Inc()
	defer m.metrics.InFlight.WithLabelValues(serverName).Dec()

	start := time.Now()
	reply, err := m.call(ctx, dest, md, request)
	m.metrics.CallSeconds.WithLabelValues(serverName).Observe(time.Since(start).Seconds())
	m.metrics.CallsTotal.WithLabelValues(serverName, outcomeLabel(err)).Inc()

	// Only outcomes that say something about the destination's health feed
	// the breaker. User cancellation and local pool exhaustion do not.
	switch code := status.Code(err); {
	case err == nil:
		dest.breaker.Record(nil)
	case isRemoteAbend(err), isReplyOverflow(err):
		dest.breaker.Record(err)
	case code == codes.DeadlineExceeded, code == codes.Unavailable:
		dest.breaker.Record(err)
	}
	m.metrics.BreakerState.WithLabelValues(serverName).Set(breakerStateValue(dest.breaker.State()))
	return reply, err
}

// call runs the slot protocol for one admitted request.
func (m *ClientManager) call(ctx context.Context, dest *destination, md endpoint.Properties, request []byte) ([]byte, error) {
	meta := encodeProps(md)
	slot, err := m.pool.Alloc(len(meta), len(request))
	if err != nil {
		return nil, err
	}
	defer m.pool.Release(slot)

	slot.stage(meta, request)
	slot.publish()

	payload, err := marshalDescriptor(slot.descriptor())
	if err != nil {
		return slot.abort(status.Errorf(codes.Internal, "shm client: %v", err))
	}
	if err := dest.send(payload); err != nil {
		return slot.abort(status.Errorf(codes.Unavailable, "shm client: announce to %s: %v", dest.name, err))
	}

	return slot.awaitReply(ctx, m.cfg.MsgTimeout)
}

// RecordFailure counts a failure detected above the transport, such as a
// reply that fails to decode, towards the destination's breaker.
func (m *ClientManager) RecordFailure(serverName string) {
	dest := m.destination(serverName)
	dest.breaker.Record(errRemoteDecode)
	m.metrics.BreakerState.WithLabelValues(serverName).Set(breakerStateValue(dest.breaker.State()))
}

// DestStats is a snapshot of one destination's call state.
type DestStats struct {
	InFlight     int
	BreakerState string
}

// Stats reports the per-destination call state, keyed by destination name.
func (m *ClientManager) Stats() map[string]DestStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]DestStats, len(m.dests))
	for name, d := range m.dests {
		out[name] = DestStats{InFlight: d.gate.inFlight(), BreakerState: d.breaker.State()}
	}
	return out
}

// Pool exposes the manager's pool for diagnostics.
func (m *ClientManager) Pool() *Pool {
	return m.pool
}

// Close drains in-flight calls, closes the destination sockets and removes
// the pool segment.
func (m *ClientManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	for _, d := range m.dests {
		d.connMu.Lock()
		if d.conn != nil {
			d.conn.Close()
			d.conn = nil
		}
		d.connMu.Unlock()
	}
	m.mu.Unlock()

	return m.pool.Close()
}

// send delivers one descriptor datagram, dialing the destination socket on
// first use and once more after a write error in case the server was
// restarted.
func (d *destination) send(payload []byte) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		if err := d.dialLocked(); err != nil {
			return err
		}
	}
	if _, err := d.conn.Write(payload); err != nil {
		d.conn.Close()
		d.conn = nil
		if err := d.dialLocked(); err != nil {
			return err
		}
		if _, err := d.conn.Write(payload); err != nil {
			d.conn.Close()
			d.conn = nil
			return err
		}
	}
	return nil
}

// dialLocked connects to the destination's descriptor socket with a short
// exponential backoff. Caller holds d.connMu.
func (d *destination) dialLocked() error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxElapsedTime = 250 * time.Millisecond
	return backoff.Retry(func() error {
		conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketAddr(d.name), Net: "unixgram"})
		if err != nil {
			return err
		}
		d.conn = conn
		return nil
	}, bo)
}

// outcomeLabel maps a call result to its metrics label.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case isRemoteAbend(err):
		return outcomeAbend
	case isReplyOverflow(err):
		return outcomeError
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return outcomeTimeout
	case codes.ResourceExhausted:
		return outcomePoolExhausted
	default:
		return outcomeError
	}
}

// isRemoteAbend reports whether err is a callee abend, whatever status
// code the callee recorded.
func isRemoteAbend(err error) bool {
	var a *remoteAbendError
	return errors.As(err, &a)
}

// isReplyOverflow reports whether err is the remote-reply-too-large
// failure, which unlike other ResourceExhausted errors is the
// destination's fault.
func isReplyOverflow(err error) bool {
	var o *replyOverflowError
	return errors.As(err, &o)
}
