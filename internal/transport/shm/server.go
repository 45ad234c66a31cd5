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
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
)

// Handler processes one remote call. The metadata carries whatever the
// caller attached, at minimum the target service identity.
type Handler func(ctx context.Context, md endpoint.Properties, request []byte) ([]byte, error)

// Server is the callee side of the transport. It receives call descriptors
// on the instance's socket, maps the caller's pool segment and serves the
// calls on a bounded worker group.
type Server struct {
	cfg     Config
	handler Handler
	log     logrus.FieldLogger
	metrics *ServerMetrics
	warns   *rate.Limiter

	conn    *net.UnixConn
	workers chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	segments map[string]*Segment
	closed   bool
}

// NewServer binds the instance's descriptor socket and starts receiving.
// Binding fails when another instance of the same name is already up.
func NewServer(cfg Config, handler Handler) (*Server, error) {
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "shm server: empty name")
	}
	if handler == nil {
		return nil, status.Error(codes.InvalidArgument, "shm server: nil handler")
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: socketAddr(cfg.Name), Net: "unixgram"})
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "shm server: listen %s: %v", cfg.Name, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		handler:  handler,
		log:      cfg.Logger.WithField("component", "shm-server").WithField("server", cfg.Name),
		metrics:  NewServerMetrics(cfg.Registerer),
		warns:    rate.NewLimiter(rate.Every(time.Second), 5),
		conn:     conn,
		workers:  make(chan struct{}, cfg.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
		segments: make(map[string]*Segment),
	}
	s.wg.Add(1)
	go s.receiveLoop()
	return s, nil
}

// Name returns the instance name the server is reachable under.
func (s *Server) Name() string {
	return s.cfg.Name
}

// receiveLoop reads descriptor datagrams until the socket is closed. When
// all workers are busy the loop blocks, so bursts queue in the socket
// buffer instead of an unbounded spawn.
func (s *Server) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, MaxDescriptorSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if s.warns.Allow() {
				s.log.WithError(err).Warn("descriptor socket read failed")
			}
			continue
		}
		desc, err := unmarshalDescriptor(buf[:n])
		if err != nil {
			s.metrics.RequestsTotal.WithLabelValues(outcomeDropped).Inc()
			if s.warns.Allow() {
				s.log.WithError(err).Warn("dropping malformed call descriptor")
			}
			continue
		}
		select {
		case s.workers <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		s.wg.Add(1)
		go s.serve(desc)
	}
}

func (s *Server) serve(desc *callDescriptor) {
	defer s.wg.Done()
	defer func() { <-s.workers }()
	start := time.Now()
	outcome := s.dispatch(desc)
	s.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	if outcome != outcomeDropped {
		s.metrics.HandlerSeconds.Observe(time.Since(start).Seconds())
	}
}

// dispatch claims the slot named by desc and runs the handler. A
// descriptor that does not match a claimable slot is dropped: the caller
// has either given up already or never existed.
func (s *Server) dispatch(desc *callDescriptor) string {
	seg, err := s.segment(desc.SegmentName)
	if err != nil {
		if s.warns.Allow() {
			s.log.WithError(err).WithField("segment", desc.SegmentName).Warn("cannot map caller segment")
		}
		return outcomeDropped
	}
	if desc.BufCap != seg.H.BufferCapacity() {
		if s.warns.Allow() {
			s.log.WithField("segment", desc.SegmentName).Warn("descriptor capacity does not match segment")
		}
		return outcomeDropped
	}
	v, err := seg.Slot(desc.SlotIndex)
	if err != nil {
		return outcomeDropped
	}
	if !claimSlot(v, desc.Epoch) {
		return outcomeDropped
	}

	// The slot is ours until a terminal transition. The control block is
	// authoritative for the message sizes; the descriptor copy is a
	// cross-check against torn or stale announcements.
	metaSize, reqSize := v.MetaSize(), v.RequestSize()
	total := uint64(metaSize) + uint64(reqSize)
	if metaSize != desc.MetaSize || reqSize != desc.ReqSize || total > uint64(seg.H.BufferCapacity()) {
		completeAbend(v, desc.Epoch, uint32(codes.InvalidArgument))
		return outcomeAbend
	}

	// Copy the message out before the handler runs: the reply overwrites
	// the buffer from the start.
	buf := v.Buffer()
	meta := make([]byte, metaSize)
	copy(meta, buf[:metaSize])
	request := make([]byte, reqSize)
	copy(request, buf[metaSize:total])

	md, err := decodeProps(meta)
	if err != nil {
		completeAbend(v, desc.Epoch, uint32(codes.InvalidArgument))
		return outcomeAbend
	}

	reply, err := s.invoke(md, request)
	if err != nil {
		code := status.Code(err)
		if code == codes.OK {
			code = codes.Unknown
		}
		completeAbend(v, desc.Epoch, uint32(code))
		return outcomeAbend
	}
	completeReply(v, desc.Epoch, reply)
	return outcomeOK
}

// invoke runs the handler under the transport's own deadline, converting a
// panic into an error so the caller is not left waiting out its timeout.
func (s *Server) invoke(md endpoint.Properties, request []byte) (reply []byte, err error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.MsgTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("handler panicked")
			s.log.Debug(string(debug.Stack()))
			err = status.Errorf(codes.Internal, "handler panic: %v", r)
		}
	}()
	return s.handler(ctx, md, request)
}

// segment returns the mapped caller segment, mapping it on first use. A
// segment whose creator has retired it is evicted, so a caller reusing the
// name gets a fresh mapping.
func (s *Server) segment(name string) (*Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, status.Error(codes.FailedPrecondition, "shm server: closed")
	}
	if seg, ok := s.segments[name]; ok {
		if !seg.H.Closed() {
			return seg, nil
		}
		delete(s.segments, name)
		seg.Close()
	}
	seg, err := OpenSegment(name)
	if err != nil {
		s.metrics.OpenSegments.Set(float64(len(s.segments)))
		return nil, err
	}
	s.segments[name] = seg
	s.metrics.OpenSegments.Set(float64(len(s.segments)))
	return seg, nil
}

// Close stops receiving, waits out in-flight handlers and unmaps the
// caller segments.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()

	s.mu.Lock()
	for name, seg := range s.segments {
		seg.Close()
		delete(s.segments, name)
	}
	s.metrics.OpenSegments.Set(0)
	s.mu.Unlock()
	return err
}
