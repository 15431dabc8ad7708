// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rendezvous

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/procgroup/ctxsync"
)

// Hello is sent by each rank when it connects to the store.
type hello struct {
	Rank      int
	WorldSize int
	Key       uint32
}

// Welcome is the store's reply to a hello. It is sent only once every
// rank has registered, or as soon as the hello is rejected.
type welcome struct {
	// Members holds the address of each rank as observed by the store,
	// indexed by rank.
	Members []string
	Err     string
}

// A store is the rendezvous point served by rank 0. It admits exactly
// one connection per rank and releases all of them together once the
// group is complete.
type store struct {
	ln        net.Listener
	worldSize int
	key       uint32

	ctx    context.Context
	cancel func()

	mu      sync.Mutex
	cond    *ctxsync.Cond
	members []string
	joined  int
	conns   []net.Conn
	closed  bool

	wg sync.WaitGroup
}

// Serve starts a store listening on all interfaces at the port of
// addr. The store gives up on an incomplete group after timeout.
func serve(addr string, worldSize int, key uint32, timeout time.Duration) (*store, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", port))
	if err != nil {
		return nil, err
	}
	s := &store{
		ln:        ln,
		worldSize: worldSize,
		key:       key,
		members:   make([]string, worldSize),
	}
	s.cond = ctxsync.NewCond(&s.mu)
	s.ctx, s.cancel = context.WithTimeout(context.Background(), timeout)
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

func (s *store) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				log.Error.Printf("rendezvous: accept %s: %v", s.ln.Addr(), err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *store) handle(conn net.Conn) {
	if deadline, ok := s.ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	var (
		enc = gob.NewEncoder(conn)
		dec = gob.NewDecoder(conn)
		h   hello
	)
	if err := dec.Decode(&h); err != nil {
		log.Error.Printf("rendezvous: %s: read hello: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	members, err := s.register(h, conn)
	if err != nil {
		log.Error.Printf("rendezvous: %s: rank %d rejected: %v", conn.RemoteAddr(), h.Rank, err)
		_ = enc.Encode(welcome{Err: err.Error()})
		conn.Close()
		return
	}
	if err := enc.Encode(welcome{Members: members}); err != nil {
		log.Error.Printf("rendezvous: rank %d: write welcome: %v", h.Rank, err)
		return
	}
	_ = conn.SetDeadline(time.Time{})
}

// Register admits rank h.Rank and blocks until the group is complete.
func (s *store) register(h hello, conn net.Conn) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, fmt.Errorf("store closed")
	case h.Key != s.key:
		return nil, fmt.Errorf("group key %08x does not match store key %08x", h.Key, s.key)
	case h.WorldSize != s.worldSize:
		return nil, fmt.Errorf("world size %d does not match store world size %d", h.WorldSize, s.worldSize)
	case h.Rank < 0 || h.Rank >= s.worldSize:
		return nil, fmt.Errorf("rank %d out of range [0, %d)", h.Rank, s.worldSize)
	case s.members[h.Rank] != "":
		return nil, fmt.Errorf("rank %d already registered from %s", h.Rank, s.members[h.Rank])
	}
	s.members[h.Rank] = conn.RemoteAddr().String()
	s.joined++
	log.Debug.Printf("rendezvous: rank %d registered (%d/%d)", h.Rank, s.joined, s.worldSize)
	s.cond.Broadcast()
	if err := s.cond.Until(s.ctx, func() bool { return s.joined == s.worldSize || s.closed }); err != nil {
		return nil, fmt.Errorf("waiting for %d of %d ranks: %v", s.worldSize-s.joined, s.worldSize, err)
	}
	if s.closed && s.joined < s.worldSize {
		return nil, fmt.Errorf("store closed")
	}
	members := make([]string, len(s.members))
	copy(members, s.members)
	return members, nil
}

// Close stops the store and drops every connection it accepted.
func (s *store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	err := s.ln.Close()
	for _, conn := range conns {
		conn.Close()
	}
	s.cancel()
	s.wg.Wait()
	return err
}
