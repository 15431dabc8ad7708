// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rendezvous implements the join step of a collective
// process group: a fixed-size set of ranks discovers a shared store,
// registers with it, and proceeds only once every rank has arrived.
//
// Rank 0 serves the store at the master endpoint named by the
// rendezvous URL. Every rank, rank 0 included, dials the store,
// retrying with backoff while the store comes up, and sends its rank,
// the world size, and the group key. The store answers all ranks at
// once when the group is complete. A rank that stays connected is a
// member of the group; Destroy leaves it.
package rendezvous

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

// DefaultTimeout bounds a join when Params.Timeout is zero.
const DefaultTimeout = 1800 * time.Second

// dialPolicy paces reconnection attempts while the store is not yet
// listening. Attempts stop when the join deadline passes.
var dialPolicy = retry.Backoff(50*time.Millisecond, 2*time.Second, 1.5)

// Params describes one rank's join.
type Params struct {
	// Backend names the collective backend the group is formed for.
	// It is carried for diagnostics only.
	Backend string
	// URL is the rendezvous URL: tcp://host:port or env://.
	URL string
	// Getenv resolves MASTER_ADDR and MASTER_PORT for env:// URLs.
	Getenv func(string) string

	Rank      int
	WorldSize int
	// Key identifies the group; ranks presenting a different key
	// are turned away.
	Key uint32
	// Timeout bounds the whole join, including waiting for the other
	// ranks.
	Timeout time.Duration
}

// A Group is this process's membership in a joined group.
type Group struct {
	Backend   string
	Rank      int
	WorldSize int
	// Members lists the address of each rank as seen by the store.
	Members []string

	mu    sync.Mutex
	conn  net.Conn
	store *store
}

// Join joins the group described by p. It returns once all
// p.WorldSize ranks have joined, or fails when the timeout expires,
// the context is canceled, or the store rejects the rank.
func Join(ctx context.Context, p Params) (*Group, error) {
	if p.WorldSize < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rendezvous: world size %d", p.WorldSize))
	}
	if p.Rank < 0 || p.Rank >= p.WorldSize {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rendezvous: rank %d out of range [0, %d)", p.Rank, p.WorldSize))
	}
	addr, err := Resolve(p.URL, p.Getenv)
	if err != nil {
		return nil, err
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g := &Group{Backend: p.Backend, Rank: p.Rank, WorldSize: p.WorldSize}
	if p.Rank == 0 {
		g.store, err = serve(addr, p.WorldSize, p.Key, timeout)
		if err != nil {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("rendezvous: serve %s", addr), err)
		}
		log.Debug.Printf("rendezvous: serving %s for %d ranks", addr, p.WorldSize)
	}
	g.conn, err = dial(ctx, addr)
	if err == nil {
		g.Members, err = register(ctx, g.conn, hello{Rank: p.Rank, WorldSize: p.WorldSize, Key: p.Key})
	}
	if err != nil {
		if g.conn != nil {
			g.conn.Close()
		}
		if g.store != nil {
			g.store.Close()
		}
		return nil, err
	}
	log.Printf("rendezvous: rank %d/%d joined %s group at %s", p.Rank, p.WorldSize, p.Backend, addr)
	return g, nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for retries := 0; ; retries++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		log.Debug.Printf("rendezvous: dial %s: %v", addr, err)
		if werr := retry.Wait(ctx, dialPolicy, retries); werr != nil {
			return nil, errors.E(errors.Unavailable, fmt.Sprintf("rendezvous: dial %s", addr), err)
		}
	}
}

func register(ctx context.Context, conn net.Conn, h hello) ([]string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	// Unblock the exchange if the context is canceled before its
	// deadline.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	if err := gob.NewEncoder(conn).Encode(h); err != nil {
		return nil, errors.E(errors.Net, "rendezvous: send hello", err)
	}
	var w welcome
	if err := gob.NewDecoder(conn).Decode(&w); err != nil {
		if ctx.Err() != nil {
			return nil, errors.E(errors.Timeout, fmt.Sprintf("rendezvous: rank %d: waiting for group", h.Rank), ctx.Err())
		}
		return nil, errors.E(errors.Net, "rendezvous: read welcome", err)
	}
	if w.Err != "" {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("rendezvous: rank %d rejected: %s", h.Rank, w.Err))
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return w.Members, nil
}

// Destroy leaves the group. On rank 0 it also stops the store, which
// disconnects the remaining members. Destroying a group twice is an
// error.
func (g *Group) Destroy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return errors.E(errors.Precondition, fmt.Sprintf("rendezvous: rank %d: group already destroyed", g.Rank))
	}
	err := g.conn.Close()
	g.conn = nil
	if g.store != nil {
		if serr := g.store.Close(); err == nil {
			err = serr
		}
		g.store = nil
	}
	log.Debug.Printf("rendezvous: rank %d left %s group", g.Rank, g.Backend)
	return err
}
