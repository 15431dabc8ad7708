// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides synchronization primitives whose waits
// can be abandoned through a context. The rendezvous store uses them
// to park registering ranks until the group is complete, or until
// the join deadline passes.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable with a context-aware Wait.
type Cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// NewCond returns a new Cond guarded by l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast wakes all current waiters. The cond's lock must be held.
func (c *Cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Wait releases the lock, waits for the next Broadcast or for the
// context to finish, then reacquires the lock. The lock must be
// held on entry. Wait returns the context's error if the context
// finished first.
func (c *Cond) Wait(ctx context.Context) error {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	waitc := c.waitc
	c.l.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.l.Lock()
	return err
}

// Until waits until done returns true. Done is evaluated with the
// lock held, once on entry and again after every wakeup. Until
// returns the context's error if the context finishes while done
// is still false.
func (c *Cond) Until(ctx context.Context, done func() bool) error {
	for !done() {
		if err := c.Wait(ctx); err != nil && !done() {
			return err
		}
	}
	return nil
}
