// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCondBroadcast(t *testing.T) {
	var (
		mu          sync.Mutex
		cond        = NewCond(&mu)
		start, done sync.WaitGroup
	)
	const N = 50
	start.Add(N)
	done.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer done.Done()
			mu.Lock()
			start.Done()
			if err := cond.Wait(context.Background()); err != nil {
				t.Error(err)
			}
			mu.Unlock()
		}()
	}
	start.Wait()
	mu.Lock()
	cond.Broadcast()
	mu.Unlock()
	done.Wait()
}

func TestCondCanceled(t *testing.T) {
	var (
		mu   sync.Mutex
		cond = NewCond(&mu)
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mu.Lock()
	defer mu.Unlock()
	if got, want := cond.Wait(ctx), context.Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCondUntil(t *testing.T) {
	var (
		mu    sync.Mutex
		cond  = NewCond(&mu)
		count int
	)
	const N = 10
	for i := 0; i < N; i++ {
		go func() {
			mu.Lock()
			count++
			cond.Broadcast()
			mu.Unlock()
		}()
	}
	mu.Lock()
	err := cond.Until(context.Background(), func() bool { return count == N })
	mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
}

func TestCondUntilDeadline(t *testing.T) {
	var (
		mu   sync.Mutex
		cond = NewCond(&mu)
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	mu.Lock()
	err := cond.Until(ctx, func() bool { return false })
	mu.Unlock()
	if got, want := err, context.DeadlineExceeded; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
