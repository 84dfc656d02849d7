// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func fakeDialer(dials *atomic.Int64) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		dials.Add(1)
		return &fakeConn{}, nil
	}
}

func TestGetReusesIdleConnection(t *testing.T) {
	var dials atomic.Int64
	p := New(fakeDialer(&dials), Config{})
	defer p.Close()

	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	raw := c1.Conn
	c1.Close()

	c2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if c2.Conn != raw {
		t.Error("idle connection not reused")
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestDiscardNeverRecycles(t *testing.T) {
	var dials atomic.Int64
	p := New(fakeDialer(&dials), Config{})
	defer p.Close()

	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	raw := c1.Conn.(*fakeConn)
	c1.Discard()

	if !raw.closed.Load() {
		t.Error("discarded connection left open")
	}
	c2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if c2.Conn == net.Conn(raw) {
		t.Error("discarded connection handed out again")
	}
	if got := dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestMaxActiveExhaustion(t *testing.T) {
	var dials atomic.Int64
	p := New(fakeDialer(&dials), Config{MaxActive: 1})
	defer p.Close()

	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := p.Get(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}

	c1.Close()
	if _, err := p.Get(context.Background()); err != nil {
		t.Errorf("Get after release: %v", err)
	}
}

func TestWaitTimeoutUnblocksOnRelease(t *testing.T) {
	var dials atomic.Int64
	p := New(fakeDialer(&dials), Config{MaxActive: 1, WaitTimeout: time.Second})
	defer p.Close()

	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background())
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c1.Close()

	select {
	case err := <-got:
		if err != nil {
			t.Errorf("waiting Get err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting Get never unblocked")
	}
}

func TestDialFailureReleasesSlot(t *testing.T) {
	dialErr := errors.New("refused")
	fail := true
	p := New(func(ctx context.Context) (net.Conn, error) {
		if fail {
			return nil, dialErr
		}
		return &fakeConn{}, nil
	}, Config{MaxActive: 1})
	defer p.Close()

	if _, err := p.Get(context.Background()); !errors.Is(err, dialErr) {
		t.Fatalf("err = %v, want dial error", err)
	}

	fail = false
	if _, err := p.Get(context.Background()); err != nil {
		t.Errorf("Get after failed dial: %v", err)
	}
}

func TestClosedPool(t *testing.T) {
	var dials atomic.Int64
	p := New(fakeDialer(&dials), Config{})

	c, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Close()

	if _, err := p.Get(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	// Returning a connection to a closed pool closes it.
	raw := c.Conn.(*fakeConn)
	c.Close()
	if !raw.closed.Load() {
		t.Error("connection returned to a closed pool left open")
	}
}

func TestStats(t *testing.T) {
	var dials atomic.Int64
	p := New(fakeDialer(&dials), Config{})
	defer p.Close()

	c, _ := p.Get(context.Background())
	if idle, active := p.Stats(); idle != 0 || active != 1 {
		t.Errorf("Stats = %d idle, %d active; want 0, 1", idle, active)
	}
	c.Close()
	if idle, active := p.Stats(); idle != 1 || active != 0 {
		t.Errorf("Stats = %d idle, %d active; want 1, 0", idle, active)
	}
}

func TestGroupPerAddress(t *testing.T) {
	g := NewGroup(Config{})
	defer g.Close()

	if g.Get("10.0.0.1:6379") != g.Get("10.0.0.1:6379") {
		t.Error("Get returned different pools for the same address")
	}
	if g.Get("10.0.0.1:6379") == g.Get("10.0.0.2:6379") {
		t.Error("Get returned the same pool for different addresses")
	}
}
