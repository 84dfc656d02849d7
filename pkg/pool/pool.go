// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool recycles upstream connections so short proxy sessions do
// not pay a dial per session.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	// ErrClosed is returned when the pool has been shut down.
	ErrClosed = errors.New("connection pool is closed")
	// ErrExhausted is returned when MaxActive connections are in use.
	ErrExhausted = errors.New("connection pool exhausted")
)

// Config holds pool limits. Zero fields take defaults.
type Config struct {
	// MaxIdle is the number of idle connections kept for reuse.
	MaxIdle int
	// MaxActive caps connections handed out at once; 0 means no cap.
	MaxActive int
	// IdleTimeout closes connections idle longer than this.
	IdleTimeout time.Duration
	// MaxLifetime retires connections older than this regardless of use.
	MaxLifetime time.Duration
	// DialTimeout bounds the dial of a fresh connection.
	DialTimeout time.Duration
	// WaitTimeout is how long Get blocks when the pool is exhausted;
	// 0 fails immediately.
	WaitTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxIdle <= 0 {
		c.MaxIdle = 10
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 30 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Conn is a pooled upstream connection. Close returns it to the pool;
// Discard closes the network connection for good.
type Conn struct {
	net.Conn
	createdAt time.Time
	idleSince time.Time
	pool      *Pool
}

// Close hands the connection back for reuse.
func (c *Conn) Close() error {
	return c.pool.put(c, false)
}

// Discard drops the connection instead of recycling it. Use it after an
// I/O error so a poisoned connection never reaches another session.
func (c *Conn) Discard() error {
	return c.pool.put(c, true)
}

// DialFunc opens a new upstream connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Pool is a pool of connections to a single upstream address.
type Pool struct {
	mu     sync.Mutex
	idle   []*Conn
	active int
	dial   DialFunc
	cfg    Config
	closed bool
	wait   chan struct{}
	done   chan struct{}
}

// New creates a pool that dials through dial.
func New(dial DialFunc, cfg Config) *Pool {
	cfg.withDefaults()

	p := &Pool{
		dial: dial,
		cfg:  cfg,
		wait: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go p.reap()

	return p
}

// Get returns an idle connection or dials a new one.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if p.usable(conn, time.Now()) {
			p.active++
			p.mu.Unlock()
			return conn, nil
		}
		conn.Conn.Close()
	}

	if p.cfg.MaxActive > 0 && p.active >= p.cfg.MaxActive {
		p.mu.Unlock()

		if p.cfg.WaitTimeout > 0 {
			timer := time.NewTimer(p.cfg.WaitTimeout)
			defer timer.Stop()

			select {
			case <-p.wait:
				return p.Get(ctx)
			case <-timer.C:
				return nil, ErrExhausted
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, ErrExhausted
	}

	p.active++
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	raw, err := p.dial(dialCtx)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return nil, fmt.Errorf("dialing upstream: %w", err)
	}

	return &Conn{Conn: raw, createdAt: time.Now(), pool: p}, nil
}

func (p *Pool) put(conn *Conn, discard bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--

	select {
	case p.wait <- struct{}{}:
	default:
	}

	now := time.Now()
	if discard || p.closed || !p.usable(conn, now) || len(p.idle) >= p.cfg.MaxIdle {
		return conn.Conn.Close()
	}

	conn.idleSince = now
	p.idle = append(p.idle, conn)
	return nil
}

// usable reports whether a connection may still be handed out.
func (p *Pool) usable(conn *Conn, now time.Time) bool {
	if p.cfg.MaxLifetime > 0 && now.Sub(conn.createdAt) > p.cfg.MaxLifetime {
		return false
	}
	if !conn.idleSince.IsZero() && p.cfg.IdleTimeout > 0 && now.Sub(conn.idleSince) > p.cfg.IdleTimeout {
		return false
	}
	return true
}

// reap periodically closes idle connections past their timeout.
func (p *Pool) reap() {
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}

		now := time.Now()
		var kept []*Conn
		for _, conn := range p.idle {
			if p.usable(conn, now) {
				kept = append(kept, conn)
			} else {
				conn.Conn.Close()
			}
		}
		p.idle = kept
		p.mu.Unlock()
	}
}

// Close shuts the pool down and closes all idle connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)

	for _, conn := range p.idle {
		conn.Conn.Close()
	}
	p.idle = nil

	return nil
}

// Stats returns the idle and active connection counts.
func (p *Pool) Stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}

// Group keeps one pool per upstream address, created on first use.
type Group struct {
	mu    sync.Mutex
	pools map[string]*Pool
	cfg   Config
}

// NewGroup creates an empty group; every pool it creates shares cfg.
func NewGroup(cfg Config) *Group {
	cfg.withDefaults()
	return &Group{pools: make(map[string]*Pool), cfg: cfg}
}

// Get returns the pool for an upstream address, creating it if needed.
func (g *Group) Get(address string) *Pool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pools[address]
	if !ok {
		cfg := g.cfg
		p = New(func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", address)
		}, cfg)
		g.pools[address] = p
	}
	return p
}

// Close shuts down every pool in the group.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var first error
	for _, p := range g.pools {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	g.pools = make(map[string]*Pool)
	return first
}
